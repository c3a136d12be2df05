package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

// SQLite is a reference driver backed by a SQLite database laid out like
// the legacy ERP schema. It is primarily used for integration-style tests
// and local development without a live ERP.
//
// Each Open creates its own session handle limited to a single underlying
// connection, matching the one-session-per-actor model. The identity's
// username/password are accepted but not enforced by SQLite itself.
type SQLite struct {
	dsn string
}

// NewSQLite creates a SQLite driver for the given DSN (a file path or
// ":memory:" style DSN).
func NewSQLite(dsn string) (*SQLite, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqlite driver: dsn is required")
	}
	d := &SQLite{dsn: dsn}
	// Initialize the schema eagerly so misconfiguration fails at startup,
	// not on the first tenant request.
	db, err := d.open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return d, nil
}

// Name implements Driver.
func (d *SQLite) Name() string { return "sqlite" }

// Open implements Driver.
func (d *SQLite) Open(identity Identity) (Conn, error) {
	db, err := d.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnFailed, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnFailed, err)
	}
	return &sqliteConn{db: db, identity: identity}, nil
}

func (d *SQLite) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", d.dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite erp database: %w", err)
	}
	// One session, one connection.
	db.SetMaxOpenConns(1)
	return db, nil
}

func initSchema(db *sql.DB) error {
	ddl := `
CREATE TABLE IF NOT EXISTS articles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	price REAL NOT NULL DEFAULT 0,
	state INTEGER NOT NULL DEFAULT 0,
	no_ecommerce INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	business_unit TEXT NOT NULL DEFAULT '',
	modified_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS customers (
	customer_number TEXT PRIMARY KEY,
	company_name TEXT NOT NULL,
	country TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	modified_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	order_number TEXT PRIMARY KEY,
	customer_number TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 0,
	total_amount REAL NOT NULL DEFAULT 0,
	order_date DATETIME NOT NULL,
	modified_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS order_lines (
	order_number TEXT NOT NULL,
	position INTEGER NOT NULL,
	article_id TEXT NOT NULL,
	quantity REAL NOT NULL,
	unit_price REAL NOT NULL,
	PRIMARY KEY (order_number, position)
);
CREATE TABLE IF NOT EXISTS licenses (
	feature TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_articles_modified ON articles(modified_at);
CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders(customer_number);`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize erp schema: %w", err)
	}
	return nil
}

// Seed inserts sample data, replacing rows with matching keys. Used by
// tests and examples.
func (d *SQLite) Seed(articles []Article, customers []Customer, orders []Order) error {
	db, err := d.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	for _, a := range articles {
		_, err := db.Exec(`
INSERT OR REPLACE INTO articles(id, name, description, category, price, state, no_ecommerce, active, business_unit, modified_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
			a.ID, a.Name, a.Description, a.Category, a.Price, int(a.State), a.NoEcommerce, a.Active, a.ModifiedAt.UTC())
		if err != nil {
			return fmt.Errorf("seed article %s: %w", a.ID, err)
		}
	}
	for _, c := range customers {
		_, err := db.Exec(`
INSERT OR REPLACE INTO customers(customer_number, company_name, country, city, email, active, modified_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
			c.CustomerNumber, c.CompanyName, c.Country, c.City, c.Email, c.Active, c.ModifiedAt.UTC())
		if err != nil {
			return fmt.Errorf("seed customer %s: %w", c.CustomerNumber, err)
		}
	}
	for _, o := range orders {
		if err := insertOrder(db, o); err != nil {
			return err
		}
	}
	return nil
}

// SetLicense marks an ERP feature module as licensed or not.
func (d *SQLite) SetLicense(feature string, enabled bool) error {
	db, err := d.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	_, err = db.Exec(`INSERT OR REPLACE INTO licenses(feature, enabled) VALUES(?, ?)`, feature, enabled)
	return err
}

func insertOrder(db *sql.DB, o Order) error {
	_, err := db.Exec(`
INSERT OR REPLACE INTO orders(order_number, customer_number, status, total_amount, order_date, modified_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		o.OrderNumber, o.CustomerNumber, int(o.Status), o.TotalAmount, o.OrderDate.UTC(), o.ModifiedAt.UTC())
	if err != nil {
		return fmt.Errorf("seed order %s: %w", o.OrderNumber, err)
	}
	for i, l := range o.Lines {
		_, err := db.Exec(`
INSERT OR REPLACE INTO order_lines(order_number, position, article_id, quantity, unit_price)
VALUES(?, ?, ?, ?, ?)`,
			o.OrderNumber, i+1, l.ArticleID, l.Quantity, l.UnitPrice)
		if err != nil {
			return fmt.Errorf("seed order %s line %d: %w", o.OrderNumber, i+1, err)
		}
	}
	return nil
}

type sqliteConn struct {
	db       *sql.DB
	identity Identity
}

func (c *sqliteConn) FindArticle(ctx context.Context, articleID string) (*Article, error) {
	row := c.db.QueryRowContext(ctx, `
SELECT id, name, description, category, price, state, no_ecommerce, active, modified_at
FROM articles WHERE id = ?`, articleID)
	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("article %s: %w", articleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find article: %w", err)
	}
	return a, nil
}

func (c *sqliteConn) QueryArticles(ctx context.Context, q *ArticleQuery) ([]Article, error) {
	where, args := articleWhere(q)
	query := `
SELECT id, name, description, category, price, state, no_ecommerce, active, modified_at
FROM articles` + where + articleOrder(q.sort)
	if q.take != nil {
		query += fmt.Sprintf(" LIMIT %d", *q.take)
	} else if q.skip != nil {
		query += " LIMIT -1"
	}
	if q.skip != nil {
		query += fmt.Sprintf(" OFFSET %d", *q.skip)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("query articles: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (c *sqliteConn) CountArticles(ctx context.Context, q *ArticleQuery) (int, error) {
	where, args := articleWhere(q)
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count articles: %w", err)
	}
	return n, nil
}

func articleWhere(q *ArticleQuery) (string, []any) {
	var conds []string
	var args []any
	if q.nameContains != "" {
		conds = append(conds, "name LIKE ? COLLATE NOCASE")
		args = append(args, "%"+q.nameContains+"%")
	}
	if q.state != nil {
		conds = append(conds, "state = ?")
		args = append(args, int(*q.state))
	}
	if q.category != "" {
		conds = append(conds, "category = ?")
		args = append(args, q.category)
	}
	if q.priceMin != nil {
		conds = append(conds, "price >= ?")
		args = append(args, *q.priceMin)
	}
	if q.priceMax != nil {
		conds = append(conds, "price <= ?")
		args = append(args, *q.priceMax)
	}
	if q.ecommerceOnly {
		conds = append(conds, "no_ecommerce = 0")
	}
	if q.activeOnly {
		conds = append(conds, "active = 1")
	}
	if q.modifiedSince != nil {
		conds = append(conds, "modified_at >= ?")
		args = append(args, q.modifiedSince.UTC())
	}
	if q.businessUnit != "" {
		conds = append(conds, "(business_unit = '' OR business_unit = ?)")
		args = append(args, q.businessUnit)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func articleOrder(key articleSort) string {
	switch key {
	case articleSortName:
		return " ORDER BY name"
	case articleSortNameDesc:
		return " ORDER BY name DESC"
	case articleSortPrice:
		return " ORDER BY price"
	case articleSortPriceDesc:
		return " ORDER BY price DESC"
	case articleSortModifiedDesc:
		return " ORDER BY modified_at DESC"
	default:
		return " ORDER BY id"
	}
}

func scanArticle(scanner interface{ Scan(dest ...any) error }) (*Article, error) {
	var (
		a     Article
		state int
	)
	err := scanner.Scan(&a.ID, &a.Name, &a.Description, &a.Category, &a.Price, &state, &a.NoEcommerce, &a.Active, &a.ModifiedAt)
	if err != nil {
		return nil, err
	}
	a.State = ArticleState(state)
	a.ModifiedAt = a.ModifiedAt.UTC()
	return &a, nil
}

func (c *sqliteConn) FindCustomer(ctx context.Context, customerNumber string) (*Customer, error) {
	row := c.db.QueryRowContext(ctx, `
SELECT customer_number, company_name, country, city, email, active, modified_at
FROM customers WHERE customer_number = ?`, customerNumber)
	cu, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("customer %s: %w", customerNumber, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find customer: %w", err)
	}
	return cu, nil
}

func (c *sqliteConn) QueryCustomers(ctx context.Context, q *CustomerQuery) ([]Customer, error) {
	where, args := customerWhere(q)
	query := `
SELECT customer_number, company_name, country, city, email, active, modified_at
FROM customers` + where + customerOrder(q.sort)
	if q.take != nil {
		query += fmt.Sprintf(" LIMIT %d", *q.take)
	} else if q.skip != nil {
		query += " LIMIT -1"
	}
	if q.skip != nil {
		query += fmt.Sprintf(" OFFSET %d", *q.skip)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Customer
	for rows.Next() {
		cu, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("query customers: %w", err)
		}
		out = append(out, *cu)
	}
	return out, rows.Err()
}

func (c *sqliteConn) CountCustomers(ctx context.Context, q *CustomerQuery) (int, error) {
	where, args := customerWhere(q)
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count customers: %w", err)
	}
	return n, nil
}

func customerWhere(q *CustomerQuery) (string, []any) {
	var conds []string
	var args []any
	if q.companyNameContains != "" {
		conds = append(conds, "company_name LIKE ? COLLATE NOCASE")
		args = append(args, "%"+q.companyNameContains+"%")
	}
	if q.country != "" {
		conds = append(conds, "country = ?")
		args = append(args, q.country)
	}
	if q.city != "" {
		conds = append(conds, "city = ?")
		args = append(args, q.city)
	}
	if q.activeOnly {
		conds = append(conds, "active = 1")
	}
	if q.modifiedSince != nil {
		conds = append(conds, "modified_at >= ?")
		args = append(args, q.modifiedSince.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func customerOrder(key customerSort) string {
	switch key {
	case customerSortCompanyName:
		return " ORDER BY company_name"
	case customerSortCustomerNumber:
		return " ORDER BY customer_number"
	case customerSortModifiedDesc:
		return " ORDER BY modified_at DESC"
	default:
		return " ORDER BY customer_number"
	}
}

func scanCustomer(scanner interface{ Scan(dest ...any) error }) (*Customer, error) {
	var cu Customer
	err := scanner.Scan(&cu.CustomerNumber, &cu.CompanyName, &cu.Country, &cu.City, &cu.Email, &cu.Active, &cu.ModifiedAt)
	if err != nil {
		return nil, err
	}
	cu.ModifiedAt = cu.ModifiedAt.UTC()
	return &cu, nil
}

func (c *sqliteConn) FindOrder(ctx context.Context, orderNumber string) (*Order, error) {
	row := c.db.QueryRowContext(ctx, `
SELECT order_number, customer_number, status, total_amount, order_date, modified_at
FROM orders WHERE order_number = ?`, orderNumber)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", orderNumber, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	if err := c.loadLines(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (c *sqliteConn) QueryOrders(ctx context.Context, q *OrderQuery) ([]Order, error) {
	where, args := orderWhere(q)
	query := `
SELECT order_number, customer_number, status, total_amount, order_date, modified_at
FROM orders` + where + orderOrder(q.sort)
	if q.take != nil {
		query += fmt.Sprintf(" LIMIT %d", *q.take)
	} else if q.skip != nil {
		query += " LIMIT -1"
	}
	if q.skip != nil {
		query += fmt.Sprintf(" OFFSET %d", *q.skip)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("query orders: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (c *sqliteConn) CountOrders(ctx context.Context, q *OrderQuery) (int, error) {
	where, args := orderWhere(q)
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

func orderWhere(q *OrderQuery) (string, []any) {
	var conds []string
	var args []any
	if q.customerNumber != "" {
		conds = append(conds, "customer_number = ?")
		args = append(args, q.customerNumber)
	}
	if q.status != nil {
		conds = append(conds, "status = ?")
		args = append(args, int(*q.status))
	}
	if q.minAmount != nil {
		conds = append(conds, "total_amount >= ?")
		args = append(args, *q.minAmount)
	}
	if q.modifiedSince != nil {
		conds = append(conds, "modified_at >= ?")
		args = append(args, q.modifiedSince.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderOrder(key orderSort) string {
	switch key {
	case orderSortDateDesc:
		return " ORDER BY order_date DESC"
	case orderSortOrderNumber:
		return " ORDER BY order_number"
	case orderSortAmountDesc:
		return " ORDER BY total_amount DESC"
	default:
		return " ORDER BY order_number"
	}
}

func scanOrder(scanner interface{ Scan(dest ...any) error }) (*Order, error) {
	var (
		o      Order
		status int
	)
	err := scanner.Scan(&o.OrderNumber, &o.CustomerNumber, &status, &o.TotalAmount, &o.OrderDate, &o.ModifiedAt)
	if err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	o.OrderDate = o.OrderDate.UTC()
	o.ModifiedAt = o.ModifiedAt.UTC()
	return &o, nil
}

func (c *sqliteConn) loadLines(ctx context.Context, o *Order) error {
	rows, err := c.db.QueryContext(ctx, `
SELECT article_id, quantity, unit_price FROM order_lines
WHERE order_number = ? ORDER BY position`, o.OrderNumber)
	if err != nil {
		return fmt.Errorf("load order lines: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ArticleID, &l.Quantity, &l.UnitPrice); err != nil {
			return fmt.Errorf("load order lines: %w", err)
		}
		o.Lines = append(o.Lines, l)
	}
	return rows.Err()
}

func (c *sqliteConn) CustomerOrders(ctx context.Context, customerNumber string, limit int) ([]Order, error) {
	q := NewOrderQuery().WithCustomerNumber(customerNumber).OrderByDateDescending()
	if limit > 0 {
		q.Take(limit)
	}
	return c.QueryOrders(ctx, q)
}

func (c *sqliteConn) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var exists int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers WHERE customer_number = ?`, req.CustomerNumber).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("customer %s: %w", req.CustomerNumber, ErrNotFound)
	}

	var total float64
	for _, l := range req.Lines {
		total += l.Quantity * l.UnitPrice
	}

	var seq int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&seq); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	now := time.Now().UTC()
	order := Order{
		OrderNumber:    fmt.Sprintf("SO-%06d", seq+1),
		CustomerNumber: req.CustomerNumber,
		Status:         OrderStatusOpen,
		TotalAmount:    total,
		OrderDate:      now,
		ModifiedAt:     now,
		Lines:          append([]OrderLine(nil), req.Lines...),
	}
	if err := insertOrder(c.db, order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *sqliteConn) LicenseEnabled(ctx context.Context, feature string) (bool, error) {
	var enabled bool
	err := c.db.QueryRowContext(ctx, `SELECT enabled FROM licenses WHERE feature = ?`, feature).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("license check: %w", err)
	}
	return enabled, nil
}

func (c *sqliteConn) Close() error {
	return c.db.Close()
}
