package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-memory driver used in tests, examples and local
// development. It mimics the legacy ERP client's behavior: every Conn it
// opens is single-session and detects concurrent use, failing loudly when
// two operations overlap instead of corrupting state silently.
type Memory struct {
	mu        sync.Mutex
	articles  []memoryArticle
	customers []Customer
	orders    []Order
	licenses  map[string]bool
	orderSeq  int64

	// Latency is an artificial per-operation delay, useful for making
	// concurrency tests deterministic. Zero means no delay.
	Latency time.Duration
}

// NewMemory creates an empty in-memory driver.
func NewMemory() *Memory {
	return &Memory{licenses: make(map[string]bool)}
}

// memoryArticle pairs an article with the business unit it belongs to.
// An empty unit means the article is visible to every unit, matching the
// SQLite driver's business_unit column semantics.
type memoryArticle struct {
	Article
	unit string
}

// SeedArticles replaces the article data set. Seeded articles are
// visible to all business units.
func (m *Memory) SeedArticles(articles []Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.articles = nil
	for _, a := range articles {
		m.articles = append(m.articles, memoryArticle{Article: a})
	}
}

// SeedArticlesForUnit adds articles visible only to the given business
// unit, on top of whatever SeedArticles installed.
func (m *Memory) SeedArticlesForUnit(unit string, articles []Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range articles {
		m.articles = append(m.articles, memoryArticle{Article: a, unit: unit})
	}
}

// SeedCustomers replaces the customer data set.
func (m *Memory) SeedCustomers(customers []Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers = append([]Customer(nil), customers...)
}

// SeedOrders replaces the order data set and advances the order number
// sequence past the seeded orders.
func (m *Memory) SeedOrders(orders []Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append([]Order(nil), orders...)
	atomic.StoreInt64(&m.orderSeq, int64(len(orders)))
}

// SetLicense marks an ERP feature module as licensed or not.
func (m *Memory) SetLicense(feature string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.licenses[feature] = enabled
}

// Name implements Driver.
func (m *Memory) Name() string { return "memory" }

// Open implements Driver. The returned Conn shares the driver's data set
// but carries its own session state.
func (m *Memory) Open(identity Identity) (Conn, error) {
	return &memoryConn{drv: m, identity: identity}, nil
}

type memoryConn struct {
	drv      *Memory
	identity Identity
	inUse    atomic.Bool
	closed   atomic.Bool
}

// enter flags the session busy for the duration of one operation. The
// legacy client this driver stands in for has no such guard; here a
// detected overlap returns an error so tests catch serialization bugs.
func (c *memoryConn) enter(ctx context.Context) (func(), error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: session closed", ErrConnFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.inUse.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: concurrent use of single-session connection", ErrConnFailed)
	}
	if c.drv.Latency > 0 {
		select {
		case <-time.After(c.drv.Latency):
		case <-ctx.Done():
			c.inUse.Store(false)
			return nil, ctx.Err()
		}
	}
	return func() { c.inUse.Store(false) }, nil
}

func (c *memoryConn) FindArticle(ctx context.Context, articleID string) (*Article, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	for _, a := range c.drv.articles {
		if a.ID == articleID {
			cp := a.Article
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("article %s: %w", articleID, ErrNotFound)
}

func (c *memoryConn) QueryArticles(ctx context.Context, q *ArticleQuery) ([]Article, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	matched := c.matchArticles(q)
	sortArticles(matched, q.sort)
	return paginate(matched, q.skip, q.take), nil
}

func (c *memoryConn) CountArticles(ctx context.Context, q *ArticleQuery) (int, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	return len(c.matchArticles(q)), nil
}

func (c *memoryConn) matchArticles(q *ArticleQuery) []Article {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()

	var out []Article
	for _, a := range c.drv.articles {
		if q.businessUnit != "" && a.unit != "" && a.unit != q.businessUnit {
			continue
		}
		if q.nameContains != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(q.nameContains)) {
			continue
		}
		if q.state != nil && a.State != *q.state {
			continue
		}
		if q.category != "" && a.Category != q.category {
			continue
		}
		if q.priceMin != nil && a.Price < *q.priceMin {
			continue
		}
		if q.priceMax != nil && a.Price > *q.priceMax {
			continue
		}
		if q.ecommerceOnly && a.NoEcommerce {
			continue
		}
		if q.activeOnly && !a.Active {
			continue
		}
		if q.modifiedSince != nil && a.ModifiedAt.Before(*q.modifiedSince) {
			continue
		}
		out = append(out, a.Article)
	}
	return out
}

func (c *memoryConn) FindCustomer(ctx context.Context, customerNumber string) (*Customer, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	for _, cu := range c.drv.customers {
		if cu.CustomerNumber == customerNumber {
			cp := cu
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("customer %s: %w", customerNumber, ErrNotFound)
}

func (c *memoryConn) QueryCustomers(ctx context.Context, q *CustomerQuery) ([]Customer, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	matched := c.matchCustomers(q)
	sortCustomers(matched, q.sort)
	return paginate(matched, q.skip, q.take), nil
}

func (c *memoryConn) CountCustomers(ctx context.Context, q *CustomerQuery) (int, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	return len(c.matchCustomers(q)), nil
}

func (c *memoryConn) matchCustomers(q *CustomerQuery) []Customer {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()

	var out []Customer
	for _, cu := range c.drv.customers {
		if q.companyNameContains != "" && !strings.Contains(strings.ToLower(cu.CompanyName), strings.ToLower(q.companyNameContains)) {
			continue
		}
		if q.country != "" && cu.Country != q.country {
			continue
		}
		if q.city != "" && cu.City != q.city {
			continue
		}
		if q.activeOnly && !cu.Active {
			continue
		}
		if q.modifiedSince != nil && cu.ModifiedAt.Before(*q.modifiedSince) {
			continue
		}
		out = append(out, cu)
	}
	return out
}

func (c *memoryConn) FindOrder(ctx context.Context, orderNumber string) (*Order, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	for _, o := range c.drv.orders {
		if o.OrderNumber == orderNumber {
			cp := o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", orderNumber, ErrNotFound)
}

func (c *memoryConn) QueryOrders(ctx context.Context, q *OrderQuery) ([]Order, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	matched := c.matchOrders(q)
	sortOrders(matched, q.sort)
	return paginate(matched, q.skip, q.take), nil
}

func (c *memoryConn) CountOrders(ctx context.Context, q *OrderQuery) (int, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	return len(c.matchOrders(q)), nil
}

func (c *memoryConn) matchOrders(q *OrderQuery) []Order {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()

	var out []Order
	for _, o := range c.drv.orders {
		if q.customerNumber != "" && o.CustomerNumber != q.customerNumber {
			continue
		}
		if q.status != nil && o.Status != *q.status {
			continue
		}
		if q.minAmount != nil && o.TotalAmount < *q.minAmount {
			continue
		}
		if q.modifiedSince != nil && o.ModifiedAt.Before(*q.modifiedSince) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (c *memoryConn) CustomerOrders(ctx context.Context, customerNumber string, limit int) ([]Order, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	matched := c.matchOrders(NewOrderQuery().WithCustomerNumber(customerNumber))
	sortOrders(matched, orderSortDateDesc)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (c *memoryConn) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()

	found := false
	for _, cu := range c.drv.customers {
		if cu.CustomerNumber == req.CustomerNumber {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("customer %s: %w", req.CustomerNumber, ErrNotFound)
	}

	var total float64
	for _, l := range req.Lines {
		total += l.Quantity * l.UnitPrice
	}

	seq := atomic.AddInt64(&c.drv.orderSeq, 1)
	now := time.Now().UTC()
	order := Order{
		OrderNumber:    fmt.Sprintf("SO-%06d", seq),
		CustomerNumber: req.CustomerNumber,
		Status:         OrderStatusOpen,
		TotalAmount:    total,
		OrderDate:      now,
		ModifiedAt:     now,
		Lines:          append([]OrderLine(nil), req.Lines...),
	}
	c.drv.orders = append(c.drv.orders, order)
	cp := order
	return &cp, nil
}

func (c *memoryConn) LicenseEnabled(ctx context.Context, feature string) (bool, error) {
	done, err := c.enter(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	return c.drv.licenses[feature], nil
}

func (c *memoryConn) Close() error {
	c.closed.Store(true)
	return nil
}

// ------------------------------------------------------------- sorting ---

func sortArticles(items []Article, key articleSort) {
	switch key {
	case articleSortName:
		sort.SliceStable(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	case articleSortNameDesc:
		sort.SliceStable(items, func(i, j int) bool { return items[i].Name > items[j].Name })
	case articleSortPrice:
		sort.SliceStable(items, func(i, j int) bool { return items[i].Price < items[j].Price })
	case articleSortPriceDesc:
		sort.SliceStable(items, func(i, j int) bool { return items[i].Price > items[j].Price })
	case articleSortModifiedDesc:
		sort.SliceStable(items, func(i, j int) bool { return items[i].ModifiedAt.After(items[j].ModifiedAt) })
	}
}

func sortCustomers(items []Customer, key customerSort) {
	switch key {
	case customerSortCompanyName:
		sort.SliceStable(items, func(i, j int) bool { return items[i].CompanyName < items[j].CompanyName })
	case customerSortCustomerNumber:
		sort.SliceStable(items, func(i, j int) bool { return items[i].CustomerNumber < items[j].CustomerNumber })
	case customerSortModifiedDesc:
		sort.SliceStable(items, func(i, j int) bool { return items[i].ModifiedAt.After(items[j].ModifiedAt) })
	}
}

func sortOrders(items []Order, key orderSort) {
	switch key {
	case orderSortDateDesc:
		sort.SliceStable(items, func(i, j int) bool { return items[i].OrderDate.After(items[j].OrderDate) })
	case orderSortOrderNumber:
		sort.SliceStable(items, func(i, j int) bool { return items[i].OrderNumber < items[j].OrderNumber })
	case orderSortAmountDesc:
		sort.SliceStable(items, func(i, j int) bool { return items[i].TotalAmount > items[j].TotalAmount })
	}
}

func paginate[T any](items []T, skip, take *int) []T {
	if skip != nil {
		n := *skip
		if n >= len(items) {
			return nil
		}
		items = items[n:]
	}
	if take != nil && *take < len(items) {
		items = items[:*take]
	}
	return append([]T(nil), items...)
}
