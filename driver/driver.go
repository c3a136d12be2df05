// Package driver defines the Driver and Conn interfaces and the shared
// query/response types used across all ERP driver implementations.
//
// A Conn is a single ERP session and is NOT safe for concurrent use;
// the legacy ERP client libraries the drivers wrap serialize all work on
// one connection. Callers must route every Conn access through an actor
// (see internal/actor) so at most one operation runs at a time.
//
// Core types: QueryRequest, QueryFilter, SortField, CursorPageResponse,
// DeltaSyncRequest, DeltaSyncResponse.
package driver

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by all driver implementations.
var (
	// ErrNotFound is returned when a record addressed by ID does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConnFailed wraps connection-level failures. An operation error
	// that matches ErrConnFailed tells the owning actor the session is
	// unusable and must be reopened before the next operation.
	ErrConnFailed = errors.New("erp connection failed")
)

// Identity carries the ERP login used to open a session. BusinessUnit
// selects the sub-tenant partition (legal entity / warehouse) the session
// is bound to.
type Identity struct {
	Username     string
	Password     string
	BusinessUnit string
}

// Driver opens ERP sessions for a given identity.
type Driver interface {
	Name() string
	Open(identity Identity) (Conn, error)
}

// Conn is one live ERP session. Implementations do not need to be
// thread-safe; exclusive access is enforced by the caller.
type Conn interface {
	FindArticle(ctx context.Context, articleID string) (*Article, error)
	QueryArticles(ctx context.Context, q *ArticleQuery) ([]Article, error)
	CountArticles(ctx context.Context, q *ArticleQuery) (int, error)

	FindCustomer(ctx context.Context, customerNumber string) (*Customer, error)
	QueryCustomers(ctx context.Context, q *CustomerQuery) ([]Customer, error)
	CountCustomers(ctx context.Context, q *CustomerQuery) (int, error)

	FindOrder(ctx context.Context, orderNumber string) (*Order, error)
	QueryOrders(ctx context.Context, q *OrderQuery) ([]Order, error)
	CountOrders(ctx context.Context, q *OrderQuery) (int, error)
	CustomerOrders(ctx context.Context, customerNumber string, limit int) ([]Order, error)
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)

	// LicenseEnabled reports whether an optional ERP feature module
	// (e.g. "steel", "datanorm") is licensed for this session.
	LicenseEnabled(ctx context.Context, feature string) (bool, error)

	Close() error
}

// ------------------------------------------------------------- entities ---

// ArticleState mirrors the ERP article lifecycle state.
type ArticleState int

// Article lifecycle states.
const (
	ArticleStateActive ArticleState = iota
	ArticleStateDiscontinued
	ArticleStateBlocked
)

// Article is a catalog item as exposed by the ERP.
type Article struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Category    string       `json:"category,omitempty"`
	Price       float64      `json:"price"`
	State       ArticleState `json:"state"`
	NoEcommerce bool         `json:"no_ecommerce"`
	Active      bool         `json:"active"`
	ModifiedAt  time.Time    `json:"modified_at"`
}

// Customer is an ERP customer master record.
type Customer struct {
	CustomerNumber string    `json:"customer_number"`
	CompanyName    string    `json:"company_name"`
	Country        string    `json:"country,omitempty"`
	City           string    `json:"city,omitempty"`
	Email          string    `json:"email,omitempty"`
	Active         bool      `json:"active"`
	ModifiedAt     time.Time `json:"modified_at"`
}

// OrderStatus mirrors the ERP order state machine.
type OrderStatus int

// Order statuses.
const (
	OrderStatusOpen OrderStatus = iota
	OrderStatusConfirmed
	OrderStatusShipped
	OrderStatusInvoiced
	OrderStatusCancelled
)

// Order is a sales order header with its lines.
type Order struct {
	OrderNumber    string      `json:"order_number"`
	CustomerNumber string      `json:"customer_number"`
	Status         OrderStatus `json:"status"`
	TotalAmount    float64     `json:"total_amount"`
	OrderDate      time.Time   `json:"order_date"`
	ModifiedAt     time.Time   `json:"modified_at"`
	Lines          []OrderLine `json:"lines,omitempty"`
}

// OrderLine is a single order position.
type OrderLine struct {
	ArticleID string  `json:"article_id"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// CreateOrderRequest carries the data needed to create a new sales order.
type CreateOrderRequest struct {
	CustomerNumber string      `json:"customer_number"`
	Reference      string      `json:"reference,omitempty"`
	Lines          []OrderLine `json:"lines"`
}

// Validate returns an error if the request is missing required fields.
func (r CreateOrderRequest) Validate() error {
	if r.CustomerNumber == "" {
		return errors.New("customer number is required")
	}
	if len(r.Lines) == 0 {
		return errors.New("at least one order line is required")
	}
	for i, l := range r.Lines {
		if l.ArticleID == "" {
			return fmt.Errorf("line %d: article id is required", i)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("line %d: quantity must be positive", i)
		}
	}
	return nil
}

// ---------------------------------------------------------- query model ---

// FilterOperator names the comparison applied by a QueryFilter.
type FilterOperator string

// Supported filter operators.
const (
	OpEquals         FilterOperator = "eq"
	OpNotEquals      FilterOperator = "neq"
	OpContains       FilterOperator = "contains"
	OpGreaterThan    FilterOperator = "gt"
	OpLessThan       FilterOperator = "lt"
	OpGreaterOrEqual FilterOperator = "gte"
	OpLessOrEqual    FilterOperator = "lte"
)

// SortOrder is the direction of a SortField.
type SortOrder string

// Sort directions.
const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// QueryFilter is one (property, operator, value) predicate from a caller.
// Property names are matched case-insensitively; unknown properties and
// operator/value-type mismatches are ignored rather than rejected.
type QueryFilter struct {
	Property string         `json:"property"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

// SortField is one (property, order) pair from a caller.
type SortField struct {
	Property string    `json:"property"`
	Order    SortOrder `json:"order"`
}

// QueryRequest is the generic filter/sort/pagination request accepted by
// all facade query operations. Cursor, when set, positions the page at
// the offset a previous response's NextCursor encoded and takes
// precedence over Skip.
type QueryRequest struct {
	Filters []QueryFilter `json:"filters,omitempty"`
	Sorting []SortField   `json:"sorting,omitempty"`
	Skip    *int          `json:"skip,omitempty"`
	Take    *int          `json:"take,omitempty"`
	Cursor  string        `json:"cursor,omitempty"`
}

// DeltaSyncRequest asks for records modified since a watermark. Watermark
// is the opaque token from a previous response and takes precedence over
// Since when both are set.
type DeltaSyncRequest struct {
	Since        *time.Time `json:"since,omitempty"`
	Watermark    string     `json:"watermark,omitempty"`
	Category     string     `json:"category,omitempty"`
	BusinessUnit string     `json:"business_unit,omitempty"`
}

// CursorPageResponse is one page of a cursor-paginated result set.
type CursorPageResponse[T any] struct {
	Items      []T    `json:"items"`
	TotalCount int    `json:"total_count"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// DeltaSyncResponse is the result of a delta sync call. Watermark is the
// opaque token to pass back on the next call.
type DeltaSyncResponse[T any] struct {
	Items        []T       `json:"items"`
	TotalCount   int       `json:"total_count"`
	HasMore      bool      `json:"has_more"`
	LastModified time.Time `json:"last_modified"`
	Watermark    string    `json:"watermark"`
}

// ------------------------------------------------------ opaque encodings ---

// EncodeCursor encodes a result-set offset as an opaque cursor string.
func EncodeCursor(offset int) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(offset))
	return base64.StdEncoding.EncodeToString(buf[:])
}

// DecodeCursor decodes a cursor produced by EncodeCursor back to an offset.
func DecodeCursor(cursor string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("decoding cursor: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("decoding cursor: expected 8 bytes, got %d", len(raw))
	}
	offset := int(int64(binary.LittleEndian.Uint64(raw)))
	if offset < 0 {
		return 0, fmt.Errorf("decoding cursor: negative offset")
	}
	return offset, nil
}

// EncodeWatermark encodes a point in time as an opaque sync watermark.
func EncodeWatermark(t time.Time) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t.UTC().UnixNano()))
	return base64.StdEncoding.EncodeToString(buf[:])
}

// DecodeWatermark decodes a watermark produced by EncodeWatermark.
func DecodeWatermark(s string) (time.Time, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decoding watermark: %w", err)
	}
	if len(raw) != 8 {
		return time.Time{}, fmt.Errorf("decoding watermark: expected 8 bytes, got %d", len(raw))
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(raw))).UTC(), nil
}
