package driver

import "time"

// Per-entity sort keys. Drivers interpret these when evaluating a query.
type articleSort int

const (
	articleSortNone articleSort = iota
	articleSortName
	articleSortNameDesc
	articleSortPrice
	articleSortPriceDesc
	articleSortModifiedDesc
)

type customerSort int

const (
	customerSortNone customerSort = iota
	customerSortCompanyName
	customerSortCustomerNumber
	customerSortModifiedDesc
)

type orderSort int

const (
	orderSortNone orderSort = iota
	orderSortDateDesc
	orderSortOrderNumber
	orderSortAmountDesc
)

// ArticleQuery is a fluent, driver-neutral article query specification.
// The zero value matches all articles. All With*/OrderBy* methods return
// the receiver so calls can be chained.
type ArticleQuery struct {
	nameContains  string
	state         *ArticleState
	category      string
	priceMin      *float64
	priceMax      *float64
	ecommerceOnly bool
	activeOnly    bool
	modifiedSince *time.Time
	businessUnit  string
	sort          articleSort
	skip          *int
	take          *int
}

// NewArticleQuery returns an empty article query spec.
func NewArticleQuery() *ArticleQuery { return &ArticleQuery{} }

// WithNameContains restricts results to articles whose name contains s
// (case-insensitive).
func (q *ArticleQuery) WithNameContains(s string) *ArticleQuery {
	q.nameContains = s
	return q
}

// WithState restricts results to articles in the given lifecycle state.
func (q *ArticleQuery) WithState(s ArticleState) *ArticleQuery {
	q.state = &s
	return q
}

// WithCategory restricts results to one category.
func (q *ArticleQuery) WithCategory(c string) *ArticleQuery {
	q.category = c
	return q
}

// WithPriceRange restricts results by price. Either bound may be nil.
func (q *ArticleQuery) WithPriceRange(min, max *float64) *ArticleQuery {
	if min != nil {
		v := *min
		q.priceMin = &v
	}
	if max != nil {
		v := *max
		q.priceMax = &v
	}
	return q
}

// ECommerceEnabled excludes articles flagged as not for e-commerce.
func (q *ArticleQuery) ECommerceEnabled() *ArticleQuery {
	q.ecommerceOnly = true
	return q
}

// ActiveOnly excludes inactive articles.
func (q *ArticleQuery) ActiveOnly() *ArticleQuery {
	q.activeOnly = true
	return q
}

// ModifiedSince restricts results to articles modified at or after t.
func (q *ArticleQuery) ModifiedSince(t time.Time) *ArticleQuery {
	u := t.UTC()
	q.modifiedSince = &u
	return q
}

// WithBusinessUnit restricts results to one business unit's assortment.
func (q *ArticleQuery) WithBusinessUnit(bu string) *ArticleQuery {
	q.businessUnit = bu
	return q
}

// OrderByName sorts by name ascending.
func (q *ArticleQuery) OrderByName() *ArticleQuery { q.sort = articleSortName; return q }

// OrderByNameDescending sorts by name descending.
func (q *ArticleQuery) OrderByNameDescending() *ArticleQuery { q.sort = articleSortNameDesc; return q }

// OrderByPrice sorts by price ascending.
func (q *ArticleQuery) OrderByPrice() *ArticleQuery { q.sort = articleSortPrice; return q }

// OrderByPriceDescending sorts by price descending.
func (q *ArticleQuery) OrderByPriceDescending() *ArticleQuery {
	q.sort = articleSortPriceDesc
	return q
}

// OrderByModifiedDescending sorts by modification time, newest first.
func (q *ArticleQuery) OrderByModifiedDescending() *ArticleQuery {
	q.sort = articleSortModifiedDesc
	return q
}

// Skip sets the pagination offset.
func (q *ArticleQuery) Skip(n int) *ArticleQuery { q.skip = &n; return q }

// Take sets the pagination limit.
func (q *ArticleQuery) Take(n int) *ArticleQuery { q.take = &n; return q }

// CustomerQuery is a fluent, driver-neutral customer query specification.
type CustomerQuery struct {
	companyNameContains string
	country             string
	city                string
	activeOnly          bool
	modifiedSince       *time.Time
	sort                customerSort
	skip                *int
	take                *int
}

// NewCustomerQuery returns an empty customer query spec.
func NewCustomerQuery() *CustomerQuery { return &CustomerQuery{} }

// WithCompanyNameContains restricts results to customers whose company
// name contains s (case-insensitive).
func (q *CustomerQuery) WithCompanyNameContains(s string) *CustomerQuery {
	q.companyNameContains = s
	return q
}

// WithCountry restricts results to one country code.
func (q *CustomerQuery) WithCountry(c string) *CustomerQuery { q.country = c; return q }

// WithCity restricts results to one city.
func (q *CustomerQuery) WithCity(c string) *CustomerQuery { q.city = c; return q }

// ActiveOnly excludes inactive customers.
func (q *CustomerQuery) ActiveOnly() *CustomerQuery { q.activeOnly = true; return q }

// ModifiedSince restricts results to customers modified at or after t.
func (q *CustomerQuery) ModifiedSince(t time.Time) *CustomerQuery {
	u := t.UTC()
	q.modifiedSince = &u
	return q
}

// OrderByCompanyName sorts by company name ascending.
func (q *CustomerQuery) OrderByCompanyName() *CustomerQuery {
	q.sort = customerSortCompanyName
	return q
}

// OrderByCustomerNumber sorts by customer number ascending.
func (q *CustomerQuery) OrderByCustomerNumber() *CustomerQuery {
	q.sort = customerSortCustomerNumber
	return q
}

// OrderByModifiedDescending sorts by modification time, newest first.
func (q *CustomerQuery) OrderByModifiedDescending() *CustomerQuery {
	q.sort = customerSortModifiedDesc
	return q
}

// Skip sets the pagination offset.
func (q *CustomerQuery) Skip(n int) *CustomerQuery { q.skip = &n; return q }

// Take sets the pagination limit.
func (q *CustomerQuery) Take(n int) *CustomerQuery { q.take = &n; return q }

// OrderQuery is a fluent, driver-neutral order query specification.
type OrderQuery struct {
	customerNumber string
	status         *OrderStatus
	minAmount      *float64
	modifiedSince  *time.Time
	sort           orderSort
	skip           *int
	take           *int
}

// NewOrderQuery returns an empty order query spec.
func NewOrderQuery() *OrderQuery { return &OrderQuery{} }

// WithCustomerNumber restricts results to one customer's orders.
func (q *OrderQuery) WithCustomerNumber(n string) *OrderQuery {
	q.customerNumber = n
	return q
}

// WithStatus restricts results to one order status.
func (q *OrderQuery) WithStatus(s OrderStatus) *OrderQuery {
	q.status = &s
	return q
}

// WithMinAmount restricts results to orders totalling at least v.
func (q *OrderQuery) WithMinAmount(v float64) *OrderQuery {
	q.minAmount = &v
	return q
}

// ModifiedSince restricts results to orders modified at or after t.
func (q *OrderQuery) ModifiedSince(t time.Time) *OrderQuery {
	u := t.UTC()
	q.modifiedSince = &u
	return q
}

// OrderByDateDescending sorts by order date, newest first.
func (q *OrderQuery) OrderByDateDescending() *OrderQuery { q.sort = orderSortDateDesc; return q }

// OrderByOrderNumber sorts by order number ascending.
func (q *OrderQuery) OrderByOrderNumber() *OrderQuery { q.sort = orderSortOrderNumber; return q }

// OrderByAmountDescending sorts by total amount, highest first.
func (q *OrderQuery) OrderByAmountDescending() *OrderQuery { q.sort = orderSortAmountDesc; return q }

// Skip sets the pagination offset.
func (q *OrderQuery) Skip(n int) *OrderQuery { q.skip = &n; return q }

// Take sets the pagination limit.
func (q *OrderQuery) Take(n int) *OrderQuery { q.take = &n; return q }
