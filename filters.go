package erpconnector

import (
	"context"
	"strings"
	"time"

	"github.com/b2x-labs/erp-connector/driver"
	"github.com/b2x-labs/erp-connector/internal/logging"
	"github.com/b2x-labs/erp-connector/internal/metrics"
)

// Query translation from the generic QueryRequest to the per-entity fluent
// specs. Property names match case-insensitively with common aliases.
// A filter naming an unknown property, or carrying a value the property
// cannot use, is skipped with a warning; the rest of the query still runs.

func skipFilter(ctx context.Context, entity string, f driver.QueryFilter) {
	logging.FromContext(ctx).Warn("ignoring unknown query filter",
		"entity", entity, "property", f.Property, "operator", string(f.Operator))
	metrics.UnknownFilters.WithLabelValues(entity, strings.ToLower(f.Property)).Inc()
}

func skipSort(ctx context.Context, entity string, s driver.SortField) {
	logging.FromContext(ctx).Warn("ignoring unknown sort property",
		"entity", entity, "property", s.Property)
}

func articleQueryFrom(ctx context.Context, req driver.QueryRequest) *driver.ArticleQuery {
	q := driver.NewArticleQuery()
	for _, f := range req.Filters {
		switch strings.ToLower(f.Property) {
		case "name":
			s, ok := stringValue(f.Value)
			if !ok || (f.Operator != driver.OpContains && f.Operator != driver.OpEquals) {
				skipFilter(ctx, "article", f)
				continue
			}
			q.WithNameContains(s)
		case "category":
			s, ok := stringValue(f.Value)
			if !ok || f.Operator != driver.OpEquals {
				skipFilter(ctx, "article", f)
				continue
			}
			q.WithCategory(s)
		case "price":
			v, ok := floatValue(f.Value)
			if !ok {
				skipFilter(ctx, "article", f)
				continue
			}
			switch f.Operator {
			case driver.OpGreaterThan, driver.OpGreaterOrEqual:
				q.WithPriceRange(&v, nil)
			case driver.OpLessThan, driver.OpLessOrEqual:
				q.WithPriceRange(nil, &v)
			default:
				skipFilter(ctx, "article", f)
			}
		case "state":
			n, ok := intValue(f.Value)
			if !ok || f.Operator != driver.OpEquals {
				skipFilter(ctx, "article", f)
				continue
			}
			q.WithState(driver.ArticleState(n))
		case "active":
			b, ok := boolValue(f.Value)
			if !ok || f.Operator != driver.OpEquals || !b {
				skipFilter(ctx, "article", f)
				continue
			}
			q.ActiveOnly()
		case "ecommerce", "e_commerce":
			b, ok := boolValue(f.Value)
			if !ok || f.Operator != driver.OpEquals || !b {
				skipFilter(ctx, "article", f)
				continue
			}
			q.ECommerceEnabled()
		case "modified", "modified_at":
			t, ok := timeValue(f.Value)
			if !ok || (f.Operator != driver.OpGreaterThan && f.Operator != driver.OpGreaterOrEqual) {
				skipFilter(ctx, "article", f)
				continue
			}
			q.ModifiedSince(t)
		default:
			skipFilter(ctx, "article", f)
		}
	}

	for _, s := range req.Sorting {
		desc := s.Order == driver.SortDescending
		switch strings.ToLower(s.Property) {
		case "name":
			if desc {
				q.OrderByNameDescending()
			} else {
				q.OrderByName()
			}
		case "price":
			if desc {
				q.OrderByPriceDescending()
			} else {
				q.OrderByPrice()
			}
		case "modified", "modified_at":
			q.OrderByModifiedDescending()
		default:
			skipSort(ctx, "article", s)
		}
	}
	return q
}

func customerQueryFrom(ctx context.Context, req driver.QueryRequest) *driver.CustomerQuery {
	q := driver.NewCustomerQuery()
	for _, f := range req.Filters {
		switch strings.ToLower(f.Property) {
		case "company_name", "companyname", "name":
			s, ok := stringValue(f.Value)
			if !ok || (f.Operator != driver.OpContains && f.Operator != driver.OpEquals) {
				skipFilter(ctx, "customer", f)
				continue
			}
			q.WithCompanyNameContains(s)
		case "country":
			s, ok := stringValue(f.Value)
			if !ok || f.Operator != driver.OpEquals {
				skipFilter(ctx, "customer", f)
				continue
			}
			q.WithCountry(s)
		case "city":
			s, ok := stringValue(f.Value)
			if !ok || f.Operator != driver.OpEquals {
				skipFilter(ctx, "customer", f)
				continue
			}
			q.WithCity(s)
		case "active":
			b, ok := boolValue(f.Value)
			if !ok || f.Operator != driver.OpEquals || !b {
				skipFilter(ctx, "customer", f)
				continue
			}
			q.ActiveOnly()
		case "modified", "modified_at":
			t, ok := timeValue(f.Value)
			if !ok || (f.Operator != driver.OpGreaterThan && f.Operator != driver.OpGreaterOrEqual) {
				skipFilter(ctx, "customer", f)
				continue
			}
			q.ModifiedSince(t)
		default:
			skipFilter(ctx, "customer", f)
		}
	}

	for _, s := range req.Sorting {
		switch strings.ToLower(s.Property) {
		case "company_name", "companyname", "name":
			q.OrderByCompanyName()
		case "customer_number", "customernumber":
			q.OrderByCustomerNumber()
		case "modified", "modified_at":
			q.OrderByModifiedDescending()
		default:
			skipSort(ctx, "customer", s)
		}
	}
	return q
}

func orderQueryFrom(ctx context.Context, req driver.QueryRequest) *driver.OrderQuery {
	q := driver.NewOrderQuery()
	for _, f := range req.Filters {
		switch strings.ToLower(f.Property) {
		case "customer_number", "customernumber":
			s, ok := stringValue(f.Value)
			if !ok || f.Operator != driver.OpEquals {
				skipFilter(ctx, "order", f)
				continue
			}
			q.WithCustomerNumber(s)
		case "status":
			n, ok := intValue(f.Value)
			if !ok || f.Operator != driver.OpEquals {
				skipFilter(ctx, "order", f)
				continue
			}
			q.WithStatus(driver.OrderStatus(n))
		case "total", "total_amount", "amount":
			v, ok := floatValue(f.Value)
			if !ok || (f.Operator != driver.OpGreaterThan && f.Operator != driver.OpGreaterOrEqual) {
				skipFilter(ctx, "order", f)
				continue
			}
			q.WithMinAmount(v)
		case "modified", "modified_at":
			t, ok := timeValue(f.Value)
			if !ok || (f.Operator != driver.OpGreaterThan && f.Operator != driver.OpGreaterOrEqual) {
				skipFilter(ctx, "order", f)
				continue
			}
			q.ModifiedSince(t)
		default:
			skipFilter(ctx, "order", f)
		}
	}

	for _, s := range req.Sorting {
		switch strings.ToLower(s.Property) {
		case "order_date", "orderdate", "date":
			q.OrderByDateDescending()
		case "order_number", "ordernumber":
			q.OrderByOrderNumber()
		case "total", "total_amount", "amount":
			q.OrderByAmountDescending()
		default:
			skipSort(ctx, "order", s)
		}
	}
	return q
}

// ------------------------------------------------------ value coercion ---

func stringValue(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func boolValue(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func timeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
