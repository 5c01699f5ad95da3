// Package pagination reads page, limit and sort parameters from a query
// string and applies them to in-memory result sets such as per-recipient
// tracking details.
package pagination

import (
	"net/url"
	"slices"
	"strconv"
)

// Params are the pagination parameters of one request.
type Params struct {
	Page   int    // 1-based page number
	Limit  int    // items per page
	Offset int    // derived from Page and Limit
	Sort   string // "newest" or "oldest"
}

const (
	// MaxLimit caps the page size a client may request.
	MaxLimit = 100
	// DefaultPage is used when the query has no valid page.
	DefaultPage = 1
	// DefaultLimit is used when the query has no valid limit.
	DefaultLimit = 25
	// DefaultSort keeps creation order.
	DefaultSort = "oldest"
)

func calculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

func isValidSort(sort string) bool {
	switch sort {
	case "newest", "oldest":
		return true
	default:
		return false
	}
}

// Option configures defaults before the query is applied.
type Option func(*Params)

// WithDefaultLimit sets the limit used when the query has none. Non-positive
// values are ignored.
func WithDefaultLimit(limit int) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// WithDefaultSort sets the sort used when the query has none. Unknown sort
// values are ignored.
func WithDefaultSort(sort string) Option {
	if !isValidSort(sort) {
		return func(p *Params) {}
	}
	return func(p *Params) {
		p.Sort = sort
	}
}

// FromQuery extracts pagination parameters from q, applying opts first and
// clamping the limit to MaxLimit.
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
		Sort:  DefaultSort,
	}
	for _, opt := range opts {
		opt(&params)
	}

	if val, err := strconv.Atoi(q.Get("page")); err == nil && val > 0 {
		params.Page = val
	}
	if val, err := strconv.Atoi(q.Get("limit")); err == nil && val > 0 {
		params.Limit = val
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	params.Offset = calculateOffset(params.Page, params.Limit)

	if sort := q.Get("sort"); isValidSort(sort) {
		params.Sort = sort
	}
	return params
}

// Page is a JSON envelope for one page of results.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"hasNext"`
}

// Apply slices items, which must be in oldest-first order, according to p.
func Apply[T any](items []T, p Params) Page[T] {
	total := len(items)
	if p.Sort == "newest" {
		items = slices.Clone(items)
		slices.Reverse(items)
	}

	start := min(p.Offset, total)
	end := min(start+p.Limit, total)
	page := make([]T, end-start)
	copy(page, items[start:end])

	return Page[T]{
		Items:   page,
		Page:    p.Page,
		Limit:   p.Limit,
		Total:   total,
		HasNext: HasNext(p.Offset, p.Limit, total),
	}
}

// HasNext reports whether items remain after the current page.
func HasNext(offset, limit, count int) bool {
	return offset+limit < count
}
