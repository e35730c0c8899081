// Package paginate sorts and slices in-memory lists for list endpoints.
package paginate

import (
	"cmp"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"book-pipeline/internal/recordstore"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Query is a page request. A zero PageSize means DefaultPageSize.
type Query struct {
	Page     int
	PageSize int
	Sort     string
	Order    string
}

// ParseQuery reads page, pageSize, sort and order from URL values. Missing or
// non-numeric numbers fall back to the defaults; numeric ones are clamped.
func ParseQuery(v url.Values) Query {
	q := Query{
		Page:     1,
		PageSize: DefaultPageSize,
		Sort:     strings.TrimSpace(v.Get("sort")),
		Order:    strings.TrimSpace(v.Get("order")),
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v.Get("page"))); err == nil {
		q.Page = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v.Get("pageSize"))); err == nil {
		q.PageSize = clamp(n, 1, MaxPageSize)
	}
	return q.Normalize()
}

// Normalize clamps Page to at least 1 and PageSize to [1, MaxPageSize].
func (q Query) Normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	q.PageSize = clamp(q.PageSize, 1, MaxPageSize)
	return q
}

// Descending reports whether order asks for a descending sort.
func (q Query) Descending() bool {
	return strings.EqualFold(q.Order, "desc")
}

// Page is one slice of a list plus the metadata needed to fetch the others.
type Page[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// KeyFunc extracts the sort value named key from item. Returning false, or a
// nil value, marks the value as null.
type KeyFunc[T any] func(item T, key string) (any, bool)

// Keys maps sort keys to extractors. Unknown keys are null for every item,
// which leaves the input order unchanged.
type Keys[T any] map[string]func(T) any

// Func adapts k to a KeyFunc.
func (k Keys[T]) Func() KeyFunc[T] {
	return func(item T, key string) (any, bool) {
		fn, ok := k[key]
		if !ok {
			return nil, false
		}
		v := fn(item)
		return v, v != nil
	}
}

// RecordKey sorts records by the raw string in the named column. A missing
// column is null.
func RecordKey(rec recordstore.Record, key string) (any, bool) {
	v, ok := rec[key]
	return v, ok
}

// Paginate sorts items by q.Sort when set and returns the requested page.
// The sort is stable. Nulls sort after every value ascending and before every
// value descending. The input slice is not modified.
func Paginate[T any](items []T, q Query, key KeyFunc[T]) Page[T] {
	q = q.Normalize()

	sorted := items
	if q.Sort != "" && key != nil {
		sorted = sortStable(items, q.Sort, q.Descending(), key)
	}

	total := len(sorted)
	totalPages := max(1, (total+q.PageSize-1)/q.PageSize)

	page := Page[T]{
		Items:      []T{},
		Page:       q.Page,
		PageSize:   q.PageSize,
		Total:      total,
		TotalPages: totalPages,
	}
	if q.Page > totalPages {
		return page
	}
	start := (q.Page - 1) * q.PageSize
	if start >= total {
		return page
	}
	end := min(start+q.PageSize, total)
	page.Items = append(page.Items, sorted[start:end]...)
	return page
}

type keyed[T any] struct {
	item T
	val  any
	null bool
}

func sortStable[T any](items []T, sortKey string, desc bool, key KeyFunc[T]) []T {
	entries := make([]keyed[T], len(items))
	for i, it := range items {
		v, ok := key(it, sortKey)
		entries[i] = keyed[T]{item: it, val: v, null: !ok || v == nil}
	}

	slices.SortStableFunc(entries, func(a, b keyed[T]) int {
		switch {
		case a.null && b.null:
			return 0
		case a.null:
			if desc {
				return -1
			}
			return 1
		case b.null:
			if desc {
				return 1
			}
			return -1
		}
		c := compareValues(a.val, b.val)
		if desc {
			return -c
		}
		return c
	})

	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.item
	}
	return out
}

func compareValues(a, b any) int {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return cmp.Compare(x, y)
		}
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func clamp(n, lo, hi int) int {
	return max(lo, min(n, hi))
}
