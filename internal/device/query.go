package device

import (
	"strconv"
	"strings"
)

// ListParams are the raw listing options as received from a caller.
type ListParams struct {
	PageNumber string
	PerPage    string
	SortBy     string
	Label      string
	Attr       []string
	AttrType   []string
	IDsOnly    string
}

// Pagination describes the page returned by a listing. Total is the
// number of pages.
type Pagination struct {
	Page     int  `json:"page"`
	PerPage  int  `json:"per_page"`
	Total    int  `json:"total"`
	Items    int  `json:"items"`
	HasNext  bool `json:"has_next"`
	NextPage *int `json:"next_page"`
}

func newPagination(page, perPage, items int) *Pagination {
	pages := (items + perPage - 1) / perPage
	p := &Pagination{Page: page, PerPage: perPage, Total: pages, Items: items, HasNext: page < pages}
	if p.HasNext {
		next := page + 1
		p.NextPage = &next
	}
	return p
}

// parseListParams validates p and turns it into a Query. It also
// reports whether only ids were requested.
func parseListParams(p ListParams, defaultPerPage, maxPerPage int) (Query, bool, error) {
	q := Query{Page: 1, PerPage: defaultPerPage, SortBy: SortLabel}

	if p.PageNumber != "" {
		n, err := strconv.Atoi(strings.TrimSpace(p.PageNumber))
		if err != nil || n < 1 {
			return Query{}, false, invalidf("page_number must be a positive integer, got %q", p.PageNumber)
		}
		q.Page = n
	}
	if p.PerPage != "" {
		n, err := strconv.Atoi(strings.TrimSpace(p.PerPage))
		if err != nil || n < 1 {
			return Query{}, false, invalidf("per_page must be a positive integer, got %q", p.PerPage)
		}
		q.PerPage = min(n, maxPerPage)
	}
	if p.SortBy != "" {
		if _, ok := sortClauses[p.SortBy]; !ok {
			return Query{}, false, invalidf("sortBy must be one of label, -label, created, -created, got %q", p.SortBy)
		}
		q.SortBy = p.SortBy
	}

	q.Label = p.Label

	for _, raw := range p.Attr {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return Query{}, false, invalidf("attr filter must be key=value, got %q", raw)
		}
		q.Attrs = append(q.Attrs, AttrFilter{Label: strings.TrimSpace(key), Value: value})
	}
	for _, t := range p.AttrType {
		if t = strings.TrimSpace(t); t != "" {
			q.AttrTypes = append(q.AttrTypes, t)
		}
	}

	idsOnly, err := parseFlag("idsOnly", p.IDsOnly)
	if err != nil {
		return Query{}, false, err
	}
	return q, idsOnly, nil
}
