package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Params holds pagination parameters extracted from a request. Page is
// 1-based; Offset is derived from it unless the caller passed offset
// explicitly.
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// FromContext extracts page, limit and offset query parameters.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	if raw := c.QueryParam("offset"); raw != "" {
		if o, err := strconv.Atoi(raw); err == nil && o >= 0 {
			offset = o
			page = o/limit + 1
		}
	}

	return Params{Page: page, Limit: limit, Offset: offset}
}

// Meta is the pagination block returned alongside list results.
type Meta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasMore    bool `json:"hasMore"`
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Pagination Meta        `json:"pagination"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{Data: data, Pagination: p.Meta(total)}
}

func (p Params) Meta(total int) Meta {
	return Meta{
		Page:       p.Page,
		Limit:      p.Limit,
		Total:      total,
		TotalPages: p.TotalPages(total),
		HasMore:    p.HasNext(total),
	}
}

// TotalPages rounds up; zero results still report zero pages.
func (p Params) TotalPages(total int) int {
	if p.Limit <= 0 || total <= 0 {
		return 0
	}
	return (total + p.Limit - 1) / p.Limit
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}
