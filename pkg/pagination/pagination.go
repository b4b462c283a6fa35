package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// TotalCountHeader reports the unpaged result size on list responses.
const TotalCountHeader = "X-Total-Count"

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit/offset, or page/size (zero-based page) when
// limit is absent. Values are clamped to [1, MaxLimit] and offset >= 0.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	if limit <= 0 {
		if size, _ := strconv.Atoi(c.QueryParam("size")); size > 0 {
			limit = size
			page, _ := strconv.Atoi(c.QueryParam("page"))
			if page > 0 {
				offset = page * size
			}
		}
	}

	return Params{Limit: limit, Offset: offset}.Normalize()
}

// Normalize applies the default and bounds.
func (p Params) Normalize() Params {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// SetHeaders writes X-Total-Count, plus X-Next-Offset when another page exists.
func SetHeaders(c echo.Context, p Params, total int) {
	h := c.Response().Header()
	h.Set(TotalCountHeader, strconv.Itoa(total))
	if p.HasNext(total) {
		h.Set("X-Next-Offset", strconv.Itoa(p.Offset+p.Limit))
	}
}
