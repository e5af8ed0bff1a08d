package shared

// Pagination holds page parameters shared by list queries
type Pagination struct {
	Page     int
	PageSize int
}

// Normalize clamps page values to sane bounds
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
	return p
}

// Offset returns the row offset for the page
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// TotalPages computes the number of pages for a total row count
func (p Pagination) TotalPages(total int64) int {
	if p.PageSize <= 0 {
		return 0
	}
	pages := int(total) / p.PageSize
	if int(total)%p.PageSize > 0 {
		pages++
	}
	return pages
}
