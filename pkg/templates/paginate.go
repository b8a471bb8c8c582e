package templates

// DefaultPageSize is the listing page size.
const DefaultPageSize = 11

// Ellipsis is the gap marker in a PageNumbers sequence.
const Ellipsis = -1

// Page is one slice of a filtered template list plus the numbers the pager
// renders around it. Start and End are 1-based display positions; both are 0
// for an empty page.
type Page struct {
	Items      []Template `json:"items"`
	Current    int        `json:"current"`
	TotalItems int        `json:"totalItems"`
	TotalPages int        `json:"totalPages"`
	HasNext    bool       `json:"hasNext"`
	HasPrev    bool       `json:"hasPrev"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
}

// Paginate slices ts for the given 1-based page. Pages outside the range
// yield an empty item list, mirroring a stale page selection after a filter
// change.
func Paginate(ts []Template, page, size int) Page {
	if size <= 0 {
		size = DefaultPageSize
	}
	if page < 1 {
		page = 1
	}

	total := len(ts)
	totalPages := (total + size - 1) / size

	start := (page - 1) * size
	end := start + size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	p := Page{
		Items:      ts[start:end],
		Current:    page,
		TotalItems: total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1 && totalPages > 0,
	}
	if len(p.Items) > 0 {
		p.Start = start + 1
		p.End = end
	}
	return p
}

// PageNumbers produces the pager sequence for totalPages with a window of
// delta pages around current. Seven or fewer pages are listed in full;
// otherwise the first and last page bracket the window, with Ellipsis marking
// each gap.
func PageNumbers(totalPages, current, delta int) []int {
	if totalPages <= 0 {
		return nil
	}
	if totalPages <= 7 {
		pages := make([]int, totalPages)
		for i := range pages {
			pages[i] = i + 1
		}
		return pages
	}

	start := current - delta
	if start < 1 {
		start = 1
	}
	end := current + delta
	if end > totalPages {
		end = totalPages
	}

	var pages []int
	if start > 1 {
		pages = append(pages, 1)
		if start > 2 {
			pages = append(pages, Ellipsis)
		}
	}
	for i := start; i <= end; i++ {
		pages = append(pages, i)
	}
	if end < totalPages {
		if end < totalPages-1 {
			pages = append(pages, Ellipsis)
		}
		pages = append(pages, totalPages)
	}
	return pages
}
