package services

import (
	"fmt"

	"tally/internal/core"
)

// Window is the range of items a page shows, 1-based and inclusive.
type Window struct {
	From  int
	To    int
	Total int
}

// PageWindow computes which items of the listing p is on. An empty listing
// yields the zero Window.
func PageWindow(p core.Pagination) Window {
	if p.Total <= 0 || p.Limit <= 0 || p.Page <= 0 {
		return Window{}
	}
	from := (p.Page-1)*p.Limit + 1
	if from > p.Total {
		return Window{Total: p.Total}
	}
	return Window{
		From:  from,
		To:    min(p.Page*p.Limit, p.Total),
		Total: p.Total,
	}
}

func (w Window) String() string {
	if w.From == 0 {
		return fmt.Sprintf("Showing 0 of %d", w.Total)
	}
	return fmt.Sprintf("Showing %d to %d of %d", w.From, w.To, w.Total)
}
