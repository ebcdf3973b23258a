package filter

import (
	"path/filepath"

	"github.com/dyluth/easel/internal/timespec"
	"github.com/dyluth/easel/pkg/board"
)

// Criteria defines filtering criteria for elements.
// All filters are ANDed together - an element must match ALL criteria to pass.
type Criteria struct {
	SinceTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	TypeGlob         string // Glob pattern for element type, empty = no filter
	ModifiedBy       string // Exact match for last_modified_by, empty = no filter
}

// Matches returns true if the element matches all filter criteria.
// Time bounds apply to the last write, not creation.
func (c *Criteria) Matches(el *board.Element) bool {
	if !timespec.InRange(el.UpdatedAtMs, c.SinceTimestampMs, c.UntilTimestampMs) {
		return false
	}

	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, string(el.Type))
		if err != nil || !matched {
			return false
		}
	}

	if c.ModifiedBy != "" && el.LastModifiedBy != c.ModifiedBy {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.TypeGlob != "" ||
		c.ModifiedBy != ""
}

// Apply returns the matching elements in their original order.
func (c *Criteria) Apply(elements []*board.Element) []*board.Element {
	if !c.HasFilters() {
		return elements
	}
	out := make([]*board.Element, 0, len(elements))
	for _, el := range elements {
		if c.Matches(el) {
			out = append(out, el)
		}
	}
	return out
}
