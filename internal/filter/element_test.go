package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dyluth/easel/pkg/board"
)

func TestCriteria_Matches(t *testing.T) {
	el := &board.Element{
		ID:             "e1",
		Type:           board.ElementTypeStickyNote,
		LastModifiedBy: "alice",
		UpdatedAtMs:    5000,
	}

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"no filters", Criteria{}, true},
		{"inside time range", Criteria{SinceTimestampMs: 4000, UntilTimestampMs: 6000}, true},
		{"before since", Criteria{SinceTimestampMs: 5001}, false},
		{"after until", Criteria{UntilTimestampMs: 4999}, false},
		{"bounds are inclusive", Criteria{SinceTimestampMs: 5000, UntilTimestampMs: 5000}, true},
		{"type glob", Criteria{TypeGlob: "sticky*"}, true},
		{"type glob mismatch", Criteria{TypeGlob: "rect*"}, false},
		{"bad glob never matches", Criteria{TypeGlob: "["}, false},
		{"modified by", Criteria{ModifiedBy: "alice"}, true},
		{"modified by someone else", Criteria{ModifiedBy: "bob"}, false},
		{"all criteria", Criteria{SinceTimestampMs: 1, TypeGlob: "*note", ModifiedBy: "alice"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(el))
		})
	}
}

func TestCriteria_Apply(t *testing.T) {
	rows := []*board.Element{
		{ID: "a", Type: board.ElementTypeCircle, UpdatedAtMs: 10},
		{ID: "b", Type: board.ElementTypeRectangle, UpdatedAtMs: 20},
		{ID: "c", Type: board.ElementTypeCircle, UpdatedAtMs: 30},
	}

	c := &Criteria{TypeGlob: "circle"}
	got := c.Apply(rows)
	assert.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID, "order is preserved")
	assert.Equal(t, "c", got[1].ID)

	empty := &Criteria{}
	assert.False(t, empty.HasFilters())
	assert.Len(t, empty.Apply(rows), 3)
}
