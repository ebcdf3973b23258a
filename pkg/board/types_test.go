package board

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func validElement() *Element {
	return &Element{
		ID:         uuid.New().String(),
		BoardID:    "board-1",
		Type:       ElementTypeStickyNote,
		Width:      200,
		Height:     200,
		Properties: Properties{PropText: "hello", PropOpacity: 0.5},
		Version:    1,
	}
}

// TestElementValidate_Valid tests that a well-formed element passes validation
func TestElementValidate_Valid(t *testing.T) {
	if err := validElement().Validate(); err != nil {
		t.Errorf("valid element failed validation: %v", err)
	}
}

func TestElementValidate_Invalid(t *testing.T) {
	cases := map[string]func(e *Element){
		"invalid id":      func(e *Element) { e.ID = "not-a-uuid" },
		"empty board":     func(e *Element) { e.BoardID = "" },
		"unknown type":    func(e *Element) { e.Type = "hexagon" },
		"zero version":    func(e *Element) { e.Version = 0 },
		"negative width":  func(e *Element) { e.Width = -1 },
		"NaN x":           func(e *Element) { e.X = math.NaN() },
		"opacity too big": func(e *Element) { e.Properties[PropOpacity] = 1.5 },
		"font size text":  func(e *Element) { e.Properties[PropFontSize] = "large" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := validElement()
			mutate(e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestElementClone(t *testing.T) {
	e := validElement()
	e.Properties["points"] = []any{map[string]any{"x": 1.0}}

	c := e.Clone()
	c.Properties[PropText] = "changed"
	c.Properties["points"].([]any)[0].(map[string]any)["x"] = 2.0

	assert.Equal(t, "hello", e.Properties[PropText])
	assert.Equal(t, 1.0, e.Properties["points"].([]any)[0].(map[string]any)["x"])
	assert.Nil(t, (*Element)(nil).Clone())
}

func TestPatch(t *testing.T) {
	t.Run("empty patch is rejected", func(t *testing.T) {
		p := &Patch{BaseVersion: 3}
		assert.True(t, p.IsEmpty())
		assert.Error(t, p.Validate())
	})

	t.Run("applies only set fields", func(t *testing.T) {
		e := validElement()
		x := 5.0
		layer := 7
		p := &Patch{X: &x, LayerIndex: &layer}
		assert.NoError(t, p.Validate())

		p.ApplyTo(e)
		assert.Equal(t, 5.0, e.X)
		assert.Equal(t, 7, e.LayerIndex)
		assert.Equal(t, 200.0, e.Width)
		assert.Equal(t, "hello", e.Properties[PropText])
	})

	t.Run("properties replace rather than merge", func(t *testing.T) {
		e := validElement()
		p := &Patch{Properties: Properties{PropFill: "#000"}}
		p.ApplyTo(e)
		assert.Equal(t, Properties{PropFill: "#000"}, e.Properties)

		// Patch keeps no alias into the element
		p.Properties[PropFill] = "#fff"
		assert.Equal(t, "#000", e.Properties[PropFill])
	})

	t.Run("whole-row patch copies every mutable field", func(t *testing.T) {
		src := validElement()
		src.X, src.Rotation, src.LayerIndex = 3, 45, 2
		p := PatchFromElement(src)
		assert.NoError(t, p.Validate())

		dst := validElement()
		dst.Properties = Properties{PropFill: "#000"}
		p.ApplyTo(dst)
		assert.Equal(t, 3.0, dst.X)
		assert.Equal(t, 45.0, dst.Rotation)
		assert.Equal(t, 2, dst.LayerIndex)
		assert.Equal(t, src.Properties, dst.Properties)
		assert.Zero(t, p.BaseVersion)
	})

	t.Run("rejects infinite geometry and negative size", func(t *testing.T) {
		inf := math.Inf(1)
		assert.Error(t, (&Patch{Rotation: &inf}).Validate())
		neg := -2.0
		assert.Error(t, (&Patch{Height: &neg}).Validate())
	})
}

func TestChangeEventValidate(t *testing.T) {
	row := validElement()

	assert.NoError(t, (&ChangeEvent{Operation: OperationInsert, BoardID: "b", Row: row}).Validate())
	assert.NoError(t, (&ChangeEvent{Operation: OperationDelete, BoardID: "b", OldRow: row}).Validate())
	assert.Error(t, (&ChangeEvent{Operation: OperationUpdate, BoardID: "b"}).Validate())
	assert.Error(t, (&ChangeEvent{Operation: OperationDelete, BoardID: "b", Row: row}).Validate())
	assert.Error(t, (&ChangeEvent{Operation: "UPSERT", BoardID: "b", Row: row}).Validate())
	assert.Error(t, (&ChangeEvent{Operation: OperationInsert, Row: row}).Validate())
}

func TestRoleAndAuthor(t *testing.T) {
	assert.True(t, RoleOwner.CanWrite())
	assert.True(t, RoleEditor.CanWrite())
	assert.False(t, RoleViewer.CanWrite())
	assert.Error(t, Role("admin").Validate())

	assert.NoError(t, Author{UserID: "u", SessionID: "s"}.Validate())
	assert.Error(t, Author{UserID: "u"}.Validate())
	assert.Equal(t, "u/s", Author{UserID: "u", SessionID: "s"}.String())

	assert.True(t, ElementTypeText.HasText())
	assert.False(t, ElementTypeArrow.HasText())
}
