package board

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Element is a single whiteboard object. The durable store owns every field
// except geometry, properties and layer index, which clients change through
// Patch.
type Element struct {
	ID                  string      `json:"id"`                    // UUID - stable, assigned at creation
	BoardID             string      `json:"board_id"`              // Owning board, never changes
	Type                ElementType `json:"type"`                  // Closed set of variants
	X                   float64     `json:"x"`                     // Geometry
	Y                   float64     `json:"y"`                     //
	Width               float64     `json:"width"`                 //
	Height              float64     `json:"height"`                //
	Rotation            float64     `json:"rotation"`              // Degrees
	Properties          Properties  `json:"properties"`            // Type-specific visual attributes, replaced wholesale
	LayerIndex          int         `json:"layer_index"`           // Paint order
	Version             int64       `json:"version"`               // Store-assigned, starts at 1
	LastModifiedBy      string      `json:"last_modified_by"`      // User that produced the current version
	LastModifiedSession string      `json:"last_modified_session"` // Session that produced the current version
	CreatedBy           string      `json:"created_by"`            // User that created the element
	CreatedAtMs         int64       `json:"created_at_ms"`         // Unix milliseconds
	UpdatedAtMs         int64       `json:"updated_at_ms"`         // Unix milliseconds, bumped on every write
}

// ElementType determines which keys in Properties are meaningful.
type ElementType string

const (
	ElementTypeRectangle  ElementType = "rectangle"
	ElementTypeCircle     ElementType = "circle"
	ElementTypeText       ElementType = "text"
	ElementTypeArrow      ElementType = "arrow"
	ElementTypeStickyNote ElementType = "sticky_note"
)

// Well-known Properties keys.
const (
	PropFill         = "fill"
	PropStroke       = "stroke"
	PropStrokeWidth  = "stroke_width"
	PropText         = "text"
	PropFontSize     = "font_size"
	PropOpacity      = "opacity"
	PropFillMode     = "fill_mode"
	PropCornerRadius = "corner_radius"
	PropGroupID      = "group_id"
)

// Properties is the schema-less bag of visual attributes of an element.
// Updates replace the whole object; there is no per-key merge.
type Properties map[string]any

// Operation is the kind of row change carried by a ChangeEvent.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ChangeEvent is the message published on a board's change feed.
// INSERT and UPDATE carry Row; DELETE carries OldRow only.
type ChangeEvent struct {
	Operation     Operation `json:"operation"`
	BoardID       string    `json:"board_id"`
	Row           *Element  `json:"row,omitempty"`
	OldRow        *Element  `json:"old_row,omitempty"`
	CommittedAtMs int64     `json:"committed_at_ms"`
}

// Author identifies the client session that performs a write.
// UserID is used for authorization; SessionID distinguishes tabs of one user.
type Author struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// Role is a board membership level.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// NewElement describes an element to create. ID may be empty, in which case
// the store assigns one.
type NewElement struct {
	ID         string      `json:"id,omitempty"`
	BoardID    string      `json:"board_id"`
	Type       ElementType `json:"type"`
	X          float64     `json:"x"`
	Y          float64     `json:"y"`
	Width      float64     `json:"width"`
	Height     float64     `json:"height"`
	Rotation   float64     `json:"rotation"`
	Properties Properties  `json:"properties,omitempty"`
	LayerIndex int         `json:"layer_index"`
}

// Patch is a partial update. Nil fields are left untouched. A non-nil
// Properties replaces the element's properties entirely.
//
// BaseVersion is an optional precondition: when non-zero the store rejects
// the write with ErrStaleBase unless the stored version equals it.
type Patch struct {
	X           *float64   `json:"x,omitempty"`
	Y           *float64   `json:"y,omitempty"`
	Width       *float64   `json:"width,omitempty"`
	Height      *float64   `json:"height,omitempty"`
	Rotation    *float64   `json:"rotation,omitempty"`
	Properties  Properties `json:"properties,omitempty"`
	LayerIndex  *int       `json:"layer_index,omitempty"`
	BaseVersion int64      `json:"base_version,omitempty"`
}

// ElementID returns the id of the row the event concerns.
func (e *ChangeEvent) ElementID() string {
	if e.Row != nil {
		return e.Row.ID
	}
	if e.OldRow != nil {
		return e.OldRow.ID
	}
	return ""
}

// Validate checks the structural integrity of an event received from the feed.
func (e *ChangeEvent) Validate() error {
	switch e.Operation {
	case OperationInsert, OperationUpdate:
		if e.Row == nil {
			return fmt.Errorf("%s event has no row", e.Operation)
		}
	case OperationDelete:
		if e.OldRow == nil {
			return fmt.Errorf("DELETE event has no old_row")
		}
	default:
		return fmt.Errorf("unknown operation: %q", e.Operation)
	}
	if e.BoardID == "" {
		return fmt.Errorf("event has no board_id")
	}
	return nil
}

// Clone returns a copy of the element that shares no mutable state with e.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	c := *e
	c.Properties = e.Properties.Clone()
	return &c
}

// Validate checks if the Element has valid field values.
func (e *Element) Validate() error {
	if !isValidUUID(e.ID) {
		return fmt.Errorf("invalid element ID: not a valid UUID")
	}

	if e.BoardID == "" {
		return fmt.Errorf("board_id cannot be empty")
	}

	if err := e.Type.Validate(); err != nil {
		return fmt.Errorf("invalid type: %w", err)
	}

	if e.Version < 1 {
		return fmt.Errorf("invalid version: must be >= 1, got %d", e.Version)
	}

	if err := validateGeometry(e.X, e.Y, e.Width, e.Height, e.Rotation); err != nil {
		return err
	}

	return e.Properties.Validate()
}

// Validate checks if the ElementType is a valid enum value.
func (t ElementType) Validate() error {
	switch t {
	case ElementTypeRectangle, ElementTypeCircle, ElementTypeText,
		ElementTypeArrow, ElementTypeStickyNote:
		return nil
	default:
		return fmt.Errorf("unknown element type: %q", t)
	}
}

// HasText reports whether the text property is rendered for this type.
func (t ElementType) HasText() bool {
	return t == ElementTypeText || t == ElementTypeStickyNote
}

// Validate checks if the Role is a valid enum value.
func (r Role) Validate() error {
	switch r {
	case RoleViewer, RoleEditor, RoleOwner:
		return nil
	default:
		return fmt.Errorf("unknown role: %q", r)
	}
}

// CanWrite reports whether the role may create, update or delete elements.
func (r Role) CanWrite() bool {
	return r == RoleEditor || r == RoleOwner
}

// Validate checks the author identity used to stamp writes.
func (a Author) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("author user_id cannot be empty")
	}
	if a.SessionID == "" {
		return fmt.Errorf("author session_id cannot be empty")
	}
	return nil
}

func (a Author) String() string {
	return a.UserID + "/" + a.SessionID
}

// Validate checks a creation request before it reaches Redis.
func (n *NewElement) Validate() error {
	if n.ID != "" && !isValidUUID(n.ID) {
		return fmt.Errorf("invalid element ID: not a valid UUID")
	}
	if n.BoardID == "" {
		return fmt.Errorf("board_id cannot be empty")
	}
	if err := n.Type.Validate(); err != nil {
		return fmt.Errorf("invalid type: %w", err)
	}
	if err := validateGeometry(n.X, n.Y, n.Width, n.Height, n.Rotation); err != nil {
		return err
	}
	return n.Properties.Validate()
}

// IsEmpty reports whether the patch changes nothing.
func (p *Patch) IsEmpty() bool {
	return p.X == nil && p.Y == nil && p.Width == nil && p.Height == nil &&
		p.Rotation == nil && p.Properties == nil && p.LayerIndex == nil
}

// Validate checks the values carried by the patch.
func (p *Patch) Validate() error {
	if p.IsEmpty() {
		return fmt.Errorf("patch changes nothing")
	}
	for name, v := range map[string]*float64{
		"x": p.X, "y": p.Y, "width": p.Width, "height": p.Height, "rotation": p.Rotation,
	} {
		if v != nil && !isFinite(*v) {
			return fmt.Errorf("%s must be finite", name)
		}
	}
	if p.Width != nil && *p.Width < 0 {
		return fmt.Errorf("width must be >= 0, got %v", *p.Width)
	}
	if p.Height != nil && *p.Height < 0 {
		return fmt.Errorf("height must be >= 0, got %v", *p.Height)
	}
	if p.BaseVersion < 0 {
		return fmt.Errorf("base_version must be >= 0, got %d", p.BaseVersion)
	}
	return p.Properties.Validate()
}

// ApplyTo writes the patch's fields onto e. Version and authorship are left
// alone; those belong to the store.
func (p *Patch) ApplyTo(e *Element) {
	if p.X != nil {
		e.X = *p.X
	}
	if p.Y != nil {
		e.Y = *p.Y
	}
	if p.Width != nil {
		e.Width = *p.Width
	}
	if p.Height != nil {
		e.Height = *p.Height
	}
	if p.Rotation != nil {
		e.Rotation = *p.Rotation
	}
	if p.Properties != nil {
		e.Properties = p.Properties.Clone()
	}
	if p.LayerIndex != nil {
		e.LayerIndex = *p.LayerIndex
	}
}

// PatchFromElement returns a patch that sets every client-mutable field of e,
// i.e. a whole-row overwrite.
func PatchFromElement(e *Element) *Patch {
	x, y, w, h, rot, layer := e.X, e.Y, e.Width, e.Height, e.Rotation, e.LayerIndex
	props := e.Properties.Clone()
	if props == nil {
		props = Properties{}
	}
	return &Patch{
		X:          &x,
		Y:          &y,
		Width:      &w,
		Height:     &h,
		Rotation:   &rot,
		Properties: props,
		LayerIndex: &layer,
	}
}

// Clone deep-copies nested maps and slices so callers can mutate the result.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Validate checks the well-known keys that have numeric constraints.
func (p Properties) Validate() error {
	if v, ok := p[PropOpacity]; ok {
		f, ok := toFloat(v)
		if !ok || f < 0 || f > 1 {
			return fmt.Errorf("opacity must be a number in [0,1], got %v", v)
		}
	}
	for _, key := range []string{PropFontSize, PropStrokeWidth, PropCornerRadius} {
		if v, ok := p[key]; ok {
			f, ok := toFloat(v)
			if !ok || f < 0 {
				return fmt.Errorf("%s must be a non-negative number, got %v", key, v)
			}
		}
	}
	return nil
}

// String returns the string value stored under key, or "".
func (p Properties) String(key string) string {
	s, _ := p[key].(string)
	return s
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Properties(t).Clone())
	case Properties:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func validateGeometry(x, y, w, h, rot float64) error {
	for _, v := range []float64{x, y, w, h, rot} {
		if !isFinite(v) {
			return fmt.Errorf("geometry must be finite")
		}
	}
	if w < 0 || h < 0 {
		return fmt.Errorf("width and height must be >= 0")
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
