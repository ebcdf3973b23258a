package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/easel/pkg/board"
)

// OutputFormat selects how change events are rendered.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format: %s", s)
}

// Subscriber opens a board's change feed. *board.Client implements it.
type Subscriber interface {
	SubscribeBoard(ctx context.Context, boardID string) (*board.Subscription, error)
}

type formatter interface {
	FormatChange(event *board.ChangeEvent) error
}

func newFormatter(format OutputFormat, w io.Writer) formatter {
	if format == OutputFormatJSON {
		return &jsonFormatter{writer: w}
	}
	return &defaultFormatter{writer: w}
}

// StreamEvents writes every change event on boardID to w until ctx is done or
// the connection drops. Events missed while disconnected are not replayed;
// this is a raw view of the feed, not a synchronized copy of the board.
func StreamEvents(ctx context.Context, sub Subscriber, boardID string, format OutputFormat, w io.Writer) error {
	subscription, err := sub.SubscribeBoard(ctx, boardID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to board %s: %w", boardID, err)
	}
	defer subscription.Close()

	f := newFormatter(format, w)

	errs := subscription.Errors()
	for {
		select {
		case event, ok := <-subscription.Events():
			if !ok {
				return subscription.Err()
			}
			if err := f.FormatChange(event); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  %v\n", err)
		case <-ctx.Done():
			return nil
		}
	}
}

// ChangedFields lists the element fields that differ between two versions of
// a row, in a stable order. Properties are compared key by key.
func ChangedFields(old, cur *board.Element) []string {
	if old == nil || cur == nil {
		return nil
	}

	var changed []string
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	add("x", old.X != cur.X)
	add("y", old.Y != cur.Y)
	add("width", old.Width != cur.Width)
	add("height", old.Height != cur.Height)
	add("rotation", old.Rotation != cur.Rotation)
	add("layer_index", old.LayerIndex != cur.LayerIndex)

	keys := make(map[string]struct{})
	for k := range old.Properties {
		keys[k] = struct{}{}
	}
	for k := range cur.Properties {
		keys[k] = struct{}{}
	}
	var props []string
	for k := range keys {
		if fmt.Sprint(old.Properties[k]) != fmt.Sprint(cur.Properties[k]) {
			props = append(props, "properties."+k)
		}
	}
	sort.Strings(props)
	return append(changed, props...)
}

// defaultFormatter renders events for humans
type defaultFormatter struct {
	writer io.Writer
}

func (f *defaultFormatter) FormatChange(event *board.ChangeEvent) error {
	ts := time.UnixMilli(event.CommittedAtMs).Format("15:04:05.000")

	var line string
	switch event.Operation {
	case board.OperationInsert:
		r := event.Row
		line = fmt.Sprintf("✨ Element created: type=%s id=%s by=%s v%d", r.Type, r.ID, r.LastModifiedBy, r.Version)
	case board.OperationUpdate:
		r := event.Row
		line = fmt.Sprintf("✏️  Element updated: id=%s by=%s v%d", r.ID, r.LastModifiedBy, r.Version)
		if changed := ChangedFields(event.OldRow, r); len(changed) > 0 {
			line += " changed=" + strings.Join(changed, ",")
		}
	case board.OperationDelete:
		line = fmt.Sprintf("🗑️  Element deleted: id=%s", event.ElementID())
	default:
		line = fmt.Sprintf("❓ Unknown event: %s", event.Operation)
	}

	_, err := fmt.Fprintf(f.writer, "[%s] %s\n", ts, line)
	return err
}

// jsonFormatter renders line-delimited JSON
type jsonFormatter struct {
	writer io.Writer
}

type jsonEvent struct {
	Event         string         `json:"event"`
	BoardID       string         `json:"board_id"`
	ElementID     string         `json:"element_id"`
	Element       *board.Element `json:"element,omitempty"`
	Changed       []string       `json:"changed,omitempty"`
	CommittedAtMs int64          `json:"committed_at_ms"`
}

func (f *jsonFormatter) FormatChange(event *board.ChangeEvent) error {
	out := jsonEvent{
		BoardID:       event.BoardID,
		ElementID:     event.ElementID(),
		Element:       event.Row,
		CommittedAtMs: event.CommittedAtMs,
	}
	switch event.Operation {
	case board.OperationInsert:
		out.Event = "element_created"
	case board.OperationUpdate:
		out.Event = "element_updated"
		out.Changed = ChangedFields(event.OldRow, event.Row)
	case board.OperationDelete:
		out.Event = "element_deleted"
	}

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}

// WriteTable renders elements in paint order as a fixed-width table.
func WriteTable(w io.Writer, elements []*board.Element) {
	fmt.Fprintf(w, "%-36s %-11s %-8s %-19s %-15s %s\n", "ID", "TYPE", "VERSION", "POSITION", "SIZE", "MODIFIED BY")
	for _, e := range elements {
		fmt.Fprintf(w, "%-36s %-11s %-8d %-19s %-15s %s\n",
			e.ID,
			e.Type,
			e.Version,
			fmt.Sprintf("(%.0f, %.0f)", e.X, e.Y),
			fmt.Sprintf("%.0fx%.0f", e.Width, e.Height),
			e.LastModifiedBy,
		)
	}
}
