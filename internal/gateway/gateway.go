package gateway

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/easel/internal/metrics"
	"github.com/dyluth/easel/pkg/board"
)

// Store is the durable element store. *board.Client implements it.
type Store interface {
	CreateElement(ctx context.Context, spec *board.NewElement, author board.Author) (*board.Element, error)
	UpdateElement(ctx context.Context, elementID string, patch *board.Patch, author board.Author) (*board.Element, error)
	DeleteElement(ctx context.Context, elementID string, author board.Author) error
	GetElement(ctx context.Context, elementID string, reader board.Author) (*board.Element, error)
	ListElements(ctx context.Context, boardID string, reader board.Author) ([]*board.Element, error)
}

// Gateway is the single path through which local edits become durable,
// version-stamped rows. Each call is exactly one round trip to the store:
// nothing is queued or batched, so interactive gestures should only reach the
// gateway once, when they complete.
type Gateway struct {
	store   Store
	metrics *metrics.Metrics
	logger  *log.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records round-trip counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a gateway in front of store.
func New(store Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:  store,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Write sends a partial update. The store authorizes the author, increments
// the version, stamps last_modified_by/updated_at and returns the full row.
// Authorization and not-found errors are terminal for this attempt.
func (g *Gateway) Write(ctx context.Context, elementID string, patch *board.Patch, author board.Author) (*board.Element, error) {
	if patch == nil {
		return nil, fmt.Errorf("invalid patch: nil")
	}
	if err := patch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}

	start := time.Now()
	el, err := g.store.UpdateElement(ctx, elementID, patch, author)
	g.record("write", elementID, author, err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to write element %s: %w", elementID, err)
	}
	return el, nil
}

// Create writes a new element; the store assigns id (when empty), version 1
// and timestamps.
func (g *Gateway) Create(ctx context.Context, spec *board.NewElement, author board.Author) (*board.Element, error) {
	if spec == nil {
		return nil, fmt.Errorf("invalid element: nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid element: %w", err)
	}

	start := time.Now()
	el, err := g.store.CreateElement(ctx, spec, author)
	g.record("create", spec.ID, author, err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to create element: %w", err)
	}
	return el, nil
}

// Delete tombstones the row. Deleting an already-deleted id succeeds.
func (g *Gateway) Delete(ctx context.Context, elementID string, author board.Author) error {
	start := time.Now()
	err := g.store.DeleteElement(ctx, elementID, author)
	g.record("delete", elementID, author, err, start)
	if err != nil {
		return fmt.Errorf("failed to delete element %s: %w", elementID, err)
	}
	return nil
}

// Get fetches the committed row of one element.
func (g *Gateway) Get(ctx context.Context, elementID string, reader board.Author) (*board.Element, error) {
	start := time.Now()
	el, err := g.store.GetElement(ctx, elementID, reader)
	g.record("get", elementID, reader, err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to get element %s: %w", elementID, err)
	}
	return el, nil
}

// List fetches every committed row of a board, ordered by layer index.
func (g *Gateway) List(ctx context.Context, boardID string, reader board.Author) ([]*board.Element, error) {
	start := time.Now()
	els, err := g.store.ListElements(ctx, boardID, reader)
	g.record("list", boardID, reader, err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to list board %s: %w", boardID, err)
	}
	return els, nil
}

func (g *Gateway) record(op, target string, author board.Author, err error, start time.Time) {
	g.metrics.GatewayRequest(op, err, time.Since(start))

	if board.IsUnauthorized(err) {
		g.logger.Printf("[Gateway] %s on %s rejected for %s: %v", op, target, author, err)
	}
}
