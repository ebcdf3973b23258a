package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/easel/internal/metrics"
	"github.com/dyluth/easel/pkg/board"
)

// ErrUnknownElement is returned by local operations on an id the store does not hold.
var ErrUnknownElement = errors.New("unknown element")

// Event outcomes recorded for each remote change.
const (
	OutcomeApplied    = "applied"
	OutcomeEcho       = "echo"
	OutcomeStale      = "stale"
	OutcomeDuplicate  = "duplicate"
	OutcomePresent    = "present"
	OutcomeTombstoned = "tombstoned"
	OutcomeForeign    = "foreign_board"
	OutcomeInvalid    = "invalid"
)

// Gateway is the write path the store commits through. *gateway.Gateway implements it.
type Gateway interface {
	Write(ctx context.Context, elementID string, patch *board.Patch, author board.Author) (*board.Element, error)
	Create(ctx context.Context, spec *board.NewElement, author board.Author) (*board.Element, error)
	Delete(ctx context.Context, elementID string, author board.Author) error
	Get(ctx context.Context, elementID string, reader board.Author) (*board.Element, error)
}

// Conflict records a remote update that was discarded because the local copy
// was already at or beyond its version.
type Conflict struct {
	ElementID     string    `json:"element_id"`
	LocalVersion  int64     `json:"local_version"`
	RemoteVersion int64     `json:"remote_version"`
	RemoteUser    string    `json:"remote_user"`
	RemoteSession string    `json:"remote_session"`
	DetectedAt    time.Time `json:"detected_at"`
}

// entry pairs the last row confirmed by the durable store with what is
// currently rendered. They differ only while local edits are unconfirmed.
type entry struct {
	committed *board.Element
	current   *board.Element
	// snapshot is the version loaded by the last Replace. Any UPDATE at or
	// below it was committed before the snapshot was read.
	snapshot int64
}

// Store is one client's cache of the open board and the arbiter between
// optimistic local edits and change-feed events. Conflict resolution is by
// store-assigned version only: the newest committed version wins the whole row.
//
// Store is safe for concurrent use; no lock is held across gateway calls.
type Store struct {
	gw     Gateway
	author board.Author

	mu         sync.RWMutex
	boardID    string
	elements   map[string]*entry
	tombstones map[string]struct{}
	conflicts  []Conflict

	conflictCap int
	strictBase  bool
	onConflict  func(Conflict)
	metrics     *metrics.Metrics
	logger      *log.Logger
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records remote event outcomes and dropped conflicts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithConflictHook is called (outside the store lock) for every dropped
// remote update.
func WithConflictHook(fn func(Conflict)) Option {
	return func(s *Store) { s.onConflict = fn }
}

// WithConflictHistory sets how many recent conflicts Conflicts() retains.
func WithConflictHistory(n int) Option {
	return func(s *Store) { s.conflictCap = n }
}

// WithStrictBaseVersion makes commits carry the locally committed version as
// a precondition, so the store rejects writes built on a stale base instead of
// overwriting newer rows. Off by default: whole-row last-committed-wins.
func WithStrictBaseVersion(strict bool) Option {
	return func(s *Store) { s.strictBase = strict }
}

// New creates an empty store acting as author.
func New(gw Gateway, author board.Author, opts ...Option) *Store {
	s := &Store{
		gw:          gw,
		author:      author,
		elements:    make(map[string]*entry),
		tombstones:  make(map[string]struct{}),
		conflictCap: 64,
		logger:      log.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Author returns the identity this store writes as.
func (s *Store) Author() board.Author {
	return s.author
}

// BoardID returns the board currently held.
func (s *Store) BoardID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boardID
}

// Reset empties the store and scopes it to boardID.
func (s *Store) Reset(boardID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boardID = boardID
	s.elements = make(map[string]*entry)
	s.tombstones = make(map[string]struct{})
}

// Replace installs a full snapshot of the board, discarding everything held
// before including tombstones. Used on every (re)subscribe.
func (s *Store) Replace(boardID string, rows []*board.Element) {
	elements := make(map[string]*entry, len(rows))
	for _, row := range rows {
		e := newEntry(row)
		e.snapshot = row.Version
		elements[row.ID] = e
	}

	s.mu.Lock()
	s.boardID = boardID
	s.elements = elements
	s.tombstones = make(map[string]struct{})
	s.mu.Unlock()

	s.logEvent("resync", map[string]interface{}{
		"board_id": boardID,
		"elements": len(rows),
	})
}

// ApplyLocal mutates the rendered copy only. Nothing is persisted and the
// version is unchanged; use it for per-frame drag/resize feedback.
func (s *Store) ApplyLocal(elementID string, patch *board.Patch) error {
	if patch == nil {
		return fmt.Errorf("patch cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.elements[elementID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownElement, elementID)
	}
	patch.ApplyTo(e.current)
	return nil
}

// CommitLocal applies patch optimistically and writes the element's whole
// rendered row through the gateway, so any other unconfirmed local edits to
// it are committed too and fields changed remotely since the last sync are
// overwritten.
// On success the committed row becomes local state (unless a newer version
// arrived meanwhile). On failure the optimistic change is undone:
//   - unauthorized: rolled back to the last committed row
//   - not found: the element is dropped (deleted concurrently)
//   - anything else: the element is re-fetched, falling back to rollback
//
// The gateway error is returned in every failure case.
func (s *Store) CommitLocal(ctx context.Context, elementID string, patch *board.Patch) (*board.Element, error) {
	if patch == nil {
		return nil, fmt.Errorf("patch cannot be nil")
	}

	s.mu.Lock()
	e, ok := s.elements[elementID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, elementID)
	}
	patch.ApplyTo(e.current)
	send := board.PatchFromElement(e.current)
	send.BaseVersion = patch.BaseVersion
	if s.strictBase && send.BaseVersion == 0 {
		send.BaseVersion = e.committed.Version
	}
	s.mu.Unlock()

	row, err := s.gw.Write(ctx, elementID, send, s.author)
	if err == nil {
		s.mu.Lock()
		s.acceptCommitted(row, true)
		s.mu.Unlock()
		return row.Clone(), nil
	}

	switch {
	case board.IsNotFound(err):
		s.logger.Printf("[ElementStore] Element %s was deleted concurrently, dropping local copy", elementID)
		s.mu.Lock()
		s.dropLocked(elementID)
		s.mu.Unlock()
	case board.IsUnauthorized(err):
		s.logger.Printf("[ElementStore] Commit to %s rejected, rolling back: %v", elementID, err)
		s.rollback(elementID)
	default:
		s.logger.Printf("[ElementStore] Commit to %s failed, re-fetching: %v", elementID, err)
		s.refetch(ctx, elementID)
	}

	return nil, err
}

// Create writes a new element through the gateway and adds the committed row.
// A row created on a board other than the open one is returned but not held.
func (s *Store) Create(ctx context.Context, spec *board.NewElement) (*board.Element, error) {
	row, err := s.gw.Create(ctx, spec, s.author)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.acceptCommitted(row, true)
	s.mu.Unlock()

	return row.Clone(), nil
}

// RemoveLocal deletes the element optimistically and tombstones its id so
// late events for it are ignored. Returns the removed element.
func (s *Store) RemoveLocal(elementID string) (*board.Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.elements[elementID]
	s.dropLocked(elementID)
	if !ok {
		return nil, false
	}
	return e.current.Clone(), true
}

// Delete removes the element locally and durably. If the durable delete is
// rejected the element is restored.
func (s *Store) Delete(ctx context.Context, elementID string) error {
	s.mu.Lock()
	removed, had := s.elements[elementID]
	s.dropLocked(elementID)
	s.mu.Unlock()

	err := s.gw.Delete(ctx, elementID, s.author)
	if err == nil || board.IsNotFound(err) {
		return nil
	}

	if had {
		s.logger.Printf("[ElementStore] Delete of %s failed, restoring: %v", elementID, err)
		s.mu.Lock()
		delete(s.tombstones, elementID)
		if _, exists := s.elements[elementID]; !exists {
			removed.current = removed.committed.Clone()
			s.elements[elementID] = removed
		}
		s.mu.Unlock()
	}
	return err
}

// ApplyRemote reconciles one change-feed event with local state:
//   - INSERT adds the row if it is not already held
//   - UPDATE from this session is an echo and is skipped
//   - UPDATE with a higher version than held overwrites the whole row
//   - UPDATE at the held version, or covered by the last snapshot, is a
//     duplicate and is discarded
//   - UPDATE below the held version is dropped as a conflict
//   - DELETE always removes the element
//
// Feed delivery order is never assumed to match version order.
func (s *Store) ApplyRemote(event *board.ChangeEvent) {
	if event == nil || event.Validate() != nil {
		s.metrics.RemoteEvent("unknown", OutcomeInvalid)
		return
	}

	s.mu.Lock()
	outcome, conflict := s.applyRemoteLocked(event)
	s.mu.Unlock()

	s.metrics.RemoteEvent(string(event.Operation), outcome)

	if conflict != nil {
		s.metrics.ConflictDropped()
		s.logger.Printf("[ElementStore] Conflict: dropping UPDATE for %s (remote v%d by %s <= local v%d)",
			conflict.ElementID, conflict.RemoteVersion, conflict.RemoteUser, conflict.LocalVersion)
		if s.onConflict != nil {
			s.onConflict(*conflict)
		}
	}
}

func (s *Store) applyRemoteLocked(event *board.ChangeEvent) (string, *Conflict) {
	if s.boardID != "" && event.BoardID != s.boardID {
		return OutcomeForeign, nil
	}

	id := event.ElementID()

	switch event.Operation {
	case board.OperationInsert:
		if _, dead := s.tombstones[id]; dead {
			return OutcomeTombstoned, nil
		}
		if _, ok := s.elements[id]; ok {
			return OutcomePresent, nil
		}
		s.elements[id] = newEntry(event.Row)
		return OutcomeApplied, nil

	case board.OperationUpdate:
		row := event.Row
		if row.LastModifiedSession == s.author.SessionID {
			return OutcomeEcho, nil
		}
		if _, dead := s.tombstones[id]; dead {
			return OutcomeTombstoned, nil
		}
		e, ok := s.elements[id]
		if !ok {
			s.elements[id] = newEntry(row)
			return OutcomeApplied, nil
		}
		if row.Version > e.committed.Version {
			next := newEntry(row)
			next.snapshot = e.snapshot
			s.elements[id] = next
			return OutcomeApplied, nil
		}
		// Versions are assigned once per commit, so an equal version is a
		// commit already held. Anything the snapshot covers is an event
		// buffered while it loaded, not a concurrent edit.
		if row.Version == e.committed.Version || row.Version <= e.snapshot {
			return OutcomeDuplicate, nil
		}
		c := Conflict{
			ElementID:     id,
			LocalVersion:  e.committed.Version,
			RemoteVersion: row.Version,
			RemoteUser:    row.LastModifiedBy,
			RemoteSession: row.LastModifiedSession,
			DetectedAt:    s.now(),
		}
		s.recordConflictLocked(c)
		return OutcomeStale, &c

	case board.OperationDelete:
		s.dropLocked(id)
		return OutcomeApplied, nil
	}

	return OutcomeInvalid, nil
}

// Get returns the rendered copy of an element.
func (s *Store) Get(elementID string) (*board.Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.elements[elementID]
	if !ok {
		return nil, false
	}
	return e.current.Clone(), true
}

// Committed returns the last row confirmed by the durable store.
func (s *Store) Committed(elementID string) (*board.Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.elements[elementID]
	if !ok {
		return nil, false
	}
	return e.committed.Clone(), true
}

// Elements returns the rendered elements in paint order (layer index, then id).
func (s *Store) Elements() []*board.Element {
	s.mu.RLock()
	out := make([]*board.Element, 0, len(s.elements))
	for _, e := range s.elements {
		out = append(out, e.current.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LayerIndex != out[j].LayerIndex {
			return out[i].LayerIndex < out[j].LayerIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of elements held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.elements)
}

// Conflicts returns the most recent dropped remote updates, oldest first.
func (s *Store) Conflicts() []Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conflict, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}

// acceptCommitted installs a row returned by the durable store unless the
// store already holds a newer version, the element has been deleted, or the
// row belongs to a board other than the open one.
// When resetCurrent is false, pending local edits are left in place.
func (s *Store) acceptCommitted(row *board.Element, resetCurrent bool) {
	if s.boardID != "" && row.BoardID != s.boardID {
		return
	}
	if _, dead := s.tombstones[row.ID]; dead {
		return
	}
	e, ok := s.elements[row.ID]
	if !ok {
		s.elements[row.ID] = newEntry(row)
		return
	}
	if row.Version < e.committed.Version {
		return
	}
	e.committed = row.Clone()
	if resetCurrent {
		e.current = row.Clone()
	}
}

func (s *Store) rollback(elementID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.elements[elementID]; ok {
		e.current = e.committed.Clone()
	}
}

// refetch reloads one element after a commit failed for a reason other than
// authorization or deletion, so the cache does not silently diverge.
func (s *Store) refetch(ctx context.Context, elementID string) {
	row, err := s.gw.Get(ctx, elementID, s.author)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil:
		s.acceptCommitted(row, true)
		if e, ok := s.elements[elementID]; ok {
			e.current = e.committed.Clone()
		}
	case board.IsNotFound(err):
		s.dropLocked(elementID)
	default:
		s.logger.Printf("[ElementStore] Re-fetch of %s failed, rolling back: %v", elementID, err)
		if e, ok := s.elements[elementID]; ok {
			e.current = e.committed.Clone()
		}
	}
}

func (s *Store) dropLocked(elementID string) {
	delete(s.elements, elementID)
	s.tombstones[elementID] = struct{}{}
}

func (s *Store) recordConflictLocked(c Conflict) {
	if s.conflictCap <= 0 {
		return
	}
	s.conflicts = append(s.conflicts, c)
	if over := len(s.conflicts) - s.conflictCap; over > 0 {
		s.conflicts = append([]Conflict(nil), s.conflicts[over:]...)
	}
}

// logEvent logs structured element store events
func (s *Store) logEvent(event string, data map[string]interface{}) {
	s.logger.Printf("[ElementStore] event=%s %v", event, data)
}

func newEntry(row *board.Element) *entry {
	return &entry{committed: row.Clone(), current: row.Clone()}
}
