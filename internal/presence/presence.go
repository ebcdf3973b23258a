package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/dyluth/easel/internal/metrics"
	"github.com/dyluth/easel/pkg/board"
)

// Presence is one user's cursor on a board. It is ephemeral: never part of
// element state and never versioned.
type Presence struct {
	UserID     string  `json:"user_id"`
	BoardID    string  `json:"board_id"`
	CursorX    float64 `json:"cursor_x"`
	CursorY    float64 `json:"cursor_y"`
	Color      string  `json:"color"`
	LastSeenMs int64   `json:"last_seen_ms"`
	Left       bool    `json:"left,omitempty"`
}

// LastSeen returns LastSeenMs as a time.
func (p Presence) LastSeen() time.Time {
	return time.UnixMilli(p.LastSeenMs)
}

// IsStale reports whether p has not been refreshed within staleAfter of now.
func (p Presence) IsStale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(p.LastSeen()) > staleAfter
}

// List reads every unexpired presence key of a board.
func List(ctx context.Context, rdb *redis.Client, boardID string) ([]Presence, error) {
	var keys []string
	iter := rdb.Scan(ctx, 0, board.PresenceKeyPattern(boardID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return []Presence{}, nil
	}

	values, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	out := make([]Presence, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET
			continue
		}
		var p Presence
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sortByUser(out)
	return out, nil
}

// BroadcasterOptions configures a Broadcaster. Zero values get defaults.
type BroadcasterOptions struct {
	Color    string
	Interval time.Duration // heartbeat period, default 10s
	TTL      time.Duration // presence key lifetime, default 30s
	MaxRate  float64       // cursor publishes per second, default 20
	Logger   *log.Logger
	Metrics  *metrics.Metrics
}

// Broadcaster publishes this user's presence on one board: a heartbeat every
// Interval plus rate-limited cursor moves.
type Broadcaster struct {
	rdb     *redis.Client
	boardID string
	userID  string
	opts    BroadcasterOptions
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	cursorX float64
	cursorY float64
}

// NewBroadcaster creates a broadcaster for userID on boardID.
func NewBroadcaster(rdb *redis.Client, boardID, userID string, opts BroadcasterOptions) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.MaxRate <= 0 {
		opts.MaxRate = 20
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Broadcaster{
		rdb:     rdb,
		boardID: boardID,
		userID:  userID,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.MaxRate), 1),
		now:     time.Now,
	}
}

// Move records a cursor position and publishes it unless the rate limit has
// been reached, in which case the next heartbeat carries it.
func (b *Broadcaster) Move(ctx context.Context, x, y float64) (bool, error) {
	b.mu.Lock()
	b.cursorX, b.cursorY = x, y
	b.mu.Unlock()

	if !b.limiter.Allow() {
		return false, nil
	}
	return true, b.Publish(ctx)
}

// Publish refreshes the presence key and broadcasts the current state.
func (b *Broadcaster) Publish(ctx context.Context) error {
	p := b.snapshot()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, board.PresenceKey(b.boardID, b.userID), data, b.opts.TTL)
		pipe.Publish(ctx, board.PresenceChannel(b.boardID), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish presence: %w", err)
	}

	b.opts.Metrics.PresencePublished()
	return nil
}

// Leave removes the presence key and tells peers immediately.
func (b *Broadcaster) Leave(ctx context.Context) error {
	p := b.snapshot()
	p.Left = true

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, board.PresenceKey(b.boardID, b.userID))
		pipe.Publish(ctx, board.PresenceChannel(b.boardID), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to leave board presence: %w", err)
	}
	return nil
}

// Run publishes immediately and then every Interval until ctx is done, when it
// leaves. Publish failures are logged; presence is best effort.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	for {
		if err := b.Publish(ctx); err != nil && ctx.Err() == nil {
			b.opts.Logger.Printf("[Presence] Heartbeat for %s on board %s failed: %v", b.userID, b.boardID, err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := b.Leave(leaveCtx); err != nil {
				b.opts.Logger.Printf("[Presence] Leave for %s on board %s failed: %v", b.userID, b.boardID, err)
			}
			cancel()
			return
		}
	}
}

func (b *Broadcaster) snapshot() Presence {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Presence{
		UserID:     b.userID,
		BoardID:    b.boardID,
		CursorX:    b.cursorX,
		CursorY:    b.cursorY,
		Color:      b.opts.Color,
		LastSeenMs: b.now().UnixMilli(),
	}
}

// Tracker keeps the latest presence of every peer on a board.
type Tracker struct {
	rdb        *redis.Client
	boardID    string
	self       string
	staleAfter time.Duration
	logger     *log.Logger

	mu    sync.RWMutex
	peers map[string]Presence
}

// NewTracker creates a tracker for boardID that ignores the user self.
func NewTracker(rdb *redis.Client, boardID, self string, staleAfter time.Duration, logger *log.Logger) *Tracker {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		rdb:        rdb,
		boardID:    boardID,
		self:       self,
		staleAfter: staleAfter,
		logger:     logger,
		peers:      make(map[string]Presence),
	}
}

// Observe merges one broadcast. Older broadcasts than the one held are ignored.
func (t *Tracker) Observe(p Presence) {
	if p.BoardID != t.boardID || p.UserID == "" || p.UserID == t.self {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if p.Left {
		delete(t.peers, p.UserID)
		return
	}
	if held, ok := t.peers[p.UserID]; ok && held.LastSeenMs > p.LastSeenMs {
		return
	}
	t.peers[p.UserID] = p
}

// Active returns peers seen within the staleness threshold, ordered by user.
func (t *Tracker) Active(now time.Time) []Presence {
	t.mu.RLock()
	out := make([]Presence, 0, len(t.peers))
	for _, p := range t.peers {
		if !p.IsStale(now, t.staleAfter) {
			out = append(out, p)
		}
	}
	t.mu.RUnlock()

	sortByUser(out)
	return out
}

// Run subscribes to the board's presence channel, seeds from the stored keys
// and applies broadcasts until ctx is done or the connection drops.
func (t *Tracker) Run(ctx context.Context) error {
	_, err := t.run(ctx)
	return err
}

// Follow keeps the tracker running until ctx is done, resubscribing with
// exponential backoff whenever the connection drops. Peers held across a
// gap age out through the staleness filter. Zero intervals get defaults.
func (t *Tracker) Follow(ctx context.Context, initialInterval, maxInterval time.Duration) {
	eb := backoff.NewExponentialBackOff()
	if initialInterval > 0 {
		eb.InitialInterval = initialInterval
	}
	if maxInterval > 0 {
		eb.MaxInterval = maxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	b := backoff.WithContext(eb, ctx)

	for {
		seeded, err := t.run(ctx)
		if ctx.Err() != nil {
			return
		}
		if seeded {
			b.Reset()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		t.logger.Printf("[Presence] Tracking for board %s interrupted, retrying in %s: %v", t.boardID, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// run is one subscription. seeded reports whether the stored presence was
// loaded, meaning the connection was healthy at least once.
func (t *Tracker) run(ctx context.Context) (seeded bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pubsub := t.rdb.Subscribe(ctx, board.PresenceChannel(t.boardID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("failed to subscribe to presence: %w", err)
	}

	existing, err := List(ctx, t.rdb, t.boardID)
	if err != nil {
		return false, err
	}
	for _, p := range existing {
		t.Observe(p)
	}

	go func() {
		<-ctx.Done()
		pubsub.Close()
	}()

	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("presence connection lost: %w", err)
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}

		var p Presence
		if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
			t.logger.Printf("[Presence] Skipping malformed broadcast on board %s: %v", t.boardID, err)
			continue
		}
		t.Observe(p)
	}
}

func sortByUser(ps []Presence) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].UserID < ps[j].UserID })
}
