package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/easel/internal/feed"
	"github.com/dyluth/easel/internal/gateway"
	"github.com/dyluth/easel/internal/metrics"
	"github.com/dyluth/easel/internal/presence"
	"github.com/dyluth/easel/internal/store"
	"github.com/dyluth/easel/pkg/board"
)

// Options configures a Session.
type Options struct {
	Author board.Author

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OnFeedState    func(boardID string, state feed.State, err error)

	StrictBaseVersion bool
	ConflictHistory   *int // nil keeps the store default; 0 disables history
	OnConflict        func(store.Conflict)

	// Presence is disabled when PresenceInterval is zero.
	PresenceInterval   time.Duration
	PresenceStaleAfter time.Duration
	PresenceColor      string
	PresenceMaxRate    float64

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// Session is one client's view of one board at a time. It owns the element
// store, the gateway it commits through, the change feed that keeps it in
// step, and presence for the open board.
type Session struct {
	client *board.Client
	opts   Options

	gw    *gateway.Gateway
	store *store.Store
	feed  *feed.Client

	base   context.Context
	cancel context.CancelFunc

	// opMu serializes Open and CloseBoard; mu guards the fields below and is
	// never held while waiting on the feed or presence goroutines.
	opMu         sync.Mutex
	mu           sync.Mutex
	boardID      string
	handle       *feed.Handle
	broadcaster  *presence.Broadcaster
	tracker      *presence.Tracker
	stopPresence context.CancelFunc
	presenceWG   sync.WaitGroup
}

// New creates a session for opts.Author. No board is open until Open.
func New(client *board.Client, opts Options) (*Session, error) {
	if client == nil {
		return nil, fmt.Errorf("board client cannot be nil")
	}
	if err := opts.Author.Validate(); err != nil {
		return nil, fmt.Errorf("invalid author: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	gw := gateway.New(client,
		gateway.WithLogger(opts.Logger),
		gateway.WithMetrics(opts.Metrics),
	)

	storeOpts := []store.Option{
		store.WithLogger(opts.Logger),
		store.WithMetrics(opts.Metrics),
		store.WithStrictBaseVersion(opts.StrictBaseVersion),
	}
	if opts.ConflictHistory != nil {
		storeOpts = append(storeOpts, store.WithConflictHistory(*opts.ConflictHistory))
	}
	if opts.OnConflict != nil {
		storeOpts = append(storeOpts, store.WithConflictHook(opts.OnConflict))
	}
	st := store.New(gw, opts.Author, storeOpts...)

	fc := feed.New(feed.BoardSubscriber(client), gw, st, feed.Options{
		Reader:         opts.Author,
		MaxRetries:     opts.MaxRetries,
		InitialBackoff: opts.InitialBackoff,
		MaxBackoff:     opts.MaxBackoff,
		OnState:        opts.OnFeedState,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})

	base, cancel := context.WithCancel(context.Background())

	return &Session{
		client: client,
		opts:   opts,
		gw:     gw,
		store:  st,
		feed:   fc,
		base:   base,
		cancel: cancel,
	}, nil
}

// Open checks the author's membership of boardID and starts following it.
// The store is empty until the feed's first snapshot arrives; watch
// FeedState or OnFeedState for StateConnected.
func (s *Session) Open(ctx context.Context, boardID string) error {
	if boardID == "" {
		return fmt.Errorf("board ID cannot be empty")
	}
	if s.base.Err() != nil {
		return fmt.Errorf("session is closed")
	}

	role, err := s.client.MemberRole(ctx, boardID, s.opts.Author.UserID)
	if err != nil {
		if board.IsNotFound(err) {
			return fmt.Errorf("failed to open board %s: %w", boardID, board.ErrUnauthorized)
		}
		return fmt.Errorf("failed to open board %s: %w", boardID, err)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.closeBoard()

	s.store.Reset(boardID)
	handle := s.feed.Subscribe(s.base, boardID)

	s.mu.Lock()
	s.boardID = boardID
	s.handle = handle
	s.startPresenceLocked(boardID)
	s.mu.Unlock()

	s.opts.Logger.Printf("[Session] %s opened board %s as %s", s.opts.Author, boardID, role)
	return nil
}

// Switch moves the session to another board. The previous subscription is
// fully torn down before the new one starts.
func (s *Session) Switch(ctx context.Context, boardID string) error {
	return s.Open(ctx, boardID)
}

// CloseBoard stops following the open board without closing the session.
func (s *Session) CloseBoard() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.closeBoard()
}

// Close releases every resource. The session cannot be reopened.
func (s *Session) Close() {
	s.CloseBoard()
	s.cancel()
}

func (s *Session) closeBoard() {
	s.mu.Lock()
	boardID, handle, stop := s.boardID, s.handle, s.stopPresence
	s.boardID, s.handle, s.stopPresence = "", nil, nil
	s.broadcaster, s.tracker = nil, nil
	s.mu.Unlock()

	if handle != nil {
		s.feed.Unsubscribe(handle)
	}
	if stop != nil {
		stop()
		s.presenceWG.Wait()
	}
	if boardID != "" {
		s.opts.Logger.Printf("[Session] %s closed board %s", s.opts.Author, boardID)
	}
}

func (s *Session) startPresenceLocked(boardID string) {
	if s.opts.PresenceInterval <= 0 {
		return
	}

	rdb := s.client.Redis()
	s.broadcaster = presence.NewBroadcaster(rdb, boardID, s.opts.Author.UserID, presence.BroadcasterOptions{
		Color:    s.opts.PresenceColor,
		Interval: s.opts.PresenceInterval,
		TTL:      s.opts.PresenceStaleAfter,
		MaxRate:  s.opts.PresenceMaxRate,
		Logger:   s.opts.Logger,
		Metrics:  s.opts.Metrics,
	})
	s.tracker = presence.NewTracker(rdb, boardID, s.opts.Author.UserID, s.opts.PresenceStaleAfter, s.opts.Logger)

	ctx, cancel := context.WithCancel(s.base)
	s.stopPresence = cancel

	broadcaster, tracker := s.broadcaster, s.tracker
	s.presenceWG.Add(2)
	go func() {
		defer s.presenceWG.Done()
		broadcaster.Run(ctx)
	}()
	go func() {
		defer s.presenceWG.Done()
		tracker.Follow(ctx, s.opts.InitialBackoff, s.opts.MaxBackoff)
	}()
}

// Store returns the element store.
func (s *Session) Store() *store.Store {
	return s.store
}

// Gateway returns the mutation gateway the store commits through.
func (s *Session) Gateway() *gateway.Gateway {
	return s.gw
}

// Author returns the session identity.
func (s *Session) Author() board.Author {
	return s.opts.Author
}

// BoardID returns the open board, or "".
func (s *Session) BoardID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boardID
}

// FeedState returns the change feed's connection state.
func (s *Session) FeedState() feed.State {
	return s.feed.State()
}

// Ping checks the durable store connection.
func (s *Session) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// MoveCursor publishes the cursor position, subject to the presence rate limit.
func (s *Session) MoveCursor(ctx context.Context, x, y float64) error {
	s.mu.Lock()
	b := s.broadcaster
	s.mu.Unlock()

	if b == nil {
		return nil
	}
	_, err := b.Move(ctx, x, y)
	return err
}

// Peers returns other users active on the open board.
func (s *Session) Peers(now time.Time) []presence.Presence {
	s.mu.Lock()
	t := s.tracker
	s.mu.Unlock()

	if t == nil {
		return []presence.Presence{}
	}
	return t.Active(now)
}
