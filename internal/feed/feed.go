package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dyluth/easel/internal/metrics"
	"github.com/dyluth/easel/pkg/board"
)

// ErrRetriesExhausted is reported when the feed gives up reconnecting.
var ErrRetriesExhausted = errors.New("change feed retries exhausted")

var errSubscriptionEnded = errors.New("subscription ended")

// State is the connection state of the change feed.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

var allStates = []string{string(StateConnecting), string(StateConnected), string(StateDisconnected)}

// Subscription is a live, board-scoped change stream. *board.Subscription implements it.
type Subscription interface {
	Events() <-chan *board.ChangeEvent
	Errors() <-chan error
	Err() error
	Close() error
}

// Subscriber opens confirmed subscriptions.
type Subscriber interface {
	SubscribeBoard(ctx context.Context, boardID string) (Subscription, error)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, boardID string) (Subscription, error)

func (f SubscriberFunc) SubscribeBoard(ctx context.Context, boardID string) (Subscription, error) {
	return f(ctx, boardID)
}

// BoardSubscriber adapts a durable store client to Subscriber.
func BoardSubscriber(c *board.Client) Subscriber {
	return SubscriberFunc(func(ctx context.Context, boardID string) (Subscription, error) {
		sub, err := c.SubscribeBoard(ctx, boardID)
		if err != nil {
			return nil, err
		}
		return sub, nil
	})
}

// Loader fetches the full committed state of a board. *gateway.Gateway implements it.
type Loader interface {
	List(ctx context.Context, boardID string, reader board.Author) ([]*board.Element, error)
}

// Sink receives snapshots and events. *store.Store implements it.
type Sink interface {
	Replace(boardID string, rows []*board.Element)
	ApplyRemote(event *board.ChangeEvent)
}

// Options configures a Client. Zero values get defaults.
type Options struct {
	// Reader is the identity used to load board snapshots.
	Reader board.Author

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnState is called on every state change, from the feed goroutine.
	// It must not call Subscribe or Unsubscribe.
	OnState func(boardID string, state State, err error)

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 8
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Handle identifies one board subscription started by Subscribe.
type Handle struct {
	boardID string
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// BoardID returns the board this handle follows.
func (h *Handle) BoardID() string {
	return h.boardID
}

// Done is closed once the handle has stopped for good.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error: nil after Unsubscribe, wrapping
// ErrRetriesExhausted when reconnection gave up.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) stop() {
	h.cancel()
	<-h.done
}

// Client keeps one board's element store in step with the durable store's
// change feed. Every (re)connect subscribes first, then loads the full board,
// then replaces the sink's contents, and only then applies events, so changes
// committed while the feed was down are never lost.
type Client struct {
	sub    Subscriber
	loader Loader
	sink   Sink
	opts   Options

	// subMu serializes Subscribe/Unsubscribe so only one handle runs at a time.
	subMu   sync.Mutex
	mu      sync.Mutex
	current *Handle
	state   State
}

// New creates a feed client. Nothing happens until Subscribe is called.
func New(sub Subscriber, loader Loader, sink Sink, opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		sub:    sub,
		loader: loader,
		sink:   sink,
		opts:   opts,
		state:  StateDisconnected,
	}
}

// Subscribe starts following boardID, first tearing down any previous
// subscription. It returns immediately; progress is reported via OnState.
func (c *Client) Subscribe(ctx context.Context, boardID string) *Handle {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		boardID: boardID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.current = h
	c.mu.Unlock()

	go c.run(hctx, h)
	return h
}

// Unsubscribe stops h. Safe to call more than once or with a handle that has
// already been replaced.
func (c *Client) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	h.stop()

	c.mu.Lock()
	if c.current == h {
		c.current = nil
	}
	c.mu.Unlock()
}

// Close releases the current subscription, if any.
func (c *Client) Close() {
	c.mu.Lock()
	h := c.current
	c.mu.Unlock()
	c.Unsubscribe(h)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the active handle, or nil.
func (c *Client) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) run(ctx context.Context, h *Handle) {
	defer close(h.done)

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.opts.MaxRetries)), ctx)

	for {
		c.setState(h, StateConnecting, nil)

		connected, err := c.connect(ctx, h)
		if ctx.Err() != nil {
			c.setState(h, StateDisconnected, nil)
			return
		}
		if connected {
			b.Reset()
		}

		c.setState(h, StateDisconnected, err)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			final := fmt.Errorf("%w: board %s: %v", ErrRetriesExhausted, h.boardID, err)
			h.mu.Lock()
			h.err = final
			h.mu.Unlock()
			c.opts.Logger.Printf("[Feed] Giving up on board %s: %v", h.boardID, err)
			c.setState(h, StateDisconnected, final)
			return
		}

		c.logEvent("reconnect_scheduled", map[string]interface{}{
			"board_id": h.boardID,
			"wait":     wait.String(),
			"error":    err.Error(),
		})

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.setState(h, StateDisconnected, nil)
			return
		}
	}
}

// connect runs one subscription from confirmation until it ends. connected
// reports whether the snapshot was installed, which resets the backoff.
func (c *Client) connect(ctx context.Context, h *Handle) (connected bool, err error) {
	sub, err := c.sub.SubscribeBoard(ctx, h.boardID)
	if err != nil {
		return false, fmt.Errorf("failed to subscribe to board %s: %w", h.boardID, err)
	}
	defer sub.Close()

	// Events arriving while the snapshot loads stay buffered in sub and are
	// applied after Replace; the store's version check discards any overlap.
	rows, err := c.loader.List(ctx, h.boardID, c.opts.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to load board %s: %w", h.boardID, err)
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	c.sink.Replace(h.boardID, rows)
	c.opts.Metrics.Resync()
	c.setState(h, StateConnected, nil)

	errs := sub.Errors()
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return true, ctx.Err()
				}
				if err := sub.Err(); err != nil {
					return true, err
				}
				return true, errSubscriptionEnded
			}
			c.sink.ApplyRemote(event)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.opts.Logger.Printf("[Feed] Skipping message on board %s: %v", h.boardID, err)

		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// setState records and reports a transition, but only for the active handle
// so a replaced subscription cannot overwrite its successor's state.
func (c *Client) setState(h *Handle, state State, err error) {
	c.mu.Lock()
	if c.current != nil && c.current != h {
		c.mu.Unlock()
		return
	}
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	c.opts.Metrics.FeedState(string(state), allStates)

	if changed {
		c.logEvent("state", map[string]interface{}{
			"board_id": h.boardID,
			"state":    string(state),
		})
	}
	if c.opts.OnState != nil {
		c.opts.OnState(h.boardID, state, err)
	}
}

// logEvent logs structured feed events
func (c *Client) logEvent(event string, data map[string]interface{}) {
	c.opts.Logger.Printf("[Feed] event=%s %v", event, data)
}
