package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Subscription represents an active Pub/Sub subscription to one board's change feed.
// Caller must call Close() when done to clean up resources.
//
// Unlike a plain go-redis channel, a Subscription never reconnects silently:
// when the connection drops the Events() channel is closed and Err() reports
// why. Messages published while nobody is subscribed are lost, so the owner
// must resubscribe and reload the board.
type Subscription struct {
	boardID string
	events  <-chan *ChangeEvent
	errors  <-chan error
	cancel  func()
	once    sync.Once

	mu  sync.Mutex
	err error
}

// BoardID returns the board this subscription is scoped to.
func (s *Subscription) BoardID() string {
	return s.boardID
}

// Events returns the channel of change events.
// The channel is closed when the subscription is closed, the context is
// cancelled, or the connection is lost.
func (s *Subscription) Events() <-chan *ChangeEvent {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors, such as
// malformed messages. The subscription continues after these.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Err returns the error that terminated the subscription, or nil if it ended
// because Close was called or the context was cancelled.
// Only meaningful after Events() has been closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// SubscribeBoard subscribes to a board's change feed.
// It returns only once Redis has confirmed the subscription, so every change
// committed after the call returns will be delivered (unless the connection
// later drops). Context cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 64). Redis Pub/Sub is
// at-most-once: a slow consumer applies backpressure to the connection.
func (c *Client) SubscribeBoard(ctx context.Context, boardID string) (*Subscription, error) {
	if boardID == "" {
		return nil, fmt.Errorf("board ID cannot be empty")
	}

	channel := BoardEventsChannel(boardID)
	pubsub := c.rdb.Subscribe(ctx, channel)

	// Wait for confirmation that the subscription is live
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	eventsChan := make(chan *ChangeEvent, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	sub := &Subscription{
		boardID: boardID,
		events:  eventsChan,
		errors:  errorsChan,
		cancel:  cancelFunc,
	}

	// Receive blocks on the socket, so closing the pubsub is what unblocks it
	go func() {
		<-subCtx.Done()
		pubsub.Close()
	}()

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer cancelFunc()

		for {
			msg, err := pubsub.Receive(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					sub.setErr(fmt.Errorf("connection to %s lost: %w", channel, err))
				}
				return
			}

			m, ok := msg.(*redis.Message)
			if !ok {
				// Subscription confirmations and pongs
				continue
			}

			var event ChangeEvent
			if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
				select {
				case errorsChan <- fmt.Errorf("failed to unmarshal change event: %w", err):
				case <-subCtx.Done():
					return
				}
				continue
			}
			if err := event.Validate(); err != nil {
				select {
				case errorsChan <- fmt.Errorf("invalid change event: %w", err):
				case <-subCtx.Done():
					return
				}
				continue
			}

			select {
			case eventsChan <- &event:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return sub, nil
}
