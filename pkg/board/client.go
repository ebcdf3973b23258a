package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries when concurrent writers
// touch the same element between WATCH and EXEC.
const maxTxRetries = 16

// Client provides Redis-backed durable storage for board elements.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb *redis.Client
	now func() time.Time
}

// hashGetter and hashReader are the subsets of commands shared by
// *redis.Client and *redis.Tx that reads inside and outside transactions need.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// NewClient creates a new board client.
func NewClient(redisOpts *redis.Options) (*Client, error) {
	if redisOpts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}

	return &Client{
		rdb: redis.NewClient(redisOpts),
		now: time.Now,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Redis exposes the underlying client for packages that share the connection
// (presence uses it for its own keys and channel).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// SetMember grants userID the given role on a board.
// Membership management is an administrative path and is not itself authorized here.
func (c *Client) SetMember(ctx context.Context, boardID, userID string, role Role) error {
	if boardID == "" || userID == "" {
		return fmt.Errorf("board ID and user ID cannot be empty")
	}
	if err := role.Validate(); err != nil {
		return fmt.Errorf("invalid role: %w", err)
	}

	if err := c.rdb.HSet(ctx, BoardMembersKey(boardID), userID, string(role)).Err(); err != nil {
		return fmt.Errorf("failed to write member to Redis: %w", err)
	}
	return nil
}

// RemoveMember revokes userID's access to a board. Removing a non-member is not an error.
func (c *Client) RemoveMember(ctx context.Context, boardID, userID string) error {
	if err := c.rdb.HDel(ctx, BoardMembersKey(boardID), userID).Err(); err != nil {
		return fmt.Errorf("failed to remove member from Redis: %w", err)
	}
	return nil
}

// MemberRole returns userID's role on a board, or ErrNotFound if they are not a member.
func (c *Client) MemberRole(ctx context.Context, boardID, userID string) (Role, error) {
	return memberRole(ctx, c.rdb, boardID, userID)
}

// Members returns every member of a board with their role.
func (c *Client) Members(ctx context.Context, boardID string) (map[string]Role, error) {
	raw, err := c.rdb.HGetAll(ctx, BoardMembersKey(boardID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members from Redis: %w", err)
	}

	members := make(map[string]Role, len(raw))
	for userID, role := range raw {
		members[userID] = Role(role)
	}
	return members, nil
}

// CreateElement writes a new element with version 1 and publishes an INSERT event.
// The store assigns the ID when spec.ID is empty. Returns ErrUnauthorized if the
// author cannot edit the board and ErrAlreadyExists if the ID is taken.
func (c *Client) CreateElement(ctx context.Context, spec *NewElement, author Author) (*Element, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid element: %w", err)
	}
	if err := author.Validate(); err != nil {
		return nil, fmt.Errorf("invalid author: %w", err)
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}

	nowMs := c.now().UnixMilli()
	el := &Element{
		ID:                  id,
		BoardID:             spec.BoardID,
		Type:                spec.Type,
		X:                   spec.X,
		Y:                   spec.Y,
		Width:               spec.Width,
		Height:              spec.Height,
		Rotation:            spec.Rotation,
		Properties:          spec.Properties.Clone(),
		LayerIndex:          spec.LayerIndex,
		Version:             1,
		LastModifiedBy:      author.UserID,
		LastModifiedSession: author.SessionID,
		CreatedBy:           author.UserID,
		CreatedAtMs:         nowMs,
		UpdatedAtMs:         nowMs,
	}
	if el.Properties == nil {
		el.Properties = Properties{}
	}

	hash, err := ElementToHash(el)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize element: %w", err)
	}

	key := ElementKey(id)
	err = c.withRetry(ctx, func(tx *redis.Tx) error {
		if err := authorize(ctx, tx, spec.BoardID, author.UserID, true); err != nil {
			return err
		}

		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check element existence: %w", err)
		}
		if exists > 0 {
			return ErrAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			pipe.ZAdd(ctx, BoardElementsKey(el.BoardID), redis.Z{Score: LayerScore(el.LayerIndex), Member: el.ID})
			return queueEvent(ctx, pipe, &ChangeEvent{
				Operation:     OperationInsert,
				BoardID:       el.BoardID,
				Row:           el,
				CommittedAtMs: nowMs,
			})
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}

	return el.Clone(), nil
}

// UpdateElement applies a partial update, increments the version by one,
// stamps the author and updated_at_ms, and publishes an UPDATE event carrying
// the full committed row.
//
// Errors: ErrNotFound if the element does not exist, ErrUnauthorized if the
// author cannot edit the board, ErrStaleBase if patch.BaseVersion is set and
// does not match.
func (c *Client) UpdateElement(ctx context.Context, elementID string, patch *Patch, author Author) (*Element, error) {
	if err := patch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	if err := author.Validate(); err != nil {
		return nil, fmt.Errorf("invalid author: %w", err)
	}

	key := ElementKey(elementID)
	var committed *Element

	err := c.withRetry(ctx, func(tx *redis.Tx) error {
		current, err := readElement(ctx, tx, key)
		if err != nil {
			return err
		}

		if err := authorize(ctx, tx, current.BoardID, author.UserID, true); err != nil {
			return err
		}

		if patch.BaseVersion != 0 && patch.BaseVersion != current.Version {
			return fmt.Errorf("%w: have %d, patch based on %d", ErrStaleBase, current.Version, patch.BaseVersion)
		}

		next := current.Clone()
		patch.ApplyTo(next)
		next.Version = current.Version + 1
		next.LastModifiedBy = author.UserID
		next.LastModifiedSession = author.SessionID
		next.UpdatedAtMs = c.now().UnixMilli()

		hash, err := ElementToHash(next)
		if err != nil {
			return fmt.Errorf("failed to serialize element: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			if next.LayerIndex != current.LayerIndex {
				pipe.ZAdd(ctx, BoardElementsKey(next.BoardID), redis.Z{Score: LayerScore(next.LayerIndex), Member: next.ID})
			}
			return queueEvent(ctx, pipe, &ChangeEvent{
				Operation:     OperationUpdate,
				BoardID:       next.BoardID,
				Row:           next,
				OldRow:        current,
				CommittedAtMs: next.UpdatedAtMs,
			})
		})
		if err != nil {
			return err
		}

		committed = next
		return nil
	}, key)
	if err != nil {
		return nil, err
	}

	return committed.Clone(), nil
}

// DeleteElement removes an element and publishes a DELETE event.
// Deleting an element that no longer exists is not an error.
func (c *Client) DeleteElement(ctx context.Context, elementID string, author Author) error {
	if err := author.Validate(); err != nil {
		return fmt.Errorf("invalid author: %w", err)
	}

	key := ElementKey(elementID)
	return c.withRetry(ctx, func(tx *redis.Tx) error {
		current, err := readElement(ctx, tx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}

		if err := authorize(ctx, tx, current.BoardID, author.UserID, true); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, BoardElementsKey(current.BoardID), current.ID)
			return queueEvent(ctx, pipe, &ChangeEvent{
				Operation:     OperationDelete,
				BoardID:       current.BoardID,
				OldRow:        current,
				CommittedAtMs: c.now().UnixMilli(),
			})
		})
		return err
	}, key)
}

// GetElement retrieves an element by ID. The reader must be a member of the
// element's board. Returns ErrNotFound if the element doesn't exist.
func (c *Client) GetElement(ctx context.Context, elementID string, reader Author) (*Element, error) {
	el, err := readElement(ctx, c.rdb, ElementKey(elementID))
	if err != nil {
		return nil, err
	}

	if err := authorize(ctx, c.rdb, el.BoardID, reader.UserID, false); err != nil {
		return nil, err
	}

	return el, nil
}

// ListElements returns every element on a board ordered by layer_index
// (ties broken by element ID). The reader must be a member of the board.
func (c *Client) ListElements(ctx context.Context, boardID string, reader Author) ([]*Element, error) {
	if err := authorize(ctx, c.rdb, boardID, reader.UserID, false); err != nil {
		return nil, err
	}

	ids, err := c.rdb.ZRange(ctx, BoardElementsKey(boardID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read board index: %w", err)
	}
	if len(ids) == 0 {
		return []*Element{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, ElementKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read elements from Redis: %w", err)
	}

	elements := make([]*Element, 0, len(ids))
	for i, cmd := range cmds {
		hash := cmd.Val()
		// Index entry without a row: deleted between ZRANGE and HGETALL
		if len(hash) == 0 {
			continue
		}
		el, err := HashToElement(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize element %s: %w", ids[i], err)
		}
		elements = append(elements, el)
	}

	return elements, nil
}

// ScanElementIDs returns the ids of every element, on any board, whose id
// starts with prefix. It reads keys only and is not authorized; callers
// still go through GetElement to read a row.
func (c *Client) ScanElementIDs(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	keyPrefix := ElementKey("")
	iter := c.rdb.Scan(ctx, 0, ElementKeyPattern(prefix), 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan element keys: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteBoard removes every element of a board, publishing a DELETE event for
// each, then drops the board's index and membership. Only owners may do this.
func (c *Client) DeleteBoard(ctx context.Context, boardID string, author Author) (int, error) {
	if err := author.Validate(); err != nil {
		return 0, fmt.Errorf("invalid author: %w", err)
	}

	role, err := c.MemberRole(ctx, boardID, author.UserID)
	if err != nil {
		if IsNotFound(err) {
			return 0, ErrUnauthorized
		}
		return 0, err
	}
	if role != RoleOwner {
		return 0, fmt.Errorf("%w: deleting a board requires owner role", ErrUnauthorized)
	}

	ids, err := c.rdb.ZRange(ctx, BoardElementsKey(boardID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read board index: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if err := c.DeleteElement(ctx, id, author); err != nil {
			return removed, fmt.Errorf("failed to delete element %s: %w", id, err)
		}
		removed++
	}

	if err := c.rdb.Del(ctx, BoardElementsKey(boardID), BoardMembersKey(boardID)).Err(); err != nil {
		return removed, fmt.Errorf("failed to delete board keys: %w", err)
	}

	return removed, nil
}

// withRetry runs fn inside WATCH on keys, retrying when a concurrent writer
// invalidates the transaction.
func (c *Client) withRetry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := c.rdb.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %v failed after %d attempts: %w", keys, maxTxRetries, redis.TxFailedErr)
}

// queueEvent adds the PUBLISH for a change to the transaction that commits it,
// so events reach subscribers in commit order and only for committed writes.
func queueEvent(ctx context.Context, pipe redis.Pipeliner, event *ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event for %s: %w", event.Operation, event.ElementID(), err)
	}
	pipe.Publish(ctx, BoardEventsChannel(event.BoardID), payload)
	return nil
}

func readElement(ctx context.Context, rdb hashReader, key string) (*Element, error) {
	hash, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read element from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hash) == 0 {
		return nil, ErrNotFound
	}

	el, err := HashToElement(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize element: %w", err)
	}
	return el, nil
}

func memberRole(ctx context.Context, rdb hashGetter, boardID, userID string) (Role, error) {
	role, err := rdb.HGet(ctx, BoardMembersKey(boardID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read member role: %w", err)
	}
	return Role(role), nil
}

func authorize(ctx context.Context, rdb hashGetter, boardID, userID string, write bool) error {
	role, err := memberRole(ctx, rdb, boardID, userID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s is not a member of board %s", ErrUnauthorized, userID, boardID)
	}
	if err != nil {
		return err
	}
	if write && !role.CanWrite() {
		return fmt.Errorf("%w: %s has role %s on board %s", ErrUnauthorized, userID, role, boardID)
	}
	return nil
}
