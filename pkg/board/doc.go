// Package board provides type-safe Go definitions, the Redis schema, and the
// durable-store client for easel whiteboards.
//
// # Overview
//
// A board is a container of elements (rectangles, circles, text, arrows and
// sticky notes). Redis is the single source of truth for every element row:
// clients hold caches, and every cache defers to the version ordering that
// this package stamps on each accepted write.
//
// # Core Concepts
//
// Elements are mutable rows identified by a UUID. Every accepted write
// increments the row's Version by exactly one inside a WATCH/MULTI/EXEC
// transaction and records the author (user and session) that produced it.
// Versions are never supplied by clients.
//
// Change events are published on a per-board Pub/Sub channel from inside the
// MULTI block of the write they describe, so they arrive in commit order. The feed delivers to every subscriber, including the author
// of the change; recognising one's own echo is the consumer's job.
//
// Membership roles (viewer, editor, owner) are stored per board and checked on
// every read and write, giving the row-level authorization the sync layer
// relies on.
//
// # Usage Example
//
//	client, err := board.NewClient(&redis.Options{Addr: "localhost:6379"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	author := board.Author{UserID: "alice", SessionID: "tab-1"}
//	el, err := client.CreateElement(ctx, &board.NewElement{
//		BoardID: boardID,
//		Type:    board.ElementTypeRectangle,
//		Width:   120,
//		Height:  80,
//	}, author)
//
//	x := 42.0
//	el, err = client.UpdateElement(ctx, el.ID, &board.Patch{X: &x}, author)
//	// el.Version == 2
//
// # Redis Schema
//
// All keys and channels are prefixed with "easel:".
//
// Elements: easel:element:{element_id}
// Board element index (ZSET, score = layer_index): easel:board:{board_id}:elements
// Board members (HASH, user_id -> role): easel:board:{board_id}:members
// Board change feed: easel:board:{board_id}:events
// Presence keys: easel:board:{board_id}:presence:{user_id}
// Presence channel: easel:board:{board_id}:presence
package board
