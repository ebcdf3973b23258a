package board

import "fmt"

// Redis key pattern helpers
//
// Key pattern: easel:{entity}:{id}[:{sub}]
// Channel pattern: easel:board:{board_id}:{feed}

// ElementKey returns the Redis key for an element row.
// Pattern: easel:element:{element_id}
func ElementKey(elementID string) string {
	return fmt.Sprintf("easel:element:%s", elementID)
}

// ElementKeyPattern returns the SCAN pattern matching element keys whose id
// starts with prefix.
func ElementKeyPattern(prefix string) string {
	return fmt.Sprintf("easel:element:%s*", prefix)
}

// BoardElementsKey returns the Redis key for a board's element index.
// The ZSET score is the element's layer_index.
// Pattern: easel:board:{board_id}:elements
func BoardElementsKey(boardID string) string {
	return fmt.Sprintf("easel:board:%s:elements", boardID)
}

// BoardMembersKey returns the Redis key for a board's membership hash.
// Pattern: easel:board:{board_id}:members
func BoardMembersKey(boardID string) string {
	return fmt.Sprintf("easel:board:%s:members", boardID)
}

// BoardEventsChannel returns the Pub/Sub channel carrying a board's change feed.
// Pattern: easel:board:{board_id}:events
func BoardEventsChannel(boardID string) string {
	return fmt.Sprintf("easel:board:%s:events", boardID)
}

// PresenceKey returns the Redis key holding one user's presence on a board.
// Pattern: easel:board:{board_id}:presence:{user_id}
func PresenceKey(boardID, userID string) string {
	return fmt.Sprintf("easel:board:%s:presence:%s", boardID, userID)
}

// PresenceKeyPattern returns the SCAN pattern matching every presence key of a board.
func PresenceKeyPattern(boardID string) string {
	return fmt.Sprintf("easel:board:%s:presence:*", boardID)
}

// PresenceChannel returns the Pub/Sub channel for presence broadcasts.
// Pattern: easel:board:{board_id}:presence
func PresenceChannel(boardID string) string {
	return fmt.Sprintf("easel:board:%s:presence", boardID)
}

// LayerScore converts a layer index to a ZSET score.
func LayerScore(layerIndex int) float64 {
	return float64(layerIndex)
}
