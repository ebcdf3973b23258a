// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/easel/pkg/board"
)

// RedisEnvironment is an in-memory Redis with a board client connected to it.
// Both are closed when the test ends.
type RedisEnvironment struct {
	T      *testing.T
	Redis  *miniredis.Miniredis
	Client *board.Client
}

// SetupRedis starts miniredis and connects a board client.
func SetupRedis(t *testing.T) *RedisEnvironment {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start(), "Failed to start miniredis")
	t.Cleanup(mr.Close)

	client, err := board.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, err, "Failed to create board client")
	t.Cleanup(func() { client.Close() })

	return &RedisEnvironment{T: t, Redis: mr, Client: client}
}

// CreateBoard creates a board with a random id and grants each role.
func (env *RedisEnvironment) CreateBoard(members map[string]board.Role) string {
	env.T.Helper()

	boardID := uuid.New().String()
	for userID, role := range members {
		require.NoError(env.T, env.Client.SetMember(context.Background(), boardID, userID, role))
	}
	return boardID
}

// URL returns a redis:// URL for the in-memory server.
func (env *RedisEnvironment) URL() string {
	return "redis://" + env.Redis.Addr()
}
