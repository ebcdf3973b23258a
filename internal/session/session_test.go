package session

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/easel/internal/feed"
	"github.com/dyluth/easel/internal/testutil"
	"github.com/dyluth/easel/pkg/board"
)

var (
	alice = board.Author{UserID: "alice", SessionID: "alice-tab-1"}
	bob   = board.Author{UserID: "bob", SessionID: "bob-tab-1"}
)

func ptr[T any](v T) *T {
	return &v
}

func setupBoard(t *testing.T, env *testutil.RedisEnvironment) string {
	t.Helper()
	return env.CreateBoard(map[string]board.Role{
		alice.UserID: board.RoleOwner,
		bob.UserID:   board.RoleEditor,
	})
}

func newSession(t *testing.T, client *board.Client, author board.Author, presenceInterval time.Duration) *Session {
	t.Helper()
	s, err := New(client, Options{
		Author:             author,
		InitialBackoff:     5 * time.Millisecond,
		MaxBackoff:         20 * time.Millisecond,
		PresenceInterval:   presenceInterval,
		PresenceStaleAfter: 30 * time.Second,
		Logger:             log.New(&bytes.Buffer{}, "", 0),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func openAndWait(t *testing.T, s *Session, boardID string) {
	t.Helper()
	require.NoError(t, s.Open(context.Background(), boardID))
	require.Eventually(t, func() bool {
		return s.FeedState() == feed.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	env := testutil.SetupRedis(t)
	client := env.Client

	_, err := New(nil, Options{Author: alice})
	assert.Error(t, err)

	_, err = New(client, Options{Author: board.Author{UserID: "alice"}})
	assert.Error(t, err)
}

func TestOpen_RequiresMembership(t *testing.T) {
	env := testutil.SetupRedis(t)
	client := env.Client
	boardID := setupBoard(t, env)

	s := newSession(t, client, board.Author{UserID: "mallory", SessionID: "m-1"}, 0)
	err := s.Open(context.Background(), boardID)
	assert.True(t, board.IsUnauthorized(err))
	assert.Empty(t, s.BoardID())
}

func TestTwoSessions_StayInSync(t *testing.T) {
	env := testutil.SetupRedis(t)
	client := env.Client
	boardID := setupBoard(t, env)
	ctx := context.Background()

	a := newSession(t, client, alice, 0)
	b := newSession(t, client, bob, 0)
	openAndWait(t, a, boardID)
	openAndWait(t, b, boardID)

	el, err := a.Store().Create(ctx, &board.NewElement{
		BoardID: boardID,
		Type:    board.ElementTypeRectangle,
		Width:   100,
		Height:  100,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := b.Store().Get(el.ID)
		return ok && got.Version == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = a.Store().CommitLocal(ctx, el.ID, &board.Patch{X: ptr(250.0)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := b.Store().Get(el.ID)
		return got.Version == 2 && got.X == 250
	}, 2*time.Second, 5*time.Millisecond)

	// A's own echo was recognised and never counted as a conflict
	assert.Empty(t, a.Store().Conflicts())

	require.NoError(t, b.Store().Delete(ctx, el.ID))
	require.Eventually(t, func() bool {
		_, ok := a.Store().Get(el.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

// A moves an element while B, still showing the original version, recolors
// it. B's whole-row commit wins and A's move is lost.
func TestTwoSessions_ConcurrentEditsLoseTheEarlierWrite(t *testing.T) {
	env := testutil.SetupRedis(t)
	client := env.Client
	boardID := setupBoard(t, env)
	ctx := context.Background()

	a := newSession(t, client, alice, 0)
	b := newSession(t, client, bob, 0)
	openAndWait(t, a, boardID)
	openAndWait(t, b, boardID)

	e1, err := a.Store().Create(ctx, &board.NewElement{
		BoardID:    boardID,
		Type:       board.ElementTypeRectangle,
		X:          10,
		Width:      100,
		Height:     100,
		Properties: board.Properties{board.PropFill: "#ffffff"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := b.Store().Get(e1.ID)
		return ok && got.Version == 1
	}, 2*time.Second, 5*time.Millisecond)

	// B's feed falls behind: it keeps its cache but hears nothing further
	b.CloseBoard()

	moved, err := a.Store().CommitLocal(ctx, e1.ID, &board.Patch{X: ptr(300.0)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.Version)

	stale, _ := b.Store().Get(e1.ID)
	require.Equal(t, int64(1), stale.Version)

	recolored, err := b.Store().CommitLocal(ctx, e1.ID, &board.Patch{
		Properties: board.Properties{board.PropFill: "#ff0000"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), recolored.Version)
	assert.Equal(t, bob.UserID, recolored.LastModifiedBy)
	assert.Equal(t, "#ff0000", recolored.Properties[board.PropFill])
	assert.Equal(t, 10.0, recolored.X, "A's move is overwritten by B's stale base")

	// A converges on the store's row
	require.Eventually(t, func() bool {
		got, _ := a.Store().Get(e1.ID)
		return got.Version == 3 && got.X == 10
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSwitch_FollowsOnlyTheNewBoard(t *testing.T) {
	env := testutil.SetupRedis(t)
	client := env.Client
	first := setupBoard(t, env)
	second := setupBoard(t, env)
	ctx := context.Background()

	onSecond, err := client.CreateElement(ctx, &board.NewElement{
		BoardID: second, Type: board.ElementTypeCircle, Width: 5, Height: 5,
	}, bob)
	require.NoError(t, err)

	s := newSession(t, client, alice, 0)
	openAndWait(t, s, first)
	assert.Equal(t, 0, s.Store().Len())

	require.NoError(t, s.Switch(ctx, second))
	assert.Equal(t, second, s.BoardID())
	require.Eventually(t, func() bool {
		_, ok := s.Store().Get(onSecond.ID)
		return ok && s.FeedState() == feed.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	onFirst, err := client.CreateElement(ctx, &board.NewElement{
		BoardID: first, Type: board.ElementTypeCircle, Width: 5, Height: 5,
	}, bob)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, ok := s.Store().Get(onFirst.ID)
	assert.False(t, ok)
}

func TestPresence_PeersSeeEachOther(t *testing.T) {
	env := testutil.SetupRedis(t)
	client := env.Client
	boardID := setupBoard(t, env)
	ctx := context.Background()

	a := newSession(t, client, alice, time.Second)
	b := newSession(t, client, bob, time.Second)
	openAndWait(t, a, boardID)
	openAndWait(t, b, boardID)

	require.Eventually(t, func() bool {
		_ = b.MoveCursor(ctx, 40, 60)
		peers := a.Peers(time.Now())
		return len(peers) == 1 && peers[0].UserID == bob.UserID && peers[0].CursorX == 40
	}, 3*time.Second, 50*time.Millisecond)

	b.CloseBoard()
	require.Eventually(t, func() bool {
		return len(a.Peers(time.Now())) == 0
	}, 3*time.Second, 20*time.Millisecond, "leaving is broadcast immediately")
}

func TestClose(t *testing.T) {
	env := testutil.SetupRedis(t)
	client := env.Client
	boardID := setupBoard(t, env)

	s := newSession(t, client, alice, 0)
	openAndWait(t, s, boardID)

	s.Close()
	assert.Empty(t, s.BoardID())
	assert.Equal(t, feed.StateDisconnected, s.FeedState())
	assert.Error(t, s.Open(context.Background(), boardID))
	assert.NoError(t, s.Ping(context.Background()))
}
