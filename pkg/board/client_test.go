package board

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Author{UserID: "alice", SessionID: "alice-tab-1"}
	bob   = Author{UserID: "bob", SessionID: "bob-tab-1"}
	eve   = Author{UserID: "eve", SessionID: "eve-tab-1"}
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

// setupBoard creates a board where alice and bob are editors and eve is a viewer
func setupBoard(t *testing.T, client *Client) string {
	ctx := context.Background()
	boardID := uuid.New().String()
	require.NoError(t, client.SetMember(ctx, boardID, alice.UserID, RoleOwner))
	require.NoError(t, client.SetMember(ctx, boardID, bob.UserID, RoleEditor))
	require.NoError(t, client.SetMember(ctx, boardID, eve.UserID, RoleViewer))
	return boardID
}

func newRect(boardID string) *NewElement {
	return &NewElement{
		BoardID:    boardID,
		Type:       ElementTypeRectangle,
		X:          10,
		Y:          20,
		Width:      100,
		Height:     50,
		Properties: Properties{PropFill: "#ffffff", PropStroke: "#000000"},
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
	})

	t.Run("rejects nil options", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis options cannot be nil")
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestMembership(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	boardID := setupBoard(t, client)

	t.Run("returns role of member", func(t *testing.T) {
		role, err := client.MemberRole(ctx, boardID, bob.UserID)
		require.NoError(t, err)
		assert.Equal(t, RoleEditor, role)
	})

	t.Run("returns not found for non-member", func(t *testing.T) {
		_, err := client.MemberRole(ctx, boardID, "mallory")
		assert.True(t, IsNotFound(err))
	})

	t.Run("rejects invalid role", func(t *testing.T) {
		err := client.SetMember(ctx, boardID, "mallory", Role("admin"))
		assert.Error(t, err)
	})

	t.Run("lists and removes members", func(t *testing.T) {
		members, err := client.Members(ctx, boardID)
		require.NoError(t, err)
		assert.Len(t, members, 3)

		require.NoError(t, client.RemoveMember(ctx, boardID, eve.UserID))
		_, err = client.MemberRole(ctx, boardID, eve.UserID)
		assert.True(t, IsNotFound(err))

		// Removing again is not an error
		assert.NoError(t, client.RemoveMember(ctx, boardID, eve.UserID))
	})
}

func TestCreateElement(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	boardID := setupBoard(t, client)

	t.Run("assigns id, version 1 and provenance", func(t *testing.T) {
		el, err := client.CreateElement(ctx, newRect(boardID), alice)
		require.NoError(t, err)

		assert.True(t, isValidUUID(el.ID))
		assert.Equal(t, int64(1), el.Version)
		assert.Equal(t, alice.UserID, el.CreatedBy)
		assert.Equal(t, alice.UserID, el.LastModifiedBy)
		assert.Equal(t, alice.SessionID, el.LastModifiedSession)
		assert.NotZero(t, el.CreatedAtMs)
		assert.Equal(t, el.CreatedAtMs, el.UpdatedAtMs)

		stored, err := client.GetElement(ctx, el.ID, alice)
		require.NoError(t, err)
		assert.Equal(t, el, stored)
	})

	t.Run("keeps caller supplied id", func(t *testing.T) {
		spec := newRect(boardID)
		spec.ID = uuid.New().String()

		el, err := client.CreateElement(ctx, spec, alice)
		require.NoError(t, err)
		assert.Equal(t, spec.ID, el.ID)

		_, err = client.CreateElement(ctx, spec, alice)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("rejects viewer", func(t *testing.T) {
		_, err := client.CreateElement(ctx, newRect(boardID), eve)
		assert.True(t, IsUnauthorized(err))
	})

	t.Run("rejects non-member", func(t *testing.T) {
		_, err := client.CreateElement(ctx, newRect(boardID), Author{UserID: "mallory", SessionID: "m"})
		assert.True(t, IsUnauthorized(err))
	})

	t.Run("rejects invalid type", func(t *testing.T) {
		spec := newRect(boardID)
		spec.Type = "hexagon"
		_, err := client.CreateElement(ctx, spec, alice)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid element")
	})
}

func TestUpdateElement(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	boardID := setupBoard(t, client)

	t.Run("increments version and stamps author", func(t *testing.T) {
		el, err := client.CreateElement(ctx, newRect(boardID), alice)
		require.NoError(t, err)

		updated, err := client.UpdateElement(ctx, el.ID, &Patch{X: ptr(42.5)}, bob)
		require.NoError(t, err)

		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, 42.5, updated.X)
		assert.Equal(t, el.Y, updated.Y)
		assert.Equal(t, bob.UserID, updated.LastModifiedBy)
		assert.Equal(t, bob.SessionID, updated.LastModifiedSession)
		assert.Equal(t, alice.UserID, updated.CreatedBy)
		assert.Equal(t, el.CreatedAtMs, updated.CreatedAtMs)
	})

	t.Run("replaces properties wholesale", func(t *testing.T) {
		el, err := client.CreateElement(ctx, newRect(boardID), alice)
		require.NoError(t, err)

		updated, err := client.UpdateElement(ctx, el.ID, &Patch{Properties: Properties{PropFill: "#ff0000"}}, alice)
		require.NoError(t, err)

		assert.Equal(t, Properties{PropFill: "#ff0000"}, updated.Properties)
		assert.NotContains(t, updated.Properties, PropStroke)
	})

	t.Run("reorders layer index", func(t *testing.T) {
		bottom, err := client.CreateElement(ctx, &NewElement{BoardID: boardID, Type: ElementTypeCircle, LayerIndex: 100}, alice)
		require.NoError(t, err)

		_, err = client.UpdateElement(ctx, bottom.ID, &Patch{LayerIndex: ptr(-1)}, alice)
		require.NoError(t, err)

		elements, err := client.ListElements(ctx, boardID, alice)
		require.NoError(t, err)
		require.NotEmpty(t, elements)
		assert.Equal(t, bottom.ID, elements[0].ID)
	})

	t.Run("returns not found for missing element", func(t *testing.T) {
		_, err := client.UpdateElement(ctx, uuid.New().String(), &Patch{X: ptr(1.0)}, alice)
		assert.True(t, IsNotFound(err))
	})

	t.Run("rejects viewer", func(t *testing.T) {
		el, err := client.CreateElement(ctx, newRect(boardID), alice)
		require.NoError(t, err)

		_, err = client.UpdateElement(ctx, el.ID, &Patch{X: ptr(1.0)}, eve)
		assert.True(t, IsUnauthorized(err))

		stored, err := client.GetElement(ctx, el.ID, alice)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)
	})

	t.Run("rejects empty patch", func(t *testing.T) {
		el, err := client.CreateElement(ctx, newRect(boardID), alice)
		require.NoError(t, err)

		_, err = client.UpdateElement(ctx, el.ID, &Patch{}, alice)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "patch changes nothing")
	})

	t.Run("enforces base version when set", func(t *testing.T) {
		el, err := client.CreateElement(ctx, newRect(boardID), alice)
		require.NoError(t, err)

		_, err = client.UpdateElement(ctx, el.ID, &Patch{X: ptr(1.0), BaseVersion: 1}, alice)
		require.NoError(t, err)

		_, err = client.UpdateElement(ctx, el.ID, &Patch{X: ptr(2.0), BaseVersion: 1}, bob)
		assert.ErrorIs(t, err, ErrStaleBase)
	})
}

// Versions observed for one element are strictly increasing, even with
// concurrent writers racing on the same row.
func TestUpdateElement_MonotonicVersionUnderContention(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	boardID := setupBoard(t, client)

	el, err := client.CreateElement(ctx, newRect(boardID), alice)
	require.NoError(t, err)

	const writers = 4
	const writesEach = 10

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup

	for w := 0; w < writers; w++ {
		author := Author{UserID: alice.UserID, SessionID: uuid.New().String()}
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < writesEach; i++ {
				updated, err := client.UpdateElement(ctx, el.ID, &Patch{X: ptr(float64(w*100 + i))}, author)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[updated.Version], "version %d assigned twice", updated.Version)
				seen[updated.Version] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	stored, err := client.GetElement(ctx, el.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1+writers*writesEach), stored.Version)
	assert.Len(t, seen, writers*writesEach)
}

func TestDeleteElement(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	boardID := setupBoard(t, client)

	t.Run("removes row and index entry", func(t *testing.T) {
		el, err := client.CreateElement(ctx, newRect(boardID), alice)
		require.NoError(t, err)

		require.NoError(t, client.DeleteElement(ctx, el.ID, bob))

		_, err = client.GetElement(ctx, el.ID, alice)
		assert.True(t, IsNotFound(err))

		elements, err := client.ListElements(ctx, boardID, alice)
		require.NoError(t, err)
		for _, e := range elements {
			assert.NotEqual(t, el.ID, e.ID)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		el, err := client.CreateElement(ctx, newRect(boardID), alice)
		require.NoError(t, err)

		require.NoError(t, client.DeleteElement(ctx, el.ID, alice))
		assert.NoError(t, client.DeleteElement(ctx, el.ID, alice))
		assert.NoError(t, client.DeleteElement(ctx, uuid.New().String(), alice))
	})

	t.Run("rejects viewer", func(t *testing.T) {
		el, err := client.CreateElement(ctx, newRect(boardID), alice)
		require.NoError(t, err)

		err = client.DeleteElement(ctx, el.ID, eve)
		assert.True(t, IsUnauthorized(err))
	})
}

func TestListElements(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	boardID := setupBoard(t, client)
	otherBoard := setupBoard(t, client)

	for _, layer := range []int{3, 1, 2} {
		spec := newRect(boardID)
		spec.LayerIndex = layer
		_, err := client.CreateElement(ctx, spec, alice)
		require.NoError(t, err)
	}
	_, err := client.CreateElement(ctx, newRect(otherBoard), alice)
	require.NoError(t, err)

	t.Run("orders by layer index and scopes to board", func(t *testing.T) {
		elements, err := client.ListElements(ctx, boardID, eve)
		require.NoError(t, err)
		require.Len(t, elements, 3)
		for i, el := range elements {
			assert.Equal(t, i+1, el.LayerIndex)
			assert.Equal(t, boardID, el.BoardID)
		}
	})

	t.Run("returns empty slice for empty board", func(t *testing.T) {
		empty := setupBoard(t, client)
		elements, err := client.ListElements(ctx, empty, alice)
		require.NoError(t, err)
		assert.NotNil(t, elements)
		assert.Empty(t, elements)
	})

	t.Run("rejects non-member", func(t *testing.T) {
		_, err := client.ListElements(ctx, boardID, Author{UserID: "mallory", SessionID: "m"})
		assert.True(t, IsUnauthorized(err))
	})
}

func TestDeleteBoard(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	boardID := setupBoard(t, client)

	for i := 0; i < 3; i++ {
		_, err := client.CreateElement(ctx, newRect(boardID), alice)
		require.NoError(t, err)
	}

	t.Run("requires owner", func(t *testing.T) {
		_, err := client.DeleteBoard(ctx, boardID, bob)
		assert.True(t, IsUnauthorized(err))
	})

	t.Run("cascades to every element and publishes deletes", func(t *testing.T) {
		sub, err := client.SubscribeBoard(ctx, boardID)
		require.NoError(t, err)
		defer sub.Close()

		removed, err := client.DeleteBoard(ctx, boardID, alice)
		require.NoError(t, err)
		assert.Equal(t, 3, removed)

		for i := 0; i < 3; i++ {
			select {
			case event := <-sub.Events():
				assert.Equal(t, OperationDelete, event.Operation)
				assert.NotNil(t, event.OldRow)
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for delete event")
			}
		}

		members, err := client.Members(ctx, boardID)
		require.NoError(t, err)
		assert.Empty(t, members)
	})
}

func TestScanElementIDs(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	boardID := setupBoard(t, client)

	for _, id := range []string{"aaaa1111-0000-4000-8000-000000000001", "aaaa2222-0000-4000-8000-000000000002", "bbbb1111-0000-4000-8000-000000000003"} {
		spec := newRect(boardID)
		spec.ID = id
		_, err := client.CreateElement(ctx, spec, alice)
		require.NoError(t, err)
	}

	ids, err := client.ScanElementIDs(ctx, "aaaa")
	require.NoError(t, err)
	assert.Equal(t, []string{"aaaa1111-0000-4000-8000-000000000001", "aaaa2222-0000-4000-8000-000000000002"}, ids)

	ids, err = client.ScanElementIDs(ctx, "cccc")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
