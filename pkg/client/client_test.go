package client

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/canvas-sync/pkg/canvas"
	"github.com/astromechza/canvas-sync/pkg/presence"
	"github.com/astromechza/canvas-sync/pkg/room"
	"github.com/astromechza/canvas-sync/pkg/server"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func startServer(t *testing.T) string {
	t.Helper()
	s := server.New(server.Options{
		Registry: room.NewRegistry(room.Options{GracePeriod: time.Minute}),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return ts.URL
}

func join(t *testing.T, base, name string, create bool) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := Join(ctx, Options{BaseURL: base, Room: name, Create: create})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Leave() })
	return c
}

func shapeCount(c *Client) int { return len(c.State().Shapes) }

func TestCollaborationScenario(t *testing.T) {
	base := startServer(t)
	ctx := context.Background()

	a := join(t, base, "abc", true)
	assert.Equal(t, StatusActive, a.Status())

	exists, err := RoomExists(ctx, base, "abc")
	require.NoError(t, err)
	assert.True(t, exists)

	b := join(t, base, "abc", false)
	assert.Equal(t, StatusActive, b.Status())

	exists, err = RoomExists(ctx, base, "xyz")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = Join(ctx, Options{BaseURL: base, Room: "xyz"})
	assert.ErrorIs(t, err, ErrRoomNotFound)

	id, err := a.AddShape(canvas.NewRectangle(10, 20, 30, 40))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return shapeCount(b) == 1 }, waitFor, tick)
	got := b.State().Shapes[id]
	assert.Equal(t, 10.0, got.X)
	assert.Equal(t, 20.0, got.Y)
	require.NotNil(t, got.Rectangle)
	assert.Equal(t, 30.0, got.Rectangle.Width)
	assert.Equal(t, 40.0, got.Rectangle.Height)
	assert.True(t, b.State().Check())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, a.MoveShape(id, 100, 100))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, b.MoveShape(id, 200, 200))
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		sa, sb := a.State().Shapes[id], b.State().Shapes[id]
		return sa.X == sb.X && sa.Y == sb.Y
	}, waitFor, tick)
	final := a.State().Shapes[id]
	assert.Contains(t, []float64{100, 200}, final.X)
	assert.Equal(t, final.X, final.Y)

	rooms, err := ListRooms(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, rooms)
}

func TestJoinFailsClosedWhenServerUnreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	base := ts.URL
	ts.Close()

	_, err := Join(context.Background(), Options{BaseURL: base, Room: "abc"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestLateJoinerReceivesExistingCanvas(t *testing.T) {
	base := startServer(t)
	a := join(t, base, "r", true)
	layer, err := a.AddLayer("Sketch")
	require.NoError(t, err)
	id, err := a.AddShape(canvas.NewCircle(1, 1, 5, 5))
	require.NoError(t, err)

	b := join(t, base, "r", false)
	require.Eventually(t, func() bool { return shapeCount(b) == 1 }, waitFor, tick)
	state := b.State()
	require.Len(t, state.Layers, 2)
	assert.Equal(t, layer, state.Layers[1].ID)
	assert.Equal(t, layer, state.Shapes[id].LayerID)
	assert.Equal(t, []string{id}, state.Layers[1].ShapeIDs)
	assert.Equal(t, state.Layers[0].ID, state.ActiveLayerID, "active layer is local to each client")
}

func TestUndoRedoReplicates(t *testing.T) {
	base := startServer(t)
	a := join(t, base, "r", true)
	b := join(t, base, "r", false)

	_, err := a.AddShape(canvas.NewRectangle(0, 0, 1, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return shapeCount(b) == 1 }, waitFor, tick)

	ok, err := a.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, shapeCount(a))
	require.Eventually(t, func() bool { return shapeCount(b) == 0 }, waitFor, tick)

	ok, err = a.Redo()
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool { return shapeCount(b) == 1 }, waitFor, tick)

	ok, err = b.Undo()
	require.NoError(t, err)
	assert.False(t, ok, "remote changes are not in the local history")
}

func TestRemoteCursors(t *testing.T) {
	base := startServer(t)
	a := join(t, base, "r", true)
	b := join(t, base, "r", false)

	var mu sync.Mutex
	var seen map[string]presence.RemoteCursor
	b.OnCursors(func(c map[string]presence.RemoteCursor) {
		mu.Lock()
		defer mu.Unlock()
		seen = c
	})

	require.NoError(t, a.UpdateCursor(5, 6))
	require.Eventually(t, func() bool {
		_, ok := b.Cursors()[a.User().ID]
		return ok
	}, waitFor, tick)
	cur := b.Cursors()[a.User().ID]
	assert.Equal(t, presence.Cursor{X: 5, Y: 6}, cur.Cursor)
	assert.Equal(t, presence.DefaultName, cur.Name)
	assert.Contains(t, presence.Palette, cur.Color)
	assert.NotContains(t, a.Cursors(), a.User().ID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := seen[a.User().ID]
		return ok
	}, waitFor, tick)

	require.NoError(t, a.Leave())
	require.Eventually(t, func() bool { return len(b.Cursors()) == 0 }, waitFor, tick)
}

func TestPresenceRenewal(t *testing.T) {
	base := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	opts := Options{BaseURL: base, Room: "r", Create: true, PresenceTimeout: 200 * time.Millisecond}
	a, err := Join(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Leave() })
	opts.Create = false
	b, err := Join(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Leave() })

	require.NoError(t, a.UpdateCursor(1, 2))
	require.Eventually(t, func() bool { return len(b.Cursors()) == 1 }, waitFor, tick)
	time.Sleep(600 * time.Millisecond)
	assert.Len(t, b.Cursors(), 1, "renewed peers are not pruned")
}

func TestLeaveClosesClient(t *testing.T) {
	base := startServer(t)
	a := join(t, base, "r", true)

	var states int
	a.OnState(func(canvas.State) { states++ })
	_, err := a.AddShape(canvas.NewRectangle(0, 0, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, states)

	require.NoError(t, a.Leave())
	assert.Equal(t, StatusClosed, a.Status())
	assert.ErrorIs(t, a.Err(), ErrClosed)
	_, err = a.AddShape(canvas.NewRectangle(0, 0, 1, 1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.UpdateCursor(1, 1), ErrClosed)
	assert.Empty(t, a.Cursors())
	assert.Len(t, a.State().Shapes, 1)
	require.NoError(t, a.Leave())
}

func TestURLs(t *testing.T) {
	u, err := wsURL("http://localhost:1234", "abc", false)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:1234/abc", u)

	u, err = wsURL("https://example.com/", "a b", true)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/a%20b?create=true", u)

	u, err = apiURL("ws://localhost:1234", "api", "rooms", "r1", "exists")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:1234/api/rooms/r1/exists", u)
}
