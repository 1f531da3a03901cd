package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/astromechza/canvas-sync/pkg/canvas"
	"github.com/astromechza/canvas-sync/pkg/doc"
	"github.com/astromechza/canvas-sync/pkg/metrics"
	"github.com/astromechza/canvas-sync/pkg/presence"
	"github.com/astromechza/canvas-sync/pkg/protocol"
	"github.com/astromechza/canvas-sync/pkg/room"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	m := metrics.New()
	s := New(Options{
		Registry:     room.NewRegistry(room.Options{GracePeriod: time.Minute, Metrics: m}),
		Metrics:      m,
		PingInterval: time.Second,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, p, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	m, err := protocol.Decode(p)
	require.NoError(t, err)
	return m
}

func write(t *testing.T, ws *websocket.Conn, frame []byte) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))
}

func shapeUpdate(t *testing.T, replica doc.ReplicaID, id string, x float64) []byte {
	t.Helper()
	s := canvas.NewRectangle(x, 0, 10, 10)
	s.ID, s.LayerID = id, canvas.DefaultLayerID
	delta, err := doc.New(replica).SetShape(s)
	require.NoError(t, err)
	frame, err := protocol.Update(delta)
	require.NoError(t, err)
	return frame
}

func presenceFrame(t *testing.T, a *presence.Awareness) []byte {
	t.Helper()
	batch, err := a.Encode()
	require.NoError(t, err)
	return protocol.Presence(batch)
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestAbsentRoomIsRefused(t *testing.T) {
	s, ts := newTestServer(t)
	ws := dial(t, ts, "/missing")
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, CloseRoomNotFound, ce.Code)
	assert.Equal(t, "Room not found", ce.Text)
	assert.False(t, s.Registry().Exists("missing"))
}

func TestRoomsAPI(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts, "/r1?create=true")
	assert.Equal(t, protocol.PhaseStateVector, read(t, ws).Phase)

	var rooms RoomsResponse
	resp := getJSON(t, ts.URL+"/api/rooms", &rooms)
	assert.Equal(t, []string{"r1"}, rooms.Rooms)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var exists ExistsResponse
	getJSON(t, ts.URL+"/api/rooms/r1/exists", &exists)
	assert.Equal(t, ExistsResponse{Exists: true, RoomID: "r1"}, exists)
	getJSON(t, ts.URL+"/api/rooms/nope/exists", &exists)
	assert.Equal(t, ExistsResponse{Exists: false, RoomID: "nope"}, exists)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))

	var health map[string]any
	resp = getJSON(t, ts.URL+"/healthz", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])
}

func TestDefaultRoomForEmptyPath(t *testing.T) {
	s, ts := newTestServer(t)
	ws := dial(t, ts, "/?create=true")
	read(t, ws)
	assert.True(t, s.Registry().Exists(room.DefaultRoom))
}

func TestSyncBetweenClients(t *testing.T) {
	s, ts := newTestServer(t)

	a := dial(t, ts, "/r1?create=true")
	assert.Equal(t, protocol.PhaseStateVector, read(t, a).Phase)
	write(t, a, protocol.StateVector(nil))
	assert.Equal(t, protocol.PhaseDiff, read(t, a).Phase)
	write(t, a, shapeUpdate(t, "a", "s1", 1))

	b := dial(t, ts, "/r1")
	assert.Equal(t, protocol.PhaseStateVector, read(t, b).Phase)
	write(t, b, protocol.StateVector(nil))
	m := read(t, b)
	require.Equal(t, protocol.PhaseDiff, m.Phase)
	replica := doc.New("b")
	_, err := replica.ApplyBinary(m.Body, doc.Remote("server"))
	require.NoError(t, err)
	_, ok := replica.Shape("s1")
	assert.True(t, ok, "late joiner receives existing shapes")

	// b answers the server's state vector, which completes its handshake
	empty, err := protocol.Diff(doc.Delta{})
	require.NoError(t, err)
	write(t, b, empty)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		active := 0
		for c := range s.conns {
			if c.State() == StateActive {
				active++
			}
		}
		return active == 1
	}, 2*time.Second, 10*time.Millisecond)

	write(t, a, shapeUpdate(t, "a", "s2", 2))
	m = read(t, b)
	assert.Equal(t, protocol.PhaseUpdate, m.Phase)
	_, err = replica.ApplyBinary(m.Body, doc.Remote("server"))
	require.NoError(t, err)
	_, ok = replica.Shape("s2")
	assert.True(t, ok)

	// the sender never sees its own update echoed
	require.NoError(t, a.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = a.ReadMessage()
	assert.Error(t, err)

	var snap canvas.State
	getJSON(t, ts.URL+"/api/rooms/r1/snapshot", &snap)
	assert.Len(t, snap.Shapes, 2)
}

func TestRateLimitSkipsDocumentUpdates(t *testing.T) {
	s := New(Options{
		Registry: room.NewRegistry(room.Options{GracePeriod: time.Minute}),
		RPS:      5,
		Burst:    2,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})

	a := dial(t, ts, "/r1?create=true")
	assert.Equal(t, protocol.PhaseStateVector, read(t, a).Phase)
	replica := doc.New("a")
	alice := presence.New("alice")
	for i := 0; i < 10; i++ {
		shape := canvas.NewRectangle(float64(i), 0, 10, 10)
		shape.ID, shape.LayerID = fmt.Sprintf("s%d", i), canvas.DefaultLayerID
		delta, err := replica.SetShape(shape)
		require.NoError(t, err)
		frame, err := protocol.Update(delta)
		require.NoError(t, err)
		write(t, a, frame)
		require.NoError(t, alice.SetLocalField(presence.FieldCursor, presence.Cursor{X: float64(i)}))
		write(t, a, presenceFrame(t, alice))
	}

	require.Eventually(t, func() bool {
		var snap canvas.State
		getJSON(t, ts.URL+"/api/rooms/r1/snapshot", &snap)
		return len(snap.Shapes) == 10
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	_, ts := newTestServer(t)
	a := dial(t, ts, "/r1?create=true")
	read(t, a)

	write(t, a, []byte{0, 2, 1, 3})
	write(t, a, []byte{9, 9})
	write(t, a, protocol.StateVector(nil))
	assert.Equal(t, protocol.PhaseDiff, read(t, a).Phase)
}

func TestPresenceRemovedOnDisconnect(t *testing.T) {
	_, ts := newTestServer(t)
	a := dial(t, ts, "/r1?create=true")
	read(t, a)
	b := dial(t, ts, "/r1")
	read(t, b)

	alice := presence.New("alice")
	require.NoError(t, alice.SetLocalField(presence.FieldCursor, presence.Cursor{X: 4, Y: 2}))
	write(t, a, presenceFrame(t, alice))

	bob := presence.New("bob")
	m := read(t, b)
	require.Equal(t, protocol.KindPresence, m.Kind)
	_, err := bob.Apply(m.Body)
	require.NoError(t, err)
	require.Contains(t, bob.Peers(), presence.ClientID("alice"))

	require.NoError(t, a.Close())
	m = read(t, b)
	require.Equal(t, protocol.KindPresence, m.Kind)
	_, err = bob.Apply(m.Body)
	require.NoError(t, err)
	assert.Empty(t, bob.Peers())
}

func TestCloseDisconnectsClients(t *testing.T) {
	s, ts := newTestServer(t)
	a := dial(t, ts, "/r1?create=true")
	read(t, a)

	s.Close()
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Empty(t, s.Registry().Rooms())
}

func TestGraphEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	a := dial(t, ts, "/r1?create=true")
	read(t, a)

	resp, err := http.Get(ts.URL + "/api/rooms/r1/graph.svg")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<svg")

	resp, err = http.Get(ts.URL + "/api/rooms/nope/graph.svg")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendClosesSlowConnection(t *testing.T) {
	c := newConn(nil, connOptions{queue: 1, limiter: rate.NewLimiter(rate.Inf, 1), logger: slog.Default()})
	require.NoError(t, c.Send([]byte{1}))
	assert.ErrorIs(t, c.Send([]byte{2}), ErrSendQueueFull)
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Send([]byte{3}), ErrConnClosed)
	assert.Equal(t, websocket.CloseTryAgainLater, c.closeCode)
}

func TestConnStateOnlyMovesForward(t *testing.T) {
	c := newConn(nil, connOptions{queue: 1, logger: slog.Default()})
	assert.Equal(t, StateConnecting, c.State())
	assert.False(t, c.advance(StateSyncing, StateActive))
	assert.True(t, c.advance(StateConnecting, StateSyncing))
	c.Close(websocket.CloseNormalClosure, "")
	assert.False(t, c.advance(StateSyncing, StateActive))
	assert.Equal(t, "closed", c.State().String())
}
