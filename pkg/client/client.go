// Package client keeps a local replica of a room's canvas in sync with a
// session server and projects it into a plain canvas.State for the editor.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/canvas"
	"github.com/astromechza/canvas-sync/pkg/doc"
	"github.com/astromechza/canvas-sync/pkg/logging"
	"github.com/astromechza/canvas-sync/pkg/presence"
	"github.com/astromechza/canvas-sync/pkg/protocol"
	"github.com/astromechza/canvas-sync/pkg/room"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrClosed       = errors.New("client closed")
)

// closeRoomNotFound mirrors the close code the server uses to refuse a connection.
const closeRoomNotFound = 4004

const (
	defaultSendQueue       = 256
	defaultPresenceTimeout = 30 * time.Second
	writeTimeout           = 10 * time.Second
)

type Status int

const (
	StatusConnecting Status = iota
	StatusSyncing
	StatusActive
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusSyncing:
		return "syncing"
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

type Options struct {
	// BaseURL is the server address, e.g. http://localhost:1234.
	BaseURL string
	// Room defaults to the server's default room.
	Room   string
	Create bool

	// UserID, Name and Color describe the local collaborator. Empty values
	// get a fresh id, "Anonymous" and a random palette color.
	UserID string
	Name   string
	Color  string

	HistoryLimit int
	SendQueue    int
	// PresenceTimeout is how long a silent peer's cursor is kept. The local
	// entry is re-announced every half timeout.
	PresenceTimeout time.Duration

	Logger     *slog.Logger
	Dialer     *websocket.Dialer
	HTTPClient *http.Client
}

// Client is one participant in a room. Its methods are safe for concurrent use.
type Client struct {
	room   string
	logger *slog.Logger
	ws     *websocket.Conn
	server doc.Origin
	user   presence.User
	expiry time.Duration

	send      chan []byte
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	wg        sync.WaitGroup
	unsubs    []func()

	// mu guards the replica, projection, history and cursors
	mu        sync.Mutex
	status    Status
	replica   *doc.Document
	awareness *presence.Awareness
	state     canvas.State
	history   *canvas.History
	cursors   map[string]presence.RemoteCursor

	obsMu     sync.Mutex
	nextObsID int
	onState   map[int]func(canvas.State)
	onCursors map[int]func(map[string]presence.RemoteCursor)
}

// Join connects to a room and returns once the initial sync has completed.
// Joining without create first probes the room; any probe failure is treated
// as the room not existing.
func Join(ctx context.Context, opts Options) (*Client, error) {
	if opts.Room == "" {
		opts.Room = room.DefaultRoom
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := logging.OrDefault(opts.Logger).With("room", opts.Room)

	if !opts.Create {
		exists, err := roomExists(ctx, hc, opts.BaseURL, opts.Room)
		if err != nil {
			logger.Warn("room probe failed", "err", err)
			return nil, fmt.Errorf("%w: %w", ErrRoomNotFound, err)
		}
		if !exists {
			return nil, ErrRoomNotFound
		}
	}

	u, err := wsURL(opts.BaseURL, opts.Room, opts.Create)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", u, err)
	}

	c := newClient(ws, opts, logger)
	c.start()
	select {
	case <-c.ready:
	case <-c.done:
		c.wg.Wait()
		c.teardown()
		return nil, c.Err()
	case <-ctx.Done():
		c.shutdown(ctx.Err())
		c.wg.Wait()
		c.teardown()
		return nil, ctx.Err()
	}

	if err := c.awareness.SetLocalState(map[string]any{presence.FieldUser: c.user}); err != nil {
		_ = c.Leave()
		return nil, fmt.Errorf("failed to announce presence: %w", err)
	}
	logger.Info("joined room", "user", c.user.Name, "client", c.awareness.LocalID())
	return c, nil
}

func newClient(ws *websocket.Conn, opts Options, logger *slog.Logger) *Client {
	user := presence.User{ID: opts.UserID, Name: opts.Name, Color: opts.Color}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Name == "" {
		user.Name = presence.DefaultName
	}
	if user.Color == "" {
		user.Color = presence.RandomColor()
	}
	queue := opts.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}
	expiry := opts.PresenceTimeout
	if expiry <= 0 {
		expiry = defaultPresenceTimeout
	}

	c := &Client{
		room:      opts.Room,
		logger:    logger,
		ws:        ws,
		server:    doc.Remote(doc.ReplicaID("server/" + opts.Room)),
		user:      user,
		expiry:    expiry,
		send:      make(chan []byte, queue),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		status:    StatusSyncing,
		replica:   doc.New(doc.NewReplicaID()),
		awareness: presence.New(presence.NewClientID()),
		history:   canvas.NewHistory(opts.HistoryLimit),
		cursors:   map[string]presence.RemoteCursor{},
		onState:   map[int]func(canvas.State){},
		onCursors: map[int]func(map[string]presence.RemoteCursor){},
	}
	c.state = c.replica.Snapshot()
	c.unsubs = append(c.unsubs,
		c.replica.OnUpdate(c.onDocUpdate),
		c.awareness.OnUpdate(c.onPresenceUpdate),
		c.awareness.OnChange(c.onPeers),
	)
	return c
}

func (c *Client) start() {
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.keepalive()
	}()
	c.enqueue(protocol.StateVector(c.replica.StateVector()))
}

// onDocUpdate broadcasts local writes. Merged remote deltas carry a remote
// origin and are never sent back.
func (c *Client) onDocUpdate(delta doc.Delta, origin doc.Origin) {
	if !origin.IsLocal() {
		return
	}
	frame, err := protocol.Update(delta)
	if err != nil {
		c.logger.Error("failed to encode update", "err", err)
		return
	}
	c.enqueue(frame)
}

func (c *Client) onPresenceUpdate(ch presence.Change) {
	if !ch.Local {
		return
	}
	batch, err := c.awareness.Encode(c.awareness.LocalID())
	if err != nil {
		c.logger.Error("failed to encode presence", "err", err)
		return
	}
	c.enqueue(protocol.Presence(batch))
}

func (c *Client) onPeers(peers map[presence.ClientID]presence.State) {
	cursors := presence.Cursors(peers)
	c.mu.Lock()
	if c.closing() {
		c.mu.Unlock()
		return
	}
	c.cursors = cursors
	c.mu.Unlock()
	c.emitCursors(maps.Clone(cursors))
}

func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) readLoop() {
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce) && ce.Code == closeRoomNotFound:
				c.shutdown(ErrRoomNotFound)
			case c.closing():
				c.shutdown(ErrClosed)
			default:
				c.logger.Warn("connection lost", "err", err)
				c.shutdown(fmt.Errorf("connection lost: %w", err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.receive(p)
	}
}

func (c *Client) receive(frame []byte) {
	m, err := protocol.Decode(frame)
	if errors.Is(err, protocol.ErrUnknownKind) {
		c.logger.Debug("ignoring frame", "kind", m.Kind)
		return
	} else if err != nil {
		c.logger.Warn("dropping malformed frame", "err", err)
		return
	}
	switch m.Kind {
	case protocol.KindSync:
		c.receiveSync(m)
	case protocol.KindPresence:
		if _, err := c.awareness.Apply(m.Body); err != nil {
			c.logger.Warn("dropping malformed presence", "err", err)
		}
	}
}

func (c *Client) receiveSync(m protocol.Message) {
	c.mu.Lock()
	if c.closing() {
		c.mu.Unlock()
		return
	}
	reply, effective, err := protocol.Reply(c.replica, m, c.server)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("dropping sync message", "msg", m, "err", err)
		return
	}
	if reply != nil {
		c.enqueue(reply)
	}
	changed := !effective.Empty()
	if m.Phase == protocol.PhaseDiff && c.status == StatusSyncing {
		c.status = StatusActive
		close(c.ready)
		changed = true
	}
	var snap canvas.State
	if changed {
		c.projectLocked()
		snap = c.state.Clone()
	}
	c.mu.Unlock()
	if changed {
		c.emitState(snap)
	}
}

// projectLocked rebuilds the projection from the replica, keeping the active
// layer when it still exists.
func (c *Client) projectLocked() {
	active := c.state.ActiveLayerID
	next := c.replica.Snapshot()
	if _, ok := next.LayerIndex(active); ok {
		next.ActiveLayerID = active
	}
	c.state = next
}

func (c *Client) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.shutdown(fmt.Errorf("failed to write: %w", err))
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return
		}
	}
}

// keepalive renews the local presence entry and drops peers whose entries
// were not renewed in time, such as those behind a dead connection.
func (c *Client) keepalive() {
	t := time.NewTicker(c.expiry / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.awareness.Renew()
			if c.awareness.Prune(c.expiry) != nil {
				c.logger.Debug("pruned outdated peers")
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// flush writes whatever is still queued, such as a departure announcement.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *Client) teardown() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.awareness.Clear()
	c.mu.Lock()
	c.replica = doc.New(c.replica.Replica())
	c.cursors = map[string]presence.RemoteCursor{}
	c.history.Clear()
	c.mu.Unlock()
}

// Leave announces departure, closes the connection and discards the replica,
// presence and cursors. The last projected state stays readable.
func (c *Client) Leave() error {
	if !c.closing() {
		if err := c.awareness.SetLocalState(nil); err != nil {
			c.logger.Warn("failed to announce departure", "err", err)
		}
	}
	c.shutdown(ErrClosed)
	c.wg.Wait()
	c.teardown()
	c.emitCursors(map[string]presence.RemoteCursor{})
	c.logger.Info("left room")
	return nil
}

// Done is closed when the connection ends, whether by Leave or by the server.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Room() string { return c.room }

func (c *Client) User() presence.User { return c.user }

func (c *Client) Status() Status {
	if c.closing() {
		return StatusClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns a copy of the projected canvas.
func (c *Client) State() canvas.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Cursors returns the remote collaborators' cursors keyed by user id.
func (c *Client) Cursors() map[string]presence.RemoteCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.cursors)
}

// UpdateCursor publishes the local cursor position.
func (c *Client) UpdateCursor(x, y float64) error {
	if c.closing() {
		return ErrClosed
	}
	return c.awareness.SetLocalField(presence.FieldCursor, presence.Cursor{X: x, Y: y})
}

// OnState registers fn to receive the projection after every local or remote change.
func (c *Client) OnState(fn func(canvas.State)) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	id := c.nextObsID
	c.nextObsID++
	c.onState[id] = fn
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		delete(c.onState, id)
	}
}

// OnCursors registers fn to receive the remote cursors whenever presence changes.
func (c *Client) OnCursors(fn func(map[string]presence.RemoteCursor)) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	id := c.nextObsID
	c.nextObsID++
	c.onCursors[id] = fn
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		delete(c.onCursors, id)
	}
}

func (c *Client) emitState(s canvas.State) {
	c.obsMu.Lock()
	fns := make([]func(canvas.State), 0, len(c.onState))
	for _, id := range slices.Sorted(maps.Keys(c.onState)) {
		fns = append(fns, c.onState[id])
	}
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(s.Clone())
	}
}

func (c *Client) emitCursors(cursors map[string]presence.RemoteCursor) {
	c.obsMu.Lock()
	fns := make([]func(map[string]presence.RemoteCursor), 0, len(c.onCursors))
	for _, id := range slices.Sorted(maps.Keys(c.onCursors)) {
		fns = append(fns, c.onCursors[id])
	}
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(maps.Clone(cursors))
	}
}
