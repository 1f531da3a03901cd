package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/canvas-sync/pkg/metrics"
	"github.com/astromechza/canvas-sync/pkg/protocol"
	"github.com/astromechza/canvas-sync/pkg/room"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// ConnState tracks a connection from upgrade to teardown. It only moves forward.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateSyncing
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type connOptions struct {
	queue          int
	writeTimeout   time.Duration
	pingInterval   time.Duration
	maxMessageSize int64
	limiter        *rate.Limiter
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// Conn is one websocket client attached to a room. The reader runs on the
// HTTP handler goroutine; a writer goroutine owns every socket write.
type Conn struct {
	id      string
	ws      *websocket.Conn
	opts    connOptions
	logger  *slog.Logger
	metrics *metrics.Metrics
	room    *room.Room

	state     atomic.Int32
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

func newConn(ws *websocket.Conn, opts connOptions) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:      id,
		ws:      ws,
		opts:    opts,
		logger:  opts.logger.With("conn", id),
		metrics: opts.metrics,
		send:    make(chan []byte, opts.queue),
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// advance moves the state machine from one state to the next, returning false
// when the connection was not in the expected state.
func (c *Conn) advance(from, to ConnState) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.logger.Debug("connection state", "from", from, "to", to)
	return true
}

// Send queues a frame for the writer. It never blocks: a full queue closes the
// connection and the frame is dropped.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.metrics.Dropped("send_queue_full")
		c.logger.Warn("closing slow connection", "queued", len(c.send))
		c.Close(websocket.CloseTryAgainLater, "send queue full")
		return ErrSendQueueFull
	}
}

// Close starts an orderly shutdown. It returns at once; the writer sends the
// close frame and tears down the socket, which in turn stops the reader.
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		prev := ConnState(c.state.Swap(int32(StateClosed)))
		c.logger.Debug("connection state", "from", prev, "to", StateClosed)
		close(c.done)
	})
}

// refuse closes a connection that never got a writer goroutine.
func (c *Conn) refuse(code int, text string) {
	c.Close(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.opts.writeTimeout))
	_ = c.ws.Close()
}

func (c *Conn) serve(rm *room.Room) {
	c.room = rm
	c.logger = c.logger.With("room", rm.Name())

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if c.advance(StateConnecting, StateSyncing) {
		if err := rm.Welcome(c); err != nil {
			c.logger.Warn("failed to welcome peer", "err", err)
			c.Close(websocket.CloseInternalServerErr, "handshake failed")
		} else {
			c.readLoop()
		}
	}
	c.Close(websocket.CloseNormalClosure, "")
	wg.Wait()
}

func (c *Conn) pongWait() time.Duration {
	return c.opts.pingInterval * 2
}

func (c *Conn) readLoop() {
	if c.opts.maxMessageSize > 0 {
		c.ws.SetReadLimit(c.opts.maxMessageSize)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() != StateClosed && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection lost", "err", err)
			} else {
				c.logger.Debug("connection closed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
		if mt != websocket.BinaryMessage {
			continue
		}
		c.receive(p)
	}
}

type handlerFunc func(c *Conn, m protocol.Message, frame []byte) error

var dispatch = map[protocol.Kind]handlerFunc{
	protocol.KindSync:     (*Conn).handleSync,
	protocol.KindPresence: (*Conn).handlePresence,
}

func (c *Conn) receive(frame []byte) {
	if c.State() == StateClosed {
		return
	}
	m, err := protocol.Decode(frame)
	if errors.Is(err, protocol.ErrUnknownKind) {
		c.metrics.Dropped("unknown_kind")
		c.logger.Debug("ignoring frame", "kind", m.Kind)
		return
	} else if err != nil {
		c.metrics.Dropped("malformed")
		c.logger.Warn("dropping malformed frame", "err", err)
		return
	}
	// document updates are never resent, so only presence is shed under load
	if m.Kind == protocol.KindPresence && !c.opts.limiter.Allow() {
		c.metrics.Dropped("rate_limited")
		c.logger.Debug("dropping presence over rate limit", "size", len(frame))
		return
	}
	c.metrics.Received(m.Kind.String(), len(frame))

	h, ok := dispatch[m.Kind]
	if !ok {
		return
	}
	if err := h(c, m, frame); err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			c.metrics.Dropped("malformed")
			c.logger.Warn("dropping malformed frame", "msg", m, "err", err)
			return
		}
		c.logger.Warn("failed to handle frame", "msg", m, "err", err)
	}
}

func (c *Conn) handleSync(m protocol.Message, frame []byte) error {
	if err := c.room.HandleMessage(c, m, frame); err != nil {
		return err
	}
	// the client's diff answers our state vector and completes the handshake
	if m.Phase == protocol.PhaseDiff && c.advance(StateSyncing, StateActive) {
		c.logger.Info("peer synced")
	}
	return nil
}

func (c *Conn) handlePresence(m protocol.Message, frame []byte) error {
	return c.room.HandleMessage(c, m, frame)
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			c.writeClose()
			return
		default:
		}

		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.logger.Debug("failed to write message", "err", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug("failed to write ping", "err", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.writeClose()
			return
		}
	}
}

func (c *Conn) writeClose() {
	if c.closeCode == websocket.CloseAbnormalClosure {
		return
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText), time.Now().Add(c.opts.writeTimeout))
}
