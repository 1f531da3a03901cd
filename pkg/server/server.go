// Package server exposes the room registry over HTTP: a websocket per
// connection plus a small REST surface for probing rooms.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/canvas-sync/pkg/logging"
	"github.com/astromechza/canvas-sync/pkg/metrics"
	"github.com/astromechza/canvas-sync/pkg/room"
	"github.com/astromechza/canvas-sync/pkg/viz"
)

const (
	// CloseRoomNotFound is sent when a client connects to an absent room without create intent.
	CloseRoomNotFound = 4004

	DefaultSendQueue    = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

type Options struct {
	Registry *room.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// AllowedOrigins lists the origins the API and websocket accept. "*" or an empty list allows all.
	AllowedOrigins []string
	SendQueue      int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	// MaxMessageSize caps inbound frames; zero means unlimited.
	MaxMessageSize int64
	// RPS and Burst bound inbound presence frames per connection; zero RPS
	// disables the limit. Document sync frames are never rate limited.
	RPS   float64
	Burst int
}

type Server struct {
	opts     Options
	registry *room.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

func New(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = room.NewRegistry(room.Options{GracePeriod: room.DefaultGracePeriod, Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	s := &Server{
		opts:     opts,
		registry: opts.Registry,
		metrics:  opts.Metrics,
		logger:   logging.OrDefault(opts.Logger),
		conns:    map[*Conn]struct{}{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s
}

func (s *Server) Registry() *room.Registry { return s.registry }

// Handler returns the router serving the API, metrics and the websocket endpoint.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.accessLog)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.Handler())

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.cors)
	api.Methods(http.MethodGet, http.MethodOptions).Path("/rooms").HandlerFunc(s.listRooms)
	api.Methods(http.MethodGet, http.MethodOptions).Path("/stats").HandlerFunc(s.stats)
	api.Methods(http.MethodGet, http.MethodOptions).Path("/rooms/{room}/exists").HandlerFunc(s.roomExists)
	api.Methods(http.MethodGet, http.MethodOptions).Path("/rooms/{room}/snapshot").HandlerFunc(s.snapshot)
	api.Methods(http.MethodGet, http.MethodOptions).Path("/rooms/{room}/graph.svg").HandlerFunc(s.graph)

	r.Methods(http.MethodGet).Path("/").HandlerFunc(s.serveWS)
	r.Methods(http.MethodGet).Path("/{room}").HandlerFunc(s.serveWS)
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(next, writer, request)
		s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.originAllowed(origin) {
			if origin == "" || slices.Contains(s.opts.AllowedOrigins, "*") || len(s.opts.AllowedOrigins) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "err", err)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rooms": len(s.registry.Rooms())})
}

type RoomsResponse struct {
	Rooms []string `json:"rooms"`
}

type ExistsResponse struct {
	Exists bool   `json:"exists"`
	RoomID string `json:"roomId"`
}

func (s *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, RoomsResponse{Rooms: s.registry.Rooms()})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) roomExists(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]
	s.writeJSON(w, http.StatusOK, ExistsResponse{Exists: s.registry.Exists(name), RoomID: name})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.registry.Get(mux.Vars(r)["room"])
	if !ok {
		http.Error(w, room.ErrRoomNotFound.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, rm.Snapshot())
}

func (s *Server) graph(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.registry.Get(mux.Vars(r)["room"])
	if !ok {
		http.Error(w, room.ErrRoomNotFound.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	if err := viz.RenderState(w, rm.Name(), rm.Snapshot()); err != nil {
		s.logger.Error("failed to render room graph", "room", rm.Name(), "err", err)
		http.Error(w, "failed to render", http.StatusInternalServerError)
	}
}

func (s *Server) serveWS(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["room"]
	if name == "" {
		name = room.DefaultRoom
	}
	create := request.URL.Query().Get("create") == "true"

	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade", "err", err)
		return
	}

	limit := rate.Inf
	if s.opts.RPS > 0 {
		limit = rate.Limit(s.opts.RPS)
	}
	burst := s.opts.Burst
	if burst <= 0 {
		burst = 1
	}
	c := newConn(ws, connOptions{
		queue:          s.opts.SendQueue,
		writeTimeout:   s.opts.WriteTimeout,
		pingInterval:   s.opts.PingInterval,
		maxMessageSize: s.opts.MaxMessageSize,
		limiter:        rate.NewLimiter(limit, burst),
		logger:         s.logger,
		metrics:        s.metrics,
	})

	if !s.track(c) {
		c.refuse(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	rm, err := s.registry.Join(name, create, c)
	if err != nil {
		s.metrics.ConnectionRefused()
		if errors.Is(err, room.ErrRoomNotFound) {
			c.logger.Info("refusing connection", "room", name, "reason", err)
			c.refuse(CloseRoomNotFound, "Room not found")
		} else {
			c.refuse(websocket.CloseGoingAway, err.Error())
		}
		return
	}

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	c.serve(rm)
	s.registry.Leave(rm, c)
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every client and discards all rooms.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	s.registry.Close()
}
