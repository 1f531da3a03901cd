// Package room keeps the table of live collaboration rooms. A room exists from
// an explicit create until it has been empty for the grace period.
package room

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/canvas-sync/pkg/logging"
	"github.com/astromechza/canvas-sync/pkg/metrics"
)

const (
	DefaultRoom        = "default"
	DefaultGracePeriod = 30 * time.Second
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrClosed       = errors.New("registry closed")
)

type Options struct {
	// GracePeriod is how long an empty room is kept. Zero or less discards it immediately.
	GracePeriod time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Registry is the process-wide room table. Lock order is registry, then room.
type Registry struct {
	grace   time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		grace:   opts.GracePeriod,
		logger:  logging.OrDefault(opts.Logger),
		metrics: opts.Metrics,
		rooms:   map[string]*Room{},
	}
}

// Resolve returns the named room, creating it when create is set. A room
// created here without a peer joining is subject to the grace period.
func (r *Registry) Resolve(name string, create bool) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, created, err := r.resolveLocked(name, create)
	if err != nil {
		return nil, err
	}
	if created {
		r.scheduleExpiryLocked(rm)
	}
	return rm, nil
}

func (r *Registry) resolveLocked(name string, create bool) (*Room, bool, error) {
	if r.closed {
		return nil, false, ErrClosed
	}
	if name == "" {
		name = DefaultRoom
	}
	if rm, ok := r.rooms[name]; ok {
		return rm, false, nil
	}
	if !create {
		return nil, false, ErrRoomNotFound
	}
	rm := newRoom(name, r.logger, r.metrics)
	r.rooms[name] = rm
	r.metrics.RoomCreated()
	r.logger.Info("room created", "room", name)
	return rm, true, nil
}

// Join resolves the room and attaches p in one step, cancelling any pending expiry.
func (r *Registry) Join(name string, create bool, p Peer) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, _, err := r.resolveLocked(name, create)
	if err != nil {
		return nil, err
	}
	rm.generation++
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
	}
	rm.mu.Lock()
	rm.attachLocked(p)
	n := len(rm.peers)
	rm.mu.Unlock()
	r.logger.Info("peer joined", "room", rm.name, "peer", p.ID(), "peers", n)
	return rm, nil
}

// Leave detaches p, removes its presence entries and starts the grace period
// when the room is left empty.
func (r *Registry) Leave(rm *Room, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm.detach(p) == 0 && r.rooms[rm.name] == rm {
		r.scheduleExpiryLocked(rm)
	}
}

func (r *Registry) scheduleExpiryLocked(rm *Room) {
	rm.generation++
	gen := rm.generation
	if rm.timer != nil {
		rm.timer.Stop()
	}
	if r.grace <= 0 {
		r.expireLocked(rm, gen)
		return
	}
	rm.timer = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.expireLocked(rm, gen)
	})
}

func (r *Registry) expireLocked(rm *Room, gen uint64) {
	if r.rooms[rm.name] != rm || rm.generation != gen || rm.Peers() > 0 {
		return
	}
	delete(r.rooms, rm.name)
	rm.timer = nil
	r.metrics.RoomExpired()
	r.logger.Info("room expired", "room", rm.name, "grace", r.grace)
}

// Publish fans frame out to every peer of the named room except sender.
// Publishing to an absent room does nothing.
func (r *Registry) Publish(name string, sender Peer, frame []byte) {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	rm.Publish(sender, frame)
}

// Rooms returns the ids of every live room, those in their grace period included.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[name]
	return ok
}

// Get returns a live room without creating it.
func (r *Registry) Get(name string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	return rm, ok
}

// Stats reports every live room, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()
	out := make([]Stats, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, rm.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every grace timer and discards all rooms. Later joins fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	n := len(r.rooms)
	for name, rm := range r.rooms {
		rm.generation++
		if rm.timer != nil {
			rm.timer.Stop()
		}
		delete(r.rooms, name)
	}
	r.metrics.RoomsClosed(n)
	r.logger.Info("registry closed", "rooms", n)
}
