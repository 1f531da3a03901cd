package room

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/canvas-sync/pkg/canvas"
	"github.com/astromechza/canvas-sync/pkg/doc"
	"github.com/astromechza/canvas-sync/pkg/metrics"
	"github.com/astromechza/canvas-sync/pkg/presence"
	"github.com/astromechza/canvas-sync/pkg/protocol"
)

// Peer is one connection attached to a room. Send must not block: a peer that
// cannot keep up drops itself and returns an error.
type Peer interface {
	ID() string
	Send(frame []byte) error
}

type member struct {
	joined  time.Time
	clients map[presence.ClientID]struct{}
}

// Room owns the document and presence set of one session. Its mutex is the
// serialization point for every mutation and the fan-out that follows it.
type Room struct {
	name    string
	created time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	doc      *doc.Document
	presence *presence.Awareness
	peers    map[Peer]*member

	// guarded by the registry mutex
	generation uint64
	timer      *time.Timer
}

func newRoom(name string, logger *slog.Logger, m *metrics.Metrics) *Room {
	return &Room{
		name:     name,
		created:  time.Now(),
		logger:   logger.With("room", name),
		metrics:  m,
		doc:      doc.New(doc.ReplicaID("server/" + name)),
		presence: presence.New(""),
		peers:    map[Peer]*member{},
	}
}

func (rm *Room) Name() string { return rm.name }

// Document exposes the room replica for read-only inspection.
func (rm *Room) Document() *doc.Document { return rm.doc }

func (rm *Room) Snapshot() canvas.State { return rm.doc.Snapshot() }

func (rm *Room) Peers() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.peers)
}

type Stats struct {
	Name       string        `json:"name"`
	Peers      int           `json:"peers"`
	Shapes     int           `json:"shapes"`
	Tombstones int           `json:"tombstones"`
	Presence   int           `json:"presence"`
	Age        time.Duration `json:"age"`
}

func (rm *Room) Stats() Stats {
	live, tombs := rm.doc.Stats()
	return Stats{
		Name:       rm.name,
		Peers:      rm.Peers(),
		Shapes:     live,
		Tombstones: tombs,
		Presence:   rm.presence.Len(),
		Age:        time.Since(rm.created),
	}
}

func (rm *Room) attachLocked(p Peer) {
	rm.peers[p] = &member{joined: time.Now(), clients: map[presence.ClientID]struct{}{}}
}

// detach removes the peer and the presence entries it announced, relaying the
// removal to the remaining peers. It returns the number of peers left.
func (rm *Room) detach(p Peer) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	m, ok := rm.peers[p]
	if !ok {
		return len(rm.peers)
	}
	delete(rm.peers, p)
	ids := make([]presence.ClientID, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if removal := rm.presence.Remove(ids...); removal != nil {
		rm.broadcastLocked(nil, protocol.Presence(removal), protocol.KindPresence.String())
	}
	rm.logger.Info("peer left", "peer", p.ID(), "peers", len(rm.peers), "presence_removed", len(ids))
	return len(rm.peers)
}

// Welcome starts the handshake with a newly attached peer: the room's state
// vector, followed by every known presence entry.
func (rm *Room) Welcome(p Peer) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err := p.Send(protocol.StateVector(rm.doc.StateVector())); err != nil {
		return fmt.Errorf("failed to send state vector: %w", err)
	}
	rm.metrics.Sent(protocol.KindSync.String())
	if rm.presence.Len() > 0 {
		batch, err := rm.presence.Encode()
		if err != nil {
			return err
		}
		if err := p.Send(protocol.Presence(batch)); err != nil {
			return fmt.Errorf("failed to send presence: %w", err)
		}
		rm.metrics.Sent(protocol.KindPresence.String())
	}
	return nil
}

// Handle processes one inbound frame from p. Frames of an unknown kind are
// ignored; a malformed frame returns an error wrapping protocol.ErrMalformed
// and changes nothing.
func (rm *Room) Handle(p Peer, frame []byte) error {
	m, err := protocol.Decode(frame)
	if errors.Is(err, protocol.ErrUnknownKind) {
		rm.logger.Debug("ignoring frame", "peer", p.ID(), "kind", m.Kind)
		return nil
	} else if err != nil {
		return err
	}
	return rm.HandleMessage(p, m, frame)
}

// HandleMessage is Handle for a frame the caller has already decoded into m.
func (rm *Room) HandleMessage(p Peer, m protocol.Message, frame []byte) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.peers[p]; !ok {
		return fmt.Errorf("peer %s is not attached to room %s", p.ID(), rm.name)
	}
	switch m.Kind {
	case protocol.KindSync:
		return rm.handleSyncLocked(p, m)
	case protocol.KindPresence:
		return rm.handlePresenceLocked(p, m, frame)
	}
	return nil
}

func (rm *Room) handleSyncLocked(p Peer, m protocol.Message) error {
	reply, effective, err := protocol.Reply(rm.doc, m, doc.Remote(doc.ReplicaID(p.ID())))
	if err != nil {
		return err
	}
	if reply != nil {
		if err := p.Send(reply); err != nil {
			return fmt.Errorf("failed to reply to %s: %w", p.ID(), err)
		}
		rm.metrics.Sent(protocol.KindSync.String())
	}
	if effective.Empty() {
		return nil
	}
	update, err := protocol.Update(effective)
	if err != nil {
		return err
	}
	rm.broadcastLocked(p, update, protocol.KindSync.String())
	rm.logger.Debug("merged update", "peer", p.ID(), "phase", m.Phase, "ops", len(effective.Ops))
	return nil
}

func (rm *Room) handlePresenceLocked(p Peer, m protocol.Message, frame []byte) error {
	ch, err := rm.presence.Apply(m.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrMalformed, err)
	}
	owned := rm.peers[p].clients
	for _, id := range ch.Added {
		owned[id] = struct{}{}
	}
	for _, id := range ch.Updated {
		owned[id] = struct{}{}
	}
	for _, id := range ch.Removed {
		delete(owned, id)
	}
	rm.broadcastLocked(p, frame, protocol.KindPresence.String())
	return nil
}

// Publish fans frame out to every peer except sender.
func (rm *Room) Publish(sender Peer, frame []byte) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	kind := "unknown"
	if m, err := protocol.Decode(frame); err == nil {
		kind = m.Kind.String()
	}
	rm.broadcastLocked(sender, frame, kind)
}

func (rm *Room) broadcastLocked(sender Peer, frame []byte, kind string) {
	for p := range rm.peers {
		if p == sender {
			continue
		}
		if err := p.Send(frame); err != nil {
			rm.logger.Warn("skipping peer", "peer", p.ID(), "err", err)
			continue
		}
		rm.metrics.Sent(kind)
	}
}
