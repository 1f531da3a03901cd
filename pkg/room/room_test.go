package room

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/canvas-sync/pkg/canvas"
	"github.com/astromechza/canvas-sync/pkg/doc"
	"github.com/astromechza/canvas-sync/pkg/presence"
	"github.com/astromechza/canvas-sync/pkg/protocol"
)

type fakePeer struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	broken bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken {
		return errors.New("closed")
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) messages(t *testing.T) []protocol.Message {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Message, 0, len(p.frames))
	for _, f := range p.frames {
		m, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

func rect(id string) canvas.Shape {
	s := canvas.NewRectangle(10, 20, 30, 40)
	s.ID, s.LayerID = id, canvas.DefaultLayerID
	return s
}

func updateFrame(t *testing.T, replica doc.ReplicaID, s canvas.Shape) []byte {
	t.Helper()
	d := doc.New(replica)
	delta, err := d.SetShape(s)
	require.NoError(t, err)
	frame, err := protocol.Update(delta)
	require.NoError(t, err)
	return frame
}

func TestResolveJoinVersusCreate(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: time.Hour})
	defer r.Close()

	_, err := r.Resolve("r1", false)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = r.Join("r1", false, &fakePeer{id: "a"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.False(t, r.Exists("r1"))

	rm, err := r.Join("r1", true, &fakePeer{id: "a"})
	require.NoError(t, err)
	assert.Equal(t, "r1", rm.Name())
	again, err := r.Resolve("r1", false)
	require.NoError(t, err)
	assert.Same(t, rm, again)

	def, err := r.Resolve("", true)
	require.NoError(t, err)
	assert.Equal(t, DefaultRoom, def.Name())
	assert.Equal(t, []string{DefaultRoom, "r1"}, r.Rooms())
}

func TestRoomLifecycleWithGrace(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: 50 * time.Millisecond})
	defer r.Close()

	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	rm, err := r.Join("r1", true, a)
	require.NoError(t, err)
	_, err = r.Join("r1", false, b)
	require.NoError(t, err)

	r.Leave(rm, a)
	r.Leave(rm, b)
	assert.True(t, r.Exists("r1"), "room stays listed during the grace period")

	require.Eventually(t, func() bool { return !r.Exists("r1") }, time.Second, 5*time.Millisecond)
	_, err = r.Join("r1", false, a)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinDuringGraceCancelsExpiry(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: 40 * time.Millisecond})
	defer r.Close()

	a := &fakePeer{id: "a"}
	rm, err := r.Join("r1", true, a)
	require.NoError(t, err)
	r.Leave(rm, a)

	again, err := r.Join("r1", false, &fakePeer{id: "b"})
	require.NoError(t, err)
	assert.Same(t, rm, again)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, r.Exists("r1"))
}

func TestResolveCreateWithoutJoinExpires(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: 20 * time.Millisecond})
	defer r.Close()
	_, err := r.Resolve("lonely", true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !r.Exists("lonely") }, time.Second, 5*time.Millisecond)
}

func TestZeroGraceDiscardsImmediately(t *testing.T) {
	r := NewRegistry(Options{})
	a := &fakePeer{id: "a"}
	rm, err := r.Join("r1", true, a)
	require.NoError(t, err)
	r.Leave(rm, a)
	assert.False(t, r.Exists("r1"))
}

func TestFanOutExcludesSender(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: time.Hour})
	defer r.Close()
	peers := []*fakePeer{{id: "a"}, {id: "b"}, {id: "c"}}
	var rm *Room
	for i, p := range peers {
		var err error
		rm, err = r.Join("r1", i == 0, p)
		require.NoError(t, err)
	}

	require.NoError(t, rm.Handle(peers[0], updateFrame(t, "a", rect("s1"))))

	assert.Empty(t, peers[0].messages(t))
	for _, p := range peers[1:] {
		msgs := p.messages(t)
		require.Len(t, msgs, 1, p.id)
		assert.Equal(t, protocol.PhaseUpdate, msgs[0].Phase)
	}
	_, ok := rm.Document().Shape("s1")
	assert.True(t, ok)

	// the same delta again changes nothing and is not rebroadcast
	require.NoError(t, rm.Handle(peers[1], updateFrame(t, "a", rect("s1"))))
	assert.Len(t, peers[2].messages(t), 1)
}

func TestPublishSkipsBrokenPeersAndAbsentRooms(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: time.Hour})
	defer r.Close()
	a, b, c := &fakePeer{id: "a"}, &fakePeer{id: "b", broken: true}, &fakePeer{id: "c"}
	for _, p := range []*fakePeer{a, b, c} {
		_, err := r.Join("r1", true, p)
		require.NoError(t, err)
	}
	frame := protocol.Presence(nil)
	r.Publish("r1", a, frame)
	assert.Len(t, c.messages(t), 1)
	assert.Empty(t, a.messages(t))

	r.Publish("nowhere", a, frame)
}

func TestHandshakeWelcome(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: time.Hour})
	defer r.Close()
	a := &fakePeer{id: "a"}
	rm, err := r.Join("r1", true, a)
	require.NoError(t, err)
	require.NoError(t, rm.Handle(a, updateFrame(t, "a", rect("s1"))))

	b := &fakePeer{id: "b"}
	_, err = r.Join("r1", false, b)
	require.NoError(t, err)
	require.NoError(t, rm.Welcome(b))
	msgs := b.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.PhaseStateVector, msgs[0].Phase)

	// b asks for everything it lacks
	b.reset()
	require.NoError(t, rm.Handle(b, protocol.StateVector(nil)))
	msgs = b.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.PhaseDiff, msgs[0].Phase)
	replica := doc.New("b")
	_, err = replica.ApplyBinary(msgs[0].Body, doc.Remote("server"))
	require.NoError(t, err)
	got, ok := replica.Shape("s1")
	require.True(t, ok)
	assert.Equal(t, 30.0, got.Rectangle.Width)
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: time.Hour})
	defer r.Close()
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	rm, err := r.Join("r1", true, a)
	require.NoError(t, err)
	_, err = r.Join("r1", true, b)
	require.NoError(t, err)

	assert.NoError(t, rm.Handle(a, []byte{42, 0}))
	err = rm.Handle(a, protocol.Message{Kind: protocol.KindSync, Phase: protocol.PhaseUpdate, Body: []byte{3}}.Encode())
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	err = rm.Handle(a, protocol.Presence([]byte{1}))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	assert.Empty(t, b.messages(t))
	assert.Empty(t, rm.Document().Shapes())
}

func TestPresenceRemovedWhenPeerLeaves(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: time.Hour})
	defer r.Close()
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	rm, err := r.Join("r1", true, a)
	require.NoError(t, err)
	_, err = r.Join("r1", false, b)
	require.NoError(t, err)

	alice := presence.New("alice")
	require.NoError(t, alice.SetLocalField(presence.FieldCursor, presence.Cursor{X: 1, Y: 2}))
	batch, err := alice.Encode()
	require.NoError(t, err)
	require.NoError(t, rm.Handle(a, protocol.Presence(batch)))

	bob := presence.New("bob")
	applyAll := func() {
		for _, m := range b.messages(t) {
			if m.Kind == protocol.KindPresence {
				_, err := bob.Apply(m.Body)
				require.NoError(t, err)
			}
		}
		b.reset()
	}
	applyAll()
	require.Contains(t, bob.Peers(), presence.ClientID("alice"))

	r.Leave(rm, a)
	applyAll()
	assert.Empty(t, bob.Peers())
	assert.Equal(t, 1, rm.Peers())
	assert.Equal(t, 0, rm.Stats().Presence)
}

func TestCloseRejectsJoins(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: time.Hour})
	_, err := r.Join("r1", true, &fakePeer{id: "a"})
	require.NoError(t, err)
	r.Close()
	assert.Empty(t, r.Rooms())
	_, err = r.Join("r1", true, &fakePeer{id: "a"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStats(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: time.Hour})
	defer r.Close()
	a := &fakePeer{id: "a"}
	rm, err := r.Join("r1", true, a)
	require.NoError(t, err)
	require.NoError(t, rm.Handle(a, updateFrame(t, "a", rect("s1"))))
	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "r1", stats[0].Name)
	assert.Equal(t, 1, stats[0].Peers)
	assert.Equal(t, 1, stats[0].Shapes)
}
