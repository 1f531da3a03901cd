package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/canvas-sync/pkg/codec"
)

func encode(t *testing.T, a *Awareness, ids ...ClientID) []byte {
	t.Helper()
	b, err := a.Encode(ids...)
	require.NoError(t, err)
	return b
}

func TestEncodeReportsInvalidFields(t *testing.T) {
	a := New("a")
	require.NoError(t, a.SetLocalField(FieldCursor, Cursor{X: 1}))
	a.states["a"][FieldCursor] = json.RawMessage("{")

	_, err := a.Encode()
	assert.ErrorContains(t, err, "failed to encode presence of a")

	removal := a.Remove("a")
	require.NotNil(t, removal)
	b := New("b")
	_, err = b.Apply(removal)
	assert.NoError(t, err)
}

func TestLocalEntryNeverReportedAsPeer(t *testing.T) {
	a := New("a")
	var changes int
	a.OnChange(func(map[ClientID]State) { changes++ })
	var updates []Change
	a.OnUpdate(func(ch Change) { updates = append(updates, ch) })

	require.NoError(t, a.SetLocalState(map[string]any{FieldUser: User{ID: "u1", Name: DefaultName, Color: Palette[0]}}))
	require.NoError(t, a.SetLocalField(FieldCursor, Cursor{X: 3, Y: 4}))

	assert.Empty(t, a.Peers())
	assert.Equal(t, 0, changes)
	require.Len(t, updates, 2)
	assert.True(t, updates[0].Local)
	assert.Equal(t, []ClientID{"a"}, updates[0].Added)
	assert.Equal(t, []ClientID{"a"}, updates[1].Updated)

	u, ok := a.LocalState().User()
	require.True(t, ok)
	assert.Equal(t, "u1", u.ID)
	c, ok := a.LocalState().Cursor()
	require.True(t, ok)
	assert.Equal(t, Cursor{X: 3, Y: 4}, c)
}

func TestApplyPeerEntries(t *testing.T) {
	a, b := New("a"), New("b")
	require.NoError(t, a.SetLocalState(map[string]any{
		FieldUser:   User{ID: "u1", Name: "Ada", Color: "#FF6B6B"},
		FieldCursor: Cursor{X: 1, Y: 2},
	}))

	var seen map[ClientID]State
	b.OnChange(func(peers map[ClientID]State) { seen = peers })
	ch, err := b.Apply(encode(t, a))
	require.NoError(t, err)
	assert.Equal(t, []ClientID{"a"}, ch.Added)
	assert.False(t, ch.Local)
	require.Contains(t, seen, ClientID("a"))

	cursors := Cursors(b.Peers())
	require.Contains(t, cursors, "u1")
	assert.Equal(t, 1.0, cursors["u1"].X)
	assert.Equal(t, "Ada", cursors["u1"].Name)
}

func TestStaleEntriesAreDiscarded(t *testing.T) {
	a, b := New("a"), New("b")
	require.NoError(t, a.SetLocalField(FieldCursor, Cursor{X: 1}))
	old := encode(t, a)
	require.NoError(t, a.SetLocalField(FieldCursor, Cursor{X: 2}))
	fresh := encode(t, a)

	_, err := b.Apply(fresh)
	require.NoError(t, err)
	ch, err := b.Apply(old)
	require.NoError(t, err)
	assert.True(t, ch.Empty())
	c, _ := b.Peers()["a"].Cursor()
	assert.Equal(t, 2.0, c.X)
}

func TestDepartureRemovesEntry(t *testing.T) {
	a, b := New("a"), New("b")
	require.NoError(t, a.SetLocalField(FieldCursor, Cursor{}))
	_, err := b.Apply(encode(t, a))
	require.NoError(t, err)

	require.NoError(t, a.SetLocalState(nil))
	ch, err := b.Apply(encode(t, a, "a"))
	require.NoError(t, err)
	assert.Equal(t, []ClientID{"a"}, ch.Removed)
	assert.Empty(t, b.Peers())
	assert.Equal(t, 0, b.Len())
}

func TestRemoveRelaysAndBlocksLateUpdates(t *testing.T) {
	alice, relay, bob := New("alice"), New(""), New("bob")
	require.NoError(t, alice.SetLocalField(FieldCursor, Cursor{X: 1}))
	first := encode(t, alice)
	_, err := relay.Apply(first)
	require.NoError(t, err)
	_, err = bob.Apply(first)
	require.NoError(t, err)

	removal := relay.Remove("alice", "unknown")
	require.NotNil(t, removal)
	_, err = bob.Apply(removal)
	require.NoError(t, err)
	assert.Empty(t, bob.Peers())

	// a delayed copy of the old entry does not resurrect it
	ch, err := relay.Apply(first)
	require.NoError(t, err)
	assert.True(t, ch.Empty())
	assert.Nil(t, relay.Remove("alice"))
}

func TestUpdatesForLocalClientIgnored(t *testing.T) {
	a := New("a")
	require.NoError(t, a.SetLocalField(FieldCursor, Cursor{X: 1}))
	// forge an entry claiming to be "a" with a huge clock
	enc := codec.NewEncoder()
	enc.WriteVarUint(1)
	enc.WriteString("a")
	enc.WriteVarUint(99)
	enc.WriteString("null")
	ch, err := a.Apply(enc.Bytes())
	require.NoError(t, err)
	assert.True(t, ch.Empty())
	assert.NotNil(t, a.LocalState())
}

func TestPrune(t *testing.T) {
	b := New("b")
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	a := New("a")
	require.NoError(t, a.SetLocalField(FieldCursor, Cursor{}))
	_, err := b.Apply(encode(t, a))
	require.NoError(t, err)

	assert.Nil(t, b.Prune(time.Minute))
	now = now.Add(2 * time.Minute)
	assert.NotNil(t, b.Prune(time.Minute))
	assert.Empty(t, b.Peers())
}

func TestRenewKeepsEntryAlive(t *testing.T) {
	now := time.Unix(1000, 0)
	a := New("a")
	b := New("b")
	b.now = func() time.Time { return now }
	require.NoError(t, a.SetLocalField(FieldCursor, Cursor{X: 1}))
	_, err := b.Apply(encode(t, a))
	require.NoError(t, err)

	var sent [][]byte
	a.OnUpdate(func(ch Change) { sent = append(sent, encode(t, a, a.LocalID())) })
	a.Renew()
	require.Len(t, sent, 1)

	now = now.Add(45 * time.Second)
	ch, err := b.Apply(sent[0])
	require.NoError(t, err)
	assert.Equal(t, []ClientID{"a"}, ch.Updated)
	now = now.Add(45 * time.Second)
	assert.Nil(t, b.Prune(time.Minute))
	assert.Len(t, b.Peers(), 1)

	New("c").Renew()
}

func TestApplyMalformed(t *testing.T) {
	b := New("b")
	for name, raw := range map[string][]byte{
		"empty":    {},
		"short":    {1, 1, 'a'},
		"bad json": {1, 1, 'a', 1, 1, '{'},
		"no id":    {1, 0, 1, 4, 'n', 'u', 'l', 'l'},
		"trailing": {0, 0},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := b.Apply(raw)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestRandomColorFromPalette(t *testing.T) {
	assert.Len(t, Palette, 10)
	assert.Contains(t, Palette, RandomColor())
}
