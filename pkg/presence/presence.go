// Package presence is the ephemeral awareness channel: who is in a room and
// where their cursor is. Entries are never persisted and never merged into the
// document; a newer entry from the same writer simply replaces the older one.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/canvas-sync/pkg/codec"
)

var ErrMalformed = errors.New("malformed presence update")

// ClientID identifies one session's presence entry. It is generated per session.
type ClientID string

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// State is the field map of one entry. Values are kept as raw JSON so a relay
// can forward fields it does not understand.
type State map[string]json.RawMessage

func (s State) clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = slices.Clone(v)
	}
	return out
}

// Change lists the client ids an operation touched.
type Change struct {
	Added   []ClientID
	Updated []ClientID
	Removed []ClientID
	// Local is set when the change came from SetLocalState or SetLocalField.
	Local bool
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// IDs returns every touched client id.
func (c Change) IDs() []ClientID {
	out := make([]ClientID, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type meta struct {
	clock   uint64
	updated time.Time
}

// Awareness holds the presence entries of one room as seen by one participant.
// The server instance has no local entry and acts as a relay.
type Awareness struct {
	local ClientID

	mu     sync.Mutex
	states map[ClientID]State
	meta   map[ClientID]meta
	now    func() time.Time

	obsMu     sync.Mutex
	onChange  map[int]func(map[ClientID]State)
	onUpdate  map[int]func(Change)
	nextObsID int
}

// New creates an awareness set. local may be empty for a relay with no entry of its own.
func New(local ClientID) *Awareness {
	return &Awareness{
		local:    local,
		states:   map[ClientID]State{},
		meta:     map[ClientID]meta{},
		now:      time.Now,
		onChange: map[int]func(map[ClientID]State){},
		onUpdate: map[int]func(Change){},
	}
}

func (a *Awareness) LocalID() ClientID { return a.local }

// OnChange registers fn to receive the full set of peer entries, excluding the
// local one, whenever an entry is added, updated or removed.
func (a *Awareness) OnChange(fn func(peers map[ClientID]State)) func() {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	id := a.nextObsID
	a.nextObsID++
	a.onChange[id] = fn
	return func() {
		a.obsMu.Lock()
		defer a.obsMu.Unlock()
		delete(a.onChange, id)
	}
}

// OnUpdate registers fn to receive every change, including clock-only renewals.
// Callers broadcast local changes from here.
func (a *Awareness) OnUpdate(fn func(Change)) func() {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	id := a.nextObsID
	a.nextObsID++
	a.onUpdate[id] = fn
	return func() {
		a.obsMu.Lock()
		defer a.obsMu.Unlock()
		delete(a.onUpdate, id)
	}
}

func (a *Awareness) emit(ch Change, changed bool) {
	if ch.Empty() {
		return
	}
	a.obsMu.Lock()
	updates := sortedValues(a.onUpdate)
	changes := sortedValues(a.onChange)
	a.obsMu.Unlock()

	for _, fn := range updates {
		fn(ch)
	}
	if !changed || len(changes) == 0 {
		return
	}
	peers := a.Peers()
	for _, fn := range changes {
		fn(peers)
	}
}

func sortedValues[T any](m map[int]T) []T {
	keys := slices.Sorted(maps.Keys(m))
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// LocalState returns a copy of the local entry, or nil when there is none.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[a.local]
	if !ok {
		return nil
	}
	return s.clone()
}

// Peers returns a copy of every entry except the local one.
func (a *Awareness) Peers() map[ClientID]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[ClientID]State, len(a.states))
	for id, s := range a.states {
		if id != a.local {
			out[id] = s.clone()
		}
	}
	return out
}

// Len returns the number of live entries, the local one included.
func (a *Awareness) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// SetLocalState replaces the local entry. A nil map signals departure and
// removes the entry everywhere once broadcast.
func (a *Awareness) SetLocalState(fields map[string]any) error {
	if a.local == "" {
		return fmt.Errorf("presence: no local client")
	}
	var next State
	if fields != nil {
		next = make(State, len(fields))
		for k, v := range fields {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to encode presence field %q: %w", k, err)
			}
			next[k] = raw
		}
	}
	a.setLocal(next)
	return nil
}

// SetLocalField merges one field into the local entry.
func (a *Awareness) SetLocalField(key string, v any) error {
	if a.local == "" {
		return fmt.Errorf("presence: no local client")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode presence field %q: %w", key, err)
	}
	a.mu.Lock()
	next := State{}
	if cur, ok := a.states[a.local]; ok {
		next = cur.clone()
	}
	a.mu.Unlock()
	next[key] = raw
	a.setLocal(next)
	return nil
}

func (a *Awareness) setLocal(next State) {
	a.mu.Lock()
	m := a.meta[a.local]
	_, existed := a.states[a.local]
	m.clock++
	m.updated = a.now()
	a.meta[a.local] = m
	ch := Change{Local: true}
	switch {
	case next == nil && existed:
		delete(a.states, a.local)
		ch.Removed = []ClientID{a.local}
	case next == nil:
		a.mu.Unlock()
		return
	case existed:
		a.states[a.local] = next
		ch.Updated = []ClientID{a.local}
	default:
		a.states[a.local] = next
		ch.Added = []ClientID{a.local}
	}
	a.mu.Unlock()
	// the local entry is never part of the peer view, so OnChange does not fire
	a.emit(ch, false)
}

// Apply merges an encoded batch. Entries whose clock is older than the known
// one for that client are discarded; a null state at a clock no older than the
// known one removes the entry. Updates for the local client are ignored.
func (a *Awareness) Apply(update []byte) (Change, error) {
	entries, err := decode(update)
	if err != nil {
		return Change{}, err
	}

	a.mu.Lock()
	var ch Change
	now := a.now()
	for _, e := range entries {
		if e.id == a.local && a.local != "" {
			continue
		}
		m, known := a.meta[e.id]
		_, live := a.states[e.id]
		accept := !known || m.clock < e.clock || (m.clock == e.clock && e.state == nil && live)
		if !accept {
			continue
		}
		a.meta[e.id] = meta{clock: e.clock, updated: now}
		switch {
		case e.state == nil:
			if live {
				delete(a.states, e.id)
				ch.Removed = append(ch.Removed, e.id)
			}
		case live:
			a.states[e.id] = e.state
			ch.Updated = append(ch.Updated, e.id)
		default:
			a.states[e.id] = e.state
			ch.Added = append(ch.Added, e.id)
		}
	}
	a.mu.Unlock()

	a.emit(ch, true)
	return ch, nil
}

// Remove drops entries immediately, bumping their clocks so a delayed update
// from the departed writer cannot bring them back. It returns the encoded
// removal for relaying to other participants, or nil when nothing was removed.
func (a *Awareness) Remove(ids ...ClientID) []byte {
	a.mu.Lock()
	var ch Change
	enc := codec.NewEncoder()
	var batch []entry
	for _, id := range ids {
		if _, live := a.states[id]; !live {
			continue
		}
		delete(a.states, id)
		m := a.meta[id]
		m.clock++
		m.updated = a.now()
		a.meta[id] = m
		ch.Removed = append(ch.Removed, id)
		batch = append(batch, entry{id: id, clock: m.clock})
	}
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	enc.WriteVarUint(uint64(len(batch)))
	for _, e := range batch {
		writeEntry(enc, e.id, e.clock, nil)
	}
	a.emit(ch, true)
	return enc.Bytes()
}

// Clear drops every entry without notifying observers. Used on teardown.
func (a *Awareness) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.states)
	clear(a.meta)
}

// Encode produces a batch for the given ids, or for every known entry when
// none are given. Ids without a live entry are encoded as removals.
func (a *Awareness) Encode(ids ...ClientID) ([]byte, error) {
	a.mu.Lock()
	if len(ids) == 0 {
		for id := range a.states {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	batch := make([]entry, 0, len(ids))
	for _, id := range ids {
		m, known := a.meta[id]
		if !known {
			continue
		}
		var s State
		if cur, ok := a.states[id]; ok {
			s = cur.clone()
		}
		batch = append(batch, entry{id: id, clock: m.clock, state: s})
	}
	a.mu.Unlock()

	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(len(batch)))
	for _, e := range batch {
		var fields []byte
		if e.state != nil {
			raw, err := json.Marshal(e.state)
			if err != nil {
				return nil, fmt.Errorf("failed to encode presence of %s: %w", e.id, err)
			}
			fields = raw
		}
		writeEntry(enc, e.id, e.clock, fields)
	}
	return enc.Bytes(), nil
}

// Renew re-announces the unchanged local entry so peers keep it alive.
func (a *Awareness) Renew() {
	a.mu.Lock()
	cur, ok := a.states[a.local]
	a.mu.Unlock()
	if ok {
		a.setLocal(cur)
	}
}

// Prune removes peer entries that have not been renewed within maxAge and
// returns the encoded removal, or nil.
func (a *Awareness) Prune(maxAge time.Duration) []byte {
	a.mu.Lock()
	cutoff := a.now().Add(-maxAge)
	var stale []ClientID
	for id := range a.states {
		if id != a.local && a.meta[id].updated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()
	if len(stale) == 0 {
		return nil
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return a.Remove(stale...)
}

type entry struct {
	id    ClientID
	clock uint64
	state State
}

// writeEntry encodes one entry; nil fields mark a removal.
func writeEntry(enc *codec.Encoder, id ClientID, clock uint64, fields []byte) {
	enc.WriteString(string(id))
	enc.WriteVarUint(clock)
	if fields == nil {
		fields = []byte("null")
	}
	enc.WriteVarBytes(fields)
}

func decode(b []byte) ([]entry, error) {
	dec := codec.NewDecoder(b)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if n > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformed, n, dec.Remaining())
	}
	out := make([]entry, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := dec.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformed, i, err)
		}
		if id == "" {
			return nil, fmt.Errorf("%w: entry %d has no client id", ErrMalformed, i)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformed, i, err)
		}
		raw, err := dec.ReadVarBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformed, i, err)
		}
		var s State
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformed, i, err)
		}
		out = append(out, entry{id: ClientID(id), clock: clock, state: s})
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, dec.Remaining())
	}
	return out, nil
}
