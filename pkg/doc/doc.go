// Package doc is the replicated canvas document: one last-writer-wins
// register per shape plus one for the whole layer list.
package doc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/astromechza/canvas-sync/pkg/canvas"
)

type shapeEntry struct {
	clock   Clock
	shape   canvas.Shape
	deleted bool
}

// Document is safe for concurrent use. Observers run after the document lock
// is released, in the order updates were applied.
type Document struct {
	replica ReplicaID

	mu          sync.Mutex
	counter     uint64
	shapes      map[string]shapeEntry
	layers      []canvas.Layer
	layersClock Clock
	seen        StateVector

	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[int]func(Delta, Origin)
	nextObs   int
}

func New(replica ReplicaID) *Document {
	if replica == "" {
		replica = NewReplicaID()
	}
	return &Document{
		replica:   replica,
		shapes:    map[string]shapeEntry{},
		seen:      StateVector{},
		observers: map[int]func(Delta, Origin){},
	}
}

func (d *Document) Replica() ReplicaID { return d.replica }

// OnUpdate registers fn to receive every effective delta together with its
// origin. The returned func removes the observer.
func (d *Document) OnUpdate(fn func(Delta, Origin)) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		delete(d.observers, id)
	}
}

func (d *Document) notify(delta Delta, origin Origin) {
	if delta.Empty() {
		return
	}
	d.obsMu.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Delta, Origin), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.obsMu.Unlock()
	for _, fn := range fns {
		fn(delta, origin)
	}
}

// Shape returns the live value of a shape.
func (d *Document) Shape(id string) (canvas.Shape, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.shapes[id]
	if !ok || e.deleted {
		return canvas.Shape{}, false
	}
	return e.shape.Clone(), true
}

// Shapes returns a deep copy of every live shape.
func (d *Document) Shapes() map[string]canvas.Shape {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]canvas.Shape, len(d.shapes))
	for id, e := range d.shapes {
		if !e.deleted {
			out[id] = e.shape.Clone()
		}
	}
	return out
}

// Layers returns the layer register's value, nil when it was never written.
func (d *Document) Layers() []canvas.Layer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.layersClock.IsZero() {
		return nil
	}
	return canvas.CloneLayers(d.layers)
}

// Snapshot projects the merged registers into a canvas state with the layer
// invariants restored.
func (d *Document) Snapshot() canvas.State {
	return canvas.Normalize(d.Shapes(), d.Layers())
}

// Stats reports the number of live shapes and tombstones.
func (d *Document) Stats() (live, tombstones int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.shapes {
		if e.deleted {
			tombstones++
		} else {
			live++
		}
	}
	return live, tombstones
}

func (d *Document) SetShape(s canvas.Shape) (Delta, error) {
	return d.Transact(func(tx *Tx) error { return tx.SetShape(s) })
}

func (d *Document) DeleteShape(id string) (Delta, error) {
	return d.Transact(func(tx *Tx) error { return tx.DeleteShape(id) })
}

func (d *Document) ReplaceLayers(layers []canvas.Layer) (Delta, error) {
	return d.Transact(func(tx *Tx) error { return tx.ReplaceLayers(layers) })
}

// Tx collects local writes so they are applied and announced as one delta.
type Tx struct {
	ops []Op
}

func (tx *Tx) SetShape(s canvas.Shape) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c := s.Clone()
	tx.ops = append(tx.ops, Op{Kind: OpSetShape, Key: s.ID, Shape: &c})
	return nil
}

func (tx *Tx) DeleteShape(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", canvas.ErrShapeNotFound)
	}
	tx.ops = append(tx.ops, Op{Kind: OpDeleteShape, Key: id})
	return nil
}

func (tx *Tx) ReplaceLayers(layers []canvas.Layer) error {
	for _, l := range layers {
		if l.ID == "" {
			return fmt.Errorf("%w: layer without id", canvas.ErrLayerNotFound)
		}
	}
	tx.ops = append(tx.ops, Op{Kind: OpSetLayers, Layers: canvas.CloneLayers(layers)})
	return nil
}

// Transact runs fn and applies its writes as a single local delta. Nothing is
// applied when fn returns an error.
func (d *Document) Transact(fn func(tx *Tx) error) (Delta, error) {
	tx := &Tx{}
	if err := fn(tx); err != nil {
		return Delta{}, err
	}
	if len(tx.ops) == 0 {
		return Delta{}, nil
	}

	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.mu.Lock()
	for i := range tx.ops {
		d.counter++
		tx.ops[i].Clock = Clock{Counter: d.counter, Replica: d.replica}
		d.applyLocked(tx.ops[i])
	}
	d.mu.Unlock()

	delta := Delta{Ops: tx.ops}
	d.notify(delta, Local(d.replica))
	return delta, nil
}

// Apply merges a delta from another replica. Every op is validated before any
// is applied; on error the document is unchanged. The returned delta holds
// only the ops that changed the document, and is what observers receive.
func (d *Document) Apply(delta Delta, origin Origin) (Delta, error) {
	for _, op := range delta.Ops {
		if err := op.validate(); err != nil {
			return Delta{}, err
		}
	}

	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.mu.Lock()
	var effective Delta
	for _, op := range delta.Ops {
		if d.applyLocked(op) {
			effective.Ops = append(effective.Ops, op)
		}
	}
	d.mu.Unlock()

	d.notify(effective, origin)
	return effective, nil
}

// ApplyBinary decodes and merges an encoded delta.
func (d *Document) ApplyBinary(b []byte, origin Origin) (Delta, error) {
	delta, err := UnmarshalDelta(b)
	if err != nil {
		return Delta{}, err
	}
	return d.Apply(delta, origin)
}

func (d *Document) applyLocked(op Op) bool {
	if op.Clock.Counter > d.counter {
		d.counter = op.Clock.Counter
	}
	if op.Clock.Counter > d.seen[op.Clock.Replica] {
		d.seen[op.Clock.Replica] = op.Clock.Counter
	}
	switch op.Kind {
	case OpSetShape, OpDeleteShape:
		if cur, ok := d.shapes[op.Key]; ok && !cur.clock.Less(op.Clock) {
			return false
		}
		e := shapeEntry{clock: op.Clock, deleted: op.Kind == OpDeleteShape}
		if op.Shape != nil {
			e.shape = op.Shape.Clone()
		}
		d.shapes[op.Key] = e
	case OpSetLayers:
		if !d.layersClock.IsZero() && !d.layersClock.Less(op.Clock) {
			return false
		}
		d.layers = canvas.CloneLayers(op.Layers)
		d.layersClock = op.Clock
	default:
		return false
	}
	return true
}

// StateVector returns the highest counter seen per replica.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(StateVector, len(d.seen))
	for r, c := range d.seen {
		out[r] = c
	}
	return out
}

// Diff returns the current winning writes a replica at sv has not seen,
// tombstones included. A nil vector yields the full document.
func (d *Document) Diff(sv StateVector) Delta {
	d.mu.Lock()
	defer d.mu.Unlock()
	unseen := func(c Clock) bool { return c.Counter > sv[c.Replica] }

	keys := make([]string, 0, len(d.shapes))
	for k, e := range d.shapes {
		if unseen(e.clock) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out Delta
	if !d.layersClock.IsZero() && unseen(d.layersClock) {
		out.Ops = append(out.Ops, Op{Kind: OpSetLayers, Clock: d.layersClock, Layers: canvas.CloneLayers(d.layers)})
	}
	for _, k := range keys {
		e := d.shapes[k]
		if e.deleted {
			out.Ops = append(out.Ops, Op{Kind: OpDeleteShape, Key: k, Clock: e.clock})
			continue
		}
		s := e.shape.Clone()
		out.Ops = append(out.Ops, Op{Kind: OpSetShape, Key: k, Clock: e.clock, Shape: &s})
	}
	return out
}
