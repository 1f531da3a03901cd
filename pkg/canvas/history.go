package canvas

import "time"

// MaxHistory is the default number of undo steps kept.
const MaxHistory = 50

// Entry is a deep snapshot of the durable part of a canvas.
type Entry struct {
	Shapes    map[string]Shape
	Layers    []Layer
	Timestamp time.Time
}

func snapshot(s State, now time.Time) Entry {
	return Entry{Shapes: CloneShapes(s.Shapes), Layers: CloneLayers(s.Layers), Timestamp: now}
}

// Apply returns a copy of current with the snapshot's shapes and layers restored.
func (e Entry) Apply(current State) State {
	out := State{Shapes: CloneShapes(e.Shapes), Layers: CloneLayers(e.Layers), ActiveLayerID: current.ActiveLayerID}
	if _, ok := out.LayerIndex(out.ActiveLayerID); !ok && len(out.Layers) > 0 {
		out.ActiveLayerID = out.Layers[0].ID
	}
	return out
}

// History is a local, non-replicated undo/redo stack. It is not safe for
// concurrent use; the owner serializes access.
type History struct {
	past   []Entry
	future []Entry
	limit  int
	now    func() time.Time
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = MaxHistory
	}
	return &History{limit: limit, now: time.Now}
}

// Record pushes a snapshot of the state as it was before a new mutation and
// drops the redo stack.
func (h *History) Record(before State) {
	h.past = append(h.past, snapshot(before, h.now()))
	if len(h.past) > h.limit {
		h.past = h.past[len(h.past)-h.limit:]
	}
	h.future = nil
}

// Undo pops the latest snapshot, saving current for Redo.
func (h *History) Undo(current State) (Entry, bool) {
	if len(h.past) == 0 {
		return Entry{}, false
	}
	e := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	h.future = append([]Entry{snapshot(current, h.now())}, h.future...)
	return e, true
}

// Redo re-applies the most recently undone snapshot, saving current for Undo.
func (h *History) Redo(current State) (Entry, bool) {
	if len(h.future) == 0 {
		return Entry{}, false
	}
	e := h.future[0]
	h.future = h.future[1:]
	h.past = append(h.past, snapshot(current, h.now()))
	return e, true
}

func (h *History) CanUndo() bool { return len(h.past) > 0 }
func (h *History) CanRedo() bool { return len(h.future) > 0 }

func (h *History) Clear() {
	h.past = nil
	h.future = nil
}
