package canvas

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
)

const (
	DefaultLayerID   = "layer-1"
	DefaultLayerName = "Layer 1"

	duplicateOffset = 20
)

var (
	ErrShapeNotFound = errors.New("shape not found")
	ErrLayerNotFound = errors.New("layer not found")
	ErrLastLayer     = errors.New("cannot delete the last layer")
	ErrOutOfRange    = errors.New("index out of range")
)

type Layer struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Visible  bool     `json:"visible"`
	Locked   bool     `json:"locked"`
	ShapeIDs []string `json:"shapeIds"`
}

func (l Layer) Clone() Layer {
	l.ShapeIDs = append([]string{}, l.ShapeIDs...)
	return l
}

func DefaultLayer() Layer {
	return Layer{ID: DefaultLayerID, Name: DefaultLayerName, Visible: true, ShapeIDs: []string{}}
}

// CloneLayers deep copies a layer list.
func CloneLayers(layers []Layer) []Layer {
	out := make([]Layer, len(layers))
	for i, l := range layers {
		out[i] = l.Clone()
	}
	return out
}

// CloneShapes deep copies a shape map.
func CloneShapes(shapes map[string]Shape) map[string]Shape {
	out := make(map[string]Shape, len(shapes))
	for id, s := range shapes {
		out[id] = s.Clone()
	}
	return out
}

// State is the plain canvas state the editor reads and writes.
type State struct {
	Shapes        map[string]Shape `json:"shapes"`
	Layers        []Layer          `json:"layers"`
	ActiveLayerID string           `json:"activeLayerId"`
}

func NewState() State {
	return State{
		Shapes:        map[string]Shape{},
		Layers:        []Layer{DefaultLayer()},
		ActiveLayerID: DefaultLayerID,
	}
}

func (s State) Clone() State {
	return State{
		Shapes:        CloneShapes(s.Shapes),
		Layers:        CloneLayers(s.Layers),
		ActiveLayerID: s.ActiveLayerID,
	}
}

// LayerIndex returns the position of the layer with the given id.
func (s State) LayerIndex(id string) (int, bool) {
	for i, l := range s.Layers {
		if l.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Change lists what a mutation touched. Upserted shapes must be written with
// their new value, deleted ones removed, and the layer list replaced when Layers is set.
type Change struct {
	Upserted []string
	Deleted  []string
	Layers   bool
}

func (c Change) Empty() bool {
	return len(c.Upserted) == 0 && len(c.Deleted) == 0 && !c.Layers
}

// NewID returns a fresh identifier for a shape or layer.
func NewID() string {
	return uuid.NewString()
}

func (s *State) activeLayer() (int, bool) {
	if i, ok := s.LayerIndex(s.ActiveLayerID); ok {
		return i, true
	}
	if len(s.Layers) > 0 {
		return 0, true
	}
	return -1, false
}

// AddShape inserts shape on top of the active layer, assigning an id when it has none.
func (s *State) AddShape(shape Shape) (string, Change, error) {
	li, ok := s.activeLayer()
	if !ok {
		return "", Change{}, ErrLayerNotFound
	}
	if shape.ID == "" {
		shape.ID = NewID()
	}
	if _, exists := s.Shapes[shape.ID]; exists {
		return "", Change{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidShape, shape.ID)
	}
	shape.LayerID = s.Layers[li].ID
	if err := shape.Validate(); err != nil {
		return "", Change{}, err
	}
	s.Shapes[shape.ID] = shape.Clone()
	s.Layers[li].ShapeIDs = append(s.Layers[li].ShapeIDs, shape.ID)
	return shape.ID, Change{Upserted: []string{shape.ID}, Layers: true}, nil
}

// UpdateShape applies fn to a copy of the shape. The id and layer cannot be
// changed this way; use MoveShapeToLayer for the latter.
func (s *State) UpdateShape(id string, fn func(*Shape)) (Change, error) {
	current, ok := s.Shapes[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrShapeNotFound, id)
	}
	next := current.Clone()
	fn(&next)
	next.ID = current.ID
	next.LayerID = current.LayerID
	if err := next.Validate(); err != nil {
		return Change{}, err
	}
	s.Shapes[id] = next
	return Change{Upserted: []string{id}}, nil
}

// DeleteShapes removes the shapes and their layer references. Unknown ids are ignored.
func (s *State) DeleteShapes(ids ...string) Change {
	var ch Change
	gone := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.Shapes[id]; !ok {
			continue
		}
		delete(s.Shapes, id)
		gone[id] = true
		ch.Deleted = append(ch.Deleted, id)
	}
	if len(gone) == 0 {
		return ch
	}
	for i := range s.Layers {
		s.Layers[i].ShapeIDs = slices.DeleteFunc(s.Layers[i].ShapeIDs, func(id string) bool { return gone[id] })
	}
	ch.Layers = true
	return ch
}

// DuplicateShapes copies the shapes into their own layers, offset slightly, and returns the new ids.
func (s *State) DuplicateShapes(ids ...string) ([]string, Change) {
	var ch Change
	var created []string
	for _, id := range ids {
		src, ok := s.Shapes[id]
		if !ok {
			continue
		}
		li, ok := s.LayerIndex(src.LayerID)
		if !ok {
			continue
		}
		dup := src.Clone()
		dup.ID = NewID()
		dup.X += duplicateOffset
		dup.Y += duplicateOffset
		dup.Name = src.Name + " Copy"
		s.Shapes[dup.ID] = dup
		s.Layers[li].ShapeIDs = append(s.Layers[li].ShapeIDs, dup.ID)
		created = append(created, dup.ID)
		ch.Upserted = append(ch.Upserted, dup.ID)
		ch.Layers = true
	}
	return created, ch
}

// AddLayer appends a new layer and makes it active.
func (s *State) AddLayer(name string) (string, Change) {
	if name == "" {
		name = fmt.Sprintf("Layer %d", len(s.Layers)+1)
	}
	l := Layer{ID: NewID(), Name: name, Visible: true, ShapeIDs: []string{}}
	s.Layers = append(s.Layers, l)
	s.ActiveLayerID = l.ID
	return l.ID, Change{Layers: true}
}

// UpdateLayer applies fn to a copy of the layer; its id and shape list are preserved.
func (s *State) UpdateLayer(id string, fn func(*Layer)) (Change, error) {
	i, ok := s.LayerIndex(id)
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	next := s.Layers[i].Clone()
	fn(&next)
	next.ID = s.Layers[i].ID
	next.ShapeIDs = s.Layers[i].ShapeIDs
	s.Layers[i] = next
	return Change{Layers: true}, nil
}

// DeleteLayer removes the layer together with every shape on it.
func (s *State) DeleteLayer(id string) (Change, error) {
	if len(s.Layers) <= 1 {
		return Change{}, ErrLastLayer
	}
	i, ok := s.LayerIndex(id)
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	ch := Change{Layers: true}
	for _, sid := range s.Layers[i].ShapeIDs {
		if _, ok := s.Shapes[sid]; ok {
			delete(s.Shapes, sid)
			ch.Deleted = append(ch.Deleted, sid)
		}
	}
	s.Layers = slices.Delete(s.Layers, i, i+1)
	if s.ActiveLayerID == id {
		s.ActiveLayerID = s.Layers[0].ID
	}
	return ch, nil
}

// ReorderLayers moves the layer at from to position to.
func (s *State) ReorderLayers(from, to int) (Change, error) {
	if from < 0 || from >= len(s.Layers) || to < 0 || to >= len(s.Layers) {
		return Change{}, fmt.Errorf("%w: move %d to %d of %d layers", ErrOutOfRange, from, to, len(s.Layers))
	}
	if from == to {
		return Change{}, nil
	}
	s.Layers = move(s.Layers, from, to)
	return Change{Layers: true}, nil
}

func (s *State) SetActiveLayer(id string) error {
	if _, ok := s.LayerIndex(id); !ok {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	s.ActiveLayerID = id
	return nil
}

// MoveShapeToLayer re-parents a shape onto the top of another layer.
func (s *State) MoveShapeToLayer(shapeID, layerID string) (Change, error) {
	shape, ok := s.Shapes[shapeID]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrShapeNotFound, shapeID)
	}
	dst, ok := s.LayerIndex(layerID)
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrLayerNotFound, layerID)
	}
	if shape.LayerID == layerID {
		return Change{}, nil
	}
	if src, ok := s.LayerIndex(shape.LayerID); ok {
		s.Layers[src].ShapeIDs = slices.DeleteFunc(s.Layers[src].ShapeIDs, func(id string) bool { return id == shapeID })
	}
	s.Layers[dst].ShapeIDs = append(s.Layers[dst].ShapeIDs, shapeID)
	shape.LayerID = layerID
	s.Shapes[shapeID] = shape
	return Change{Upserted: []string{shapeID}, Layers: true}, nil
}

// ReorderShapeInLayer changes a shape's z-order within its layer.
func (s *State) ReorderShapeInLayer(layerID string, from, to int) (Change, error) {
	i, ok := s.LayerIndex(layerID)
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrLayerNotFound, layerID)
	}
	ids := s.Layers[i].ShapeIDs
	if from < 0 || from >= len(ids) || to < 0 || to >= len(ids) {
		return Change{}, fmt.Errorf("%w: move %d to %d of %d shapes", ErrOutOfRange, from, to, len(ids))
	}
	if from == to {
		return Change{}, nil
	}
	s.Layers[i].ShapeIDs = move(ids, from, to)
	return Change{Layers: true}, nil
}

// Diff returns the change that turns s into target.
func (s State) Diff(target State) Change {
	var ch Change
	for id, shape := range target.Shapes {
		if cur, ok := s.Shapes[id]; !ok || !shapeEqual(cur, shape) {
			ch.Upserted = append(ch.Upserted, id)
		}
	}
	for id := range s.Shapes {
		if _, ok := target.Shapes[id]; !ok {
			ch.Deleted = append(ch.Deleted, id)
		}
	}
	sort.Strings(ch.Upserted)
	sort.Strings(ch.Deleted)
	ch.Layers = !layersEqual(s.Layers, target.Layers)
	return ch
}

func move[T any](in []T, from, to int) []T {
	out := slices.Clone(in)
	item := out[from]
	out = slices.Delete(out, from, from+1)
	return slices.Insert(out, to, item)
}
