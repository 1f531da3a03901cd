package canvas

import (
	"reflect"
	"sort"
)

// Normalize builds a State from a shape map and layer list that may have been
// merged from concurrent writers, restoring the layer invariants:
//
//   - at least one layer exists (the default layer when none do)
//   - layers reference only existing shapes, each exactly once
//   - every shape is referenced by the layer it names, or by the first layer
//     when that layer does not exist
//
// The result depends only on its inputs, so replicas holding the same merged
// state project the same canvas. The inputs are not modified.
func Normalize(shapes map[string]Shape, layers []Layer) State {
	out := State{
		Shapes: make(map[string]Shape, len(shapes)),
		Layers: make([]Layer, 0, max(len(layers), 1)),
	}

	seenLayer := make(map[string]bool, len(layers))
	for _, l := range layers {
		if l.ID == "" || seenLayer[l.ID] {
			continue
		}
		seenLayer[l.ID] = true
		l = l.Clone()
		l.ShapeIDs = l.ShapeIDs[:0]
		out.Layers = append(out.Layers, l)
	}
	if len(out.Layers) == 0 {
		out.Layers = append(out.Layers, DefaultLayer())
	}

	index := make(map[string]int, len(out.Layers))
	for i, l := range out.Layers {
		index[l.ID] = i
	}

	// Resolve each shape's home layer first so dangling references in other
	// layers are dropped rather than winning by position.
	for id, s := range shapes {
		s = s.Clone()
		if _, ok := index[s.LayerID]; !ok {
			s.LayerID = out.Layers[0].ID
		}
		out.Shapes[id] = s
	}

	placed := make(map[string]bool, len(shapes))
	for _, l := range layers {
		i, ok := index[l.ID]
		if !ok {
			continue
		}
		for _, sid := range l.ShapeIDs {
			s, ok := out.Shapes[sid]
			if !ok || placed[sid] || s.LayerID != l.ID {
				continue
			}
			placed[sid] = true
			out.Layers[i].ShapeIDs = append(out.Layers[i].ShapeIDs, sid)
		}
	}

	orphans := make([]string, 0)
	for id := range out.Shapes {
		if !placed[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		i := index[out.Shapes[id].LayerID]
		out.Layers[i].ShapeIDs = append(out.Layers[i].ShapeIDs, id)
	}

	out.ActiveLayerID = out.Layers[0].ID
	return out
}

// Check reports whether the state satisfies the layer invariants Normalize restores.
func (s State) Check() bool {
	if len(s.Layers) == 0 {
		return false
	}
	owner := make(map[string]string, len(s.Shapes))
	for _, l := range s.Layers {
		for _, sid := range l.ShapeIDs {
			if _, dup := owner[sid]; dup {
				return false
			}
			owner[sid] = l.ID
		}
	}
	if len(owner) != len(s.Shapes) {
		return false
	}
	for id, shape := range s.Shapes {
		if owner[id] != shape.LayerID {
			return false
		}
	}
	return true
}

func shapeEqual(a, b Shape) bool {
	return reflect.DeepEqual(a, b)
}

func layersEqual(a, b []Layer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Name != b[i].Name || a[i].Visible != b[i].Visible || a[i].Locked != b[i].Locked {
			return false
		}
		if len(a[i].ShapeIDs) != len(b[i].ShapeIDs) {
			return false
		}
		for j := range a[i].ShapeIDs {
			if a[i].ShapeIDs[j] != b[i].ShapeIDs[j] {
				return false
			}
		}
	}
	return true
}
