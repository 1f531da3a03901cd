package client

import (
	"fmt"

	"github.com/astromechza/canvas-sync/pkg/canvas"
	"github.com/astromechza/canvas-sync/pkg/doc"
)

// mutate runs fn against a copy of the projection and writes exactly what it
// reports as changed into the replica. The resulting local delta is broadcast
// by the replica observer.
func (c *Client) mutate(fn func(s *canvas.State) (canvas.Change, error)) error {
	c.mu.Lock()
	if c.closing() {
		c.mu.Unlock()
		return ErrClosed
	}
	before := c.state.Clone()
	next := c.state.Clone()
	ch, err := fn(&next)
	if err != nil || ch.Empty() {
		c.mu.Unlock()
		return err
	}
	if err := c.commitLocked(next, ch); err != nil {
		c.mu.Unlock()
		return err
	}
	c.history.Record(before)
	snap := c.state.Clone()
	c.mu.Unlock()
	c.emitState(snap)
	return nil
}

func (c *Client) commitLocked(next canvas.State, ch canvas.Change) error {
	_, err := c.replica.Transact(func(tx *doc.Tx) error {
		for _, id := range ch.Upserted {
			if s, ok := next.Shapes[id]; ok {
				if err := tx.SetShape(s); err != nil {
					return err
				}
			}
		}
		for _, id := range ch.Deleted {
			if err := tx.DeleteShape(id); err != nil {
				return err
			}
		}
		if ch.Layers {
			return tx.ReplaceLayers(next.Layers)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit change: %w", err)
	}
	c.state.ActiveLayerID = next.ActiveLayerID
	c.projectLocked()
	return nil
}

// AddShape places shape on the active layer and returns its id.
func (c *Client) AddShape(shape canvas.Shape) (string, error) {
	var id string
	err := c.mutate(func(s *canvas.State) (canvas.Change, error) {
		var ch canvas.Change
		var err error
		id, ch, err = s.AddShape(shape)
		return ch, err
	})
	return id, err
}

func (c *Client) UpdateShape(id string, fn func(*canvas.Shape)) error {
	return c.mutate(func(s *canvas.State) (canvas.Change, error) {
		return s.UpdateShape(id, fn)
	})
}

// MoveShape sets a shape's position.
func (c *Client) MoveShape(id string, x, y float64) error {
	return c.UpdateShape(id, func(s *canvas.Shape) {
		s.X, s.Y = x, y
	})
}

func (c *Client) DeleteShapes(ids ...string) error {
	return c.mutate(func(s *canvas.State) (canvas.Change, error) {
		return s.DeleteShapes(ids...), nil
	})
}

func (c *Client) DuplicateShapes(ids ...string) ([]string, error) {
	var created []string
	err := c.mutate(func(s *canvas.State) (canvas.Change, error) {
		var ch canvas.Change
		created, ch = s.DuplicateShapes(ids...)
		return ch, nil
	})
	return created, err
}

// AddLayer appends a layer and makes it the active one.
func (c *Client) AddLayer(name string) (string, error) {
	var id string
	err := c.mutate(func(s *canvas.State) (canvas.Change, error) {
		var ch canvas.Change
		id, ch = s.AddLayer(name)
		return ch, nil
	})
	return id, err
}

func (c *Client) UpdateLayer(id string, fn func(*canvas.Layer)) error {
	return c.mutate(func(s *canvas.State) (canvas.Change, error) {
		return s.UpdateLayer(id, fn)
	})
}

func (c *Client) DeleteLayer(id string) error {
	return c.mutate(func(s *canvas.State) (canvas.Change, error) {
		return s.DeleteLayer(id)
	})
}

func (c *Client) ReorderLayers(from, to int) error {
	return c.mutate(func(s *canvas.State) (canvas.Change, error) {
		return s.ReorderLayers(from, to)
	})
}

func (c *Client) MoveShapeToLayer(shapeID, layerID string) error {
	return c.mutate(func(s *canvas.State) (canvas.Change, error) {
		return s.MoveShapeToLayer(shapeID, layerID)
	})
}

func (c *Client) ReorderShapeInLayer(layerID string, from, to int) error {
	return c.mutate(func(s *canvas.State) (canvas.Change, error) {
		return s.ReorderShapeInLayer(layerID, from, to)
	})
}

// SetActiveLayer only changes local editor state; nothing is replicated.
func (c *Client) SetActiveLayer(id string) error {
	c.mu.Lock()
	if c.closing() {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.state.SetActiveLayer(id); err != nil {
		c.mu.Unlock()
		return err
	}
	snap := c.state.Clone()
	c.mu.Unlock()
	c.emitState(snap)
	return nil
}

// Undo restores the canvas as it was before the last local mutation. The
// restore is itself a local write, so it replicates like any other.
func (c *Client) Undo() (bool, error) {
	return c.travel((*canvas.History).Undo)
}

func (c *Client) Redo() (bool, error) {
	return c.travel((*canvas.History).Redo)
}

func (c *Client) CanUndo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.CanUndo()
}

func (c *Client) CanRedo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.CanRedo()
}

func (c *Client) travel(step func(*canvas.History, canvas.State) (canvas.Entry, bool)) (bool, error) {
	c.mu.Lock()
	if c.closing() {
		c.mu.Unlock()
		return false, ErrClosed
	}
	e, ok := step(c.history, c.state.Clone())
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	target := e.Apply(c.state)
	if ch := c.state.Diff(target); !ch.Empty() {
		if err := c.commitLocked(target, ch); err != nil {
			c.mu.Unlock()
			return false, err
		}
	}
	snap := c.state.Clone()
	c.mu.Unlock()
	c.emitState(snap)
	return true, nil
}
