package canvas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryUndoRedo(t *testing.T) {
	h := NewHistory(0)
	s := NewState()
	assert.False(t, h.CanUndo())

	h.Record(s)
	id, _, err := s.AddShape(NewRectangle(0, 0, 1, 1))
	require.NoError(t, err)

	e, ok := h.Undo(s)
	require.True(t, ok)
	undone := e.Apply(s)
	assert.Empty(t, undone.Shapes)
	assert.True(t, h.CanRedo())

	e, ok = h.Redo(undone)
	require.True(t, ok)
	redone := e.Apply(undone)
	assert.Contains(t, redone.Shapes, id)
	assert.False(t, h.CanRedo())
	assert.True(t, h.CanUndo())

	_, ok = h.Redo(redone)
	assert.False(t, ok)
}

func TestHistoryRecordClearsRedo(t *testing.T) {
	h := NewHistory(10)
	s := NewState()
	h.Record(s)
	_, ok := h.Undo(s)
	require.True(t, ok)
	require.True(t, h.CanRedo())
	h.Record(s)
	assert.False(t, h.CanRedo())
}

func TestHistoryLimit(t *testing.T) {
	h := NewHistory(3)
	s := NewState()
	for i := 0; i < 5; i++ {
		h.Record(s)
	}
	n := 0
	for h.CanUndo() {
		_, _ = h.Undo(s)
		n++
	}
	assert.Equal(t, 3, n)
	h.Clear()
	assert.False(t, h.CanRedo())
}

func TestEntryApplyKeepsActiveLayerWhenPresent(t *testing.T) {
	s := NewState()
	l2, _ := s.AddLayer("Two")
	e := snapshot(s, time.Time{})
	cur := s.Clone()
	cur.ActiveLayerID = l2
	assert.Equal(t, l2, e.Apply(cur).ActiveLayerID)

	cur.ActiveLayerID = "vanished"
	assert.Equal(t, DefaultLayerID, e.Apply(cur).ActiveLayerID)
}
