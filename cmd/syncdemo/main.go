package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/canvas-sync/pkg/canvas"
	"github.com/astromechza/canvas-sync/pkg/doc"
	"github.com/astromechza/canvas-sync/pkg/protocol"
)

// Two replicas edit the same shape while disconnected, then run the sync
// handshake against each other and converge.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	left, right := doc.New("left"), doc.New("right")

	// lets start by getting both empty documents in sync
	if err := sync(left, right); err != nil {
		return err
	}
	slog.Info("state vectors", "left", left.StateVector(), "right", right.StateVector())

	shape := canvas.NewRectangle(10, 10, 50, 50)
	shape.ID, shape.LayerID = "box", canvas.DefaultLayerID
	if _, err := left.SetShape(shape); err != nil {
		return err
	}
	if err := sync(left, right); err != nil {
		return err
	}
	logShape("after first sync", left, right)

	// concurrent edits: the same counter on both sides, so the replica id breaks the tie
	shape.X = 100
	if _, err := left.SetShape(shape); err != nil {
		return err
	}
	shape.X = 200
	if _, err := right.SetShape(shape); err != nil {
		return err
	}
	logShape("diverged", left, right)

	if err := sync(left, right); err != nil {
		return err
	}
	logShape("converged", left, right)

	if _, err := right.DeleteShape("box"); err != nil {
		return err
	}
	if err := sync(left, right); err != nil {
		return err
	}
	live, tombstones := left.Stats()
	slog.Info("after delete", "live", live, "tombstones", tombstones, "left", len(left.Shapes()), "right", len(right.Shapes()))
	return nil
}

func logShape(msg string, docs ...*doc.Document) {
	args := make([]any, 0, len(docs)*2)
	for _, d := range docs {
		s, ok := d.Shape("box")
		args = append(args, string(d.Replica()), fmt.Sprintf("present=%v x=%v", ok, s.X))
	}
	slog.Info(msg, args...)
}

// sync runs the handshake in both directions until neither side has anything left to send.
func sync(a, b *doc.Document) error {
	hadMessages := true
	for hadMessages {
		hadMessages = false
		for _, pair := range [][2]*doc.Document{{a, b}, {b, a}} {
			from, to := pair[0], pair[1]
			m, err := protocol.Decode(protocol.StateVector(to.StateVector()))
			if err != nil {
				return err
			}
			reply, _, err := protocol.Reply(from, m, doc.Remote(to.Replica()))
			if err != nil {
				return err
			}
			m, err = protocol.Decode(reply)
			if err != nil {
				return err
			}
			_, effective, err := protocol.Reply(to, m, doc.Remote(from.Replica()))
			if err != nil {
				return err
			}
			if !effective.Empty() {
				slog.Info("synced", "from", from.Replica(), "to", to.Replica(), "ops", len(effective.Ops))
				hadMessages = true
			}
		}
	}
	return nil
}
