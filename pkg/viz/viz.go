// Package viz draws the structure of a canvas as a graphviz graph: the room,
// its layers in stacking order and the shapes each layer holds.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/canvas-sync/pkg/canvas"
)

func layerLabel(l canvas.Layer) string {
	var flags []string
	if !l.Visible {
		flags = append(flags, "hidden")
	}
	if l.Locked {
		flags = append(flags, "locked")
	}
	label := fmt.Sprintf("%s (%d)", l.Name, len(l.ShapeIDs))
	if len(flags) > 0 {
		label += " [" + strings.Join(flags, ",") + "]"
	}
	return label
}

func shapeLabel(s canvas.Shape) string {
	w, h := s.Size()
	return fmt.Sprintf("%s %s\n%.0f,%.0f %.0fx%.0f", s.Type, s.Name, s.X, s.Y, w, h)
}

// RenderState writes an SVG of the layer and shape tree of s to w.
func RenderState(w io.Writer, room string, s canvas.State) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	root, err := graph.CreateNode("room")
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	root.SetLabel("room " + room)
	root.SetShape(cgraph.DoubleCircleShape)

	var edgeCounter uint64
	link := func(from, to *cgraph.Node) error {
		if _, err := graph.CreateEdge(strconv.FormatUint(atomic.AddUint64(&edgeCounter, 1), 10), from, to); err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
		return nil
	}

	for _, l := range s.Layers {
		ln, err := graph.CreateNode("layer/" + l.ID)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		ln.SetLabel(layerLabel(l))
		ln.SetShape(cgraph.BoxShape)
		if l.ID == s.ActiveLayerID {
			ln.SetColor("blue")
		}
		if err := link(root, ln); err != nil {
			return err
		}
		for _, id := range l.ShapeIDs {
			shape, ok := s.Shapes[id]
			if !ok {
				continue
			}
			sn, err := graph.CreateNode("shape/" + id)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			sn.SetLabel(shapeLabel(shape))
			if !shape.Visible {
				sn.SetColor("gray")
			}
			if err := link(ln, sn); err != nil {
				return err
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	_, err = w.Write(buff.Bytes())
	return err
}

func RenderStateToSvg(room string, s canvas.State, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderState(&buff, room, s); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// RenderToTemp renders into a fresh file in the temp dir and returns its path.
func RenderToTemp(room string, s canvas.State) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d%d.svg", sanitize(room), time.Now().UnixNano(), rand.Int()))
	if err := RenderStateToSvg(room, s, tf); err != nil {
		return "", err
	}
	return tf, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
