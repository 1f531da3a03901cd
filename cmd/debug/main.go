package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/astromechza/canvas-sync/pkg/doc"
	"github.com/astromechza/canvas-sync/pkg/presence"
	"github.com/astromechza/canvas-sync/pkg/protocol"
)

// debug decodes one captured wire frame, raw or hex encoded, and logs what it carries.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	hexVar := flag.Bool("hex", false, "the input is hex encoded")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	if *hexVar {
		if buff, err = hex.DecodeString(strings.TrimSpace(string(buff))); err != nil {
			return fmt.Errorf("failed to decode hex: %w", err)
		}
	}

	m, err := protocol.Decode(buff)
	if err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	slog.Info("loaded frame", "msg", m, "size", len(buff))

	switch {
	case m.Kind == protocol.KindPresence:
		p := presence.New("")
		if _, err := p.Apply(m.Body); err != nil {
			return fmt.Errorf("failed to decode presence: %w", err)
		}
		for id, state := range p.Peers() {
			u, _ := state.User()
			c, _ := state.Cursor()
			slog.Info("presence", "client", id, "user", u.Name, "color", u.Color, "x", c.X, "y", c.Y)
		}
	case m.Phase == protocol.PhaseStateVector:
		sv, err := doc.UnmarshalStateVector(m.Body)
		if err != nil {
			return fmt.Errorf("failed to decode state vector: %w", err)
		}
		for replica, counter := range sv {
			slog.Info("seen", "replica", replica, "counter", counter)
		}
	default:
		delta, err := doc.UnmarshalDelta(m.Body)
		if err != nil {
			return fmt.Errorf("failed to decode delta: %w", err)
		}
		for i, op := range delta.Ops {
			args := []any{"i", fmt.Sprintf("%4d", i), "kind", op.Kind, "key", op.Key, "clock", op.Clock}
			if op.Shape != nil {
				args = append(args, "type", op.Shape.Type, "layer", op.Shape.LayerID, "x", op.Shape.X, "y", op.Shape.Y)
			}
			if op.Layers != nil {
				args = append(args, "layers", len(op.Layers))
			}
			slog.Info("op", args...)
		}
	}
	return nil
}
