package cmd

import (
	"context"
	"log/slog"
	"maps"
	"math/rand/v2"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/astromechza/canvas-sync/pkg/canvas"
	"github.com/astromechza/canvas-sync/pkg/client"
)

var (
	botCreate bool
	botName   string
	botEvery  time.Duration
)

func init() {
	botCmd.Flags().BoolVar(&botCreate, "create", false, "create the room if it does not exist")
	botCmd.Flags().StringVar(&botName, "name", "Bot", "display name")
	botCmd.Flags().DurationVar(&botEvery, "every", time.Second, "minimum delay between edits")
	rootCmd.AddCommand(botCmd)
}

var botCmd = &cobra.Command{
	Use:   "bot [room]",
	Short: "Join a room and make random edits until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) > 0 {
			name = args[0]
		}
		joinCtx, cancelJoin := context.WithTimeout(cmd.Context(), timeout)
		c, err := client.Join(joinCtx, client.Options{BaseURL: serverURL, Room: name, Create: botCreate, Name: botName})
		cancelJoin()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go func() {
			exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
			signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-exit:
				slog.Info("Signal caught", "sig", sig)
				cancel()
			case <-c.Done():
				cancel()
			}
		}()

		editRandomlyContinuously(ctx, c)

		state := c.State()
		if err := c.Err(); err != nil {
			slog.Warn("connection ended", "err", err)
		}
		_ = c.Leave()
		slog.Info("left", "room", c.Room(), "shapes", humanize.Comma(int64(len(state.Shapes))), "layers", len(state.Layers))
		return nil
	},
}

func editRandomlyContinuously(ctx context.Context, c *client.Client) {
	for {
		t := time.NewTimer(botEvery + time.Duration(rand.IntN(4))*botEvery)
		select {
		case <-t.C:
			if err := editRandomly(c); err != nil {
				slog.Error("failed to edit", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}

func editRandomly(c *client.Client) error {
	x, y := rand.Float64()*800, rand.Float64()*600
	if err := c.UpdateCursor(x, y); err != nil {
		return err
	}
	state := c.State()
	ids := slices.Sorted(maps.Keys(state.Shapes))
	switch {
	case len(ids) == 0 || rand.IntN(3) == 0:
		shape := canvas.NewRectangle(x, y, 20+rand.Float64()*80, 20+rand.Float64()*80)
		if rand.IntN(2) == 0 {
			shape = canvas.NewCircle(x, y, 10+rand.Float64()*40, 10+rand.Float64()*40)
		}
		id, err := c.AddShape(shape)
		if err != nil {
			return err
		}
		slog.Info("added", "shape", id, "type", shape.Type)
	default:
		id := ids[rand.IntN(len(ids))]
		if err := c.MoveShape(id, x, y); err != nil {
			return err
		}
		slog.Info("moved", "shape", id, "x", int(x), "y", int(y))
	}
	return nil
}
