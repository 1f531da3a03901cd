package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/astromechza/canvas-sync/pkg/client"
	"github.com/astromechza/canvas-sync/pkg/viz"
)

var renderOutput string

func init() {
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "svg file to write (default a temp file)")
	rootCmd.AddCommand(renderCmd)
}

var renderCmd = &cobra.Command{
	Use:   "render [room]",
	Short: "Render a room's layers and shapes as a graphviz svg",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		state, err := client.FetchSnapshot(ctx, serverURL, args[0])
		if err != nil {
			return err
		}
		path := renderOutput
		if path == "" {
			if path, err = viz.RenderToTemp(args[0], state); err != nil {
				return err
			}
		} else if err := viz.RenderStateToSvg(args[0], state, path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "file://"+path)
		return nil
	},
}
