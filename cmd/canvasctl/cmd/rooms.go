package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/astromechza/canvas-sync/pkg/client"
)

func init() {
	rootCmd.AddCommand(roomsCmd, existsCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the live rooms on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		rooms, err := client.ListRooms(ctx, serverURL)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			fmt.Fprintln(cmd.OutOrStdout(), r)
		}
		return nil
	},
}

var existsCmd = &cobra.Command{
	Use:   "exists [room]",
	Short: "Check whether a room is live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		ok, err := client.RoomExists(ctx, serverURL, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ok)
		if !ok {
			return fmt.Errorf("room %q: %w", args[0], client.ErrRoomNotFound)
		}
		return nil
	},
}
