package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/astromechza/canvas-sync/pkg/discovery"
)

func init() {
	rootCmd.AddCommand(discoverCmd)
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find session servers advertised on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := discovery.Browse(cmd.Context(), timeout)
		if err != nil {
			return err
		}
		if len(services) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "no servers found")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INSTANCE\tURL\tHOST")
		for _, s := range services {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Instance, s.BaseURL(), s.Host)
		}
		return w.Flush()
	},
}
