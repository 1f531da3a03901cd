package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/canvas-sync/pkg/logging"
)

var (
	serverURL string
	logLevel  string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "canvasctl",
	Short: "Inspect and exercise canvas-sync session servers",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := logging.Setup(logLevel, "text")
		return err
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:1234", "base url of the session server")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "timeout for requests")
}
