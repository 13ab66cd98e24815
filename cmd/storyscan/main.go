package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/storyscan-io/storyscan/cmd/storyscan/commands"
	"github.com/storyscan-io/storyscan/logger"
)

var rootCmd = &cobra.Command{
	Use:   "storyscan",
	Short: "storyscan - batch story-check scheduler with a rotating proxy pool",
	Long: `storyscan schedules batches of profile story checks through a pool of
rotating proxies. Batches run one at a time from a FIFO queue; checks are
rate limited, retried on transient failures, and routed through the best
performing proxy.

Available commands:
  serve    - Start the storyscan API server and scheduler
  version  - Show build information

Examples:
  storyscan serve                 # Start with storyscan.toml / defaults
  storyscan serve --port 9000     # Override the listen port
  storyscan version --json`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
