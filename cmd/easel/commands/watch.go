package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/easel/internal/printer"
	"github.com/dyluth/easel/internal/watch"
	"github.com/dyluth/easel/pkg/board"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch <board>",
	Short: "Stream a board's raw change feed",
	Long: `Print every committed element change on a board as it happens.

This is the raw feed: nothing is merged and changes missed while
disconnected are not replayed. Use 'easel follow' for a synchronized view.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing`,
	Example: `  easel watch b1
  easel watch b1 --output=json > changes.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	outputFormat, err := watch.ParseOutputFormat(watchOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withClient(func(_ context.Context, client *board.Client) error {
		if err := watch.StreamEvents(ctx, client, args[0], outputFormat, cmd.OutOrStdout()); err != nil {
			return printer.Error("change feed lost", err.Error(), []string{"Run the command again to reconnect"})
		}
		return nil
	})
}
