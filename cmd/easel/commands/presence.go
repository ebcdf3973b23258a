package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/easel/internal/presence"
	"github.com/dyluth/easel/internal/printer"
	"github.com/dyluth/easel/internal/timespec"
	"github.com/dyluth/easel/pkg/board"
)

var presenceSince string

var presenceCmd = &cobra.Command{
	Use:   "presence <board>",
	Short: "Show who is on a board",
	Long: `Show the users whose presence heartbeat has not expired on a board.

Presence is ephemeral: entries vanish when their heartbeat lapses or the
user leaves. --since narrows the list to recently seen users.`,
	Example: `  easel presence b1
  easel presence b1 --since 5s`,
	Args: cobra.ExactArgs(1),
	RunE: runPresence,
}

func init() {
	presenceCmd.Flags().StringVar(&presenceSince, "since", "", "Only users seen at or after this time (duration like 5s or RFC3339)")
	rootCmd.AddCommand(presenceCmd)
}

func runPresence(cmd *cobra.Command, args []string) error {
	now := time.Now()
	sinceMs, _, err := timespec.ParseRange(presenceSince, "", now)
	if err != nil {
		return printer.Error("invalid time range", err.Error(), nil)
	}

	return withClient(func(ctx context.Context, client *board.Client) error {
		all, err := presence.List(ctx, client.Redis(), args[0])
		if err != nil {
			return fmt.Errorf("failed to list presence: %w", err)
		}

		peers := make([]presence.Presence, 0, len(all))
		for _, p := range all {
			if timespec.InRange(p.LastSeenMs, sinceMs, 0) {
				peers = append(peers, p)
			}
		}
		printer.Peers(peers, now)
		return nil
	})
}
