package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dyluth/easel/internal/config"
	"github.com/dyluth/easel/internal/feed"
	"github.com/dyluth/easel/internal/health"
	"github.com/dyluth/easel/internal/metrics"
	"github.com/dyluth/easel/internal/printer"
	"github.com/dyluth/easel/internal/session"
	"github.com/dyluth/easel/internal/watch"
	"github.com/dyluth/easel/pkg/board"
)

var (
	followNoHealth bool
	followRefresh  time.Duration
)

var followCmd = &cobra.Command{
	Use:   "follow <board>",
	Short: "Keep a synchronized copy of a board",
	Long: `Open a sync session on a board and print its elements whenever they change.

The session loads a snapshot, applies the change feed, reconnects with
backoff, and resynchronizes after every reconnect. Dropped conflicting
updates and feed state changes are reported as they happen.

While following, /healthz and /metrics are served on health.addr.`,
	Example: `  easel follow b1 --user alice
  easel follow b1 --no-health`,
	Args: cobra.ExactArgs(1),
	RunE: runFollow,
}

func init() {
	followCmd.Flags().BoolVar(&followNoHealth, "no-health", false, "Do not serve /healthz and /metrics")
	followCmd.Flags().DurationVar(&followRefresh, "refresh", time.Second, "How often to check for changes to print")
	rootCmd.AddCommand(followCmd)
}

func runFollow(cmd *cobra.Command, args []string) error {
	boardID := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	who, err := author(cfg)
	if err != nil {
		return err
	}
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	s, err := session.New(client, sessionOptions(cfg, who, metrics.New(reg)))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer s.Close()

	if !followNoHealth {
		srv := health.NewServer(cfg.Health.Addr, s, reg, nil)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := s.Open(ctx, boardID); err != nil {
		return writeError("open board", err)
	}

	ticker := time.NewTicker(followRefresh)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.FeedState() != feed.StateConnected {
				continue
			}
			elements := s.Store().Elements()
			if fp := fingerprint(elements); fp != last {
				last = fp
				printer.Step("%s: %d elements\n", boardID, len(elements))
				watch.WriteTable(cmd.OutOrStdout(), elements)
				printer.Peers(s.Peers(time.Now()), time.Now())
			}
		}
	}
}

func sessionOptions(cfg *config.EaselConfig, who board.Author, m *metrics.Metrics) session.Options {
	return session.Options{
		Author:             who,
		MaxRetries:         cfg.Feed.MaxRetries,
		InitialBackoff:     cfg.Feed.InitialBackoff,
		MaxBackoff:         cfg.Feed.MaxBackoff,
		OnFeedState:        printer.FeedState,
		StrictBaseVersion:  cfg.Store.StrictBaseVersion,
		ConflictHistory:    cfg.Store.ConflictHistory,
		OnConflict:         printer.Conflict,
		PresenceInterval:   cfg.Presence.Interval,
		PresenceStaleAfter: cfg.Presence.StaleAfter,
		PresenceColor:      cfg.Presence.Color,
		PresenceMaxRate:    cfg.Presence.MaxRate,
		Metrics:            m,
	}
}

// fingerprint identifies a store snapshot by element ids and versions.
func fingerprint(elements []*board.Element) string {
	fp := make([]byte, 0, len(elements)*40)
	for _, e := range elements {
		fp = fmt.Appendf(fp, "%s@%d;", e.ID, e.Version)
	}
	return string(fp)
}
