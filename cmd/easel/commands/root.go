package commands

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/easel/internal/config"
	"github.com/dyluth/easel/internal/printer"
	"github.com/dyluth/easel/pkg/board"
)

var (
	version string
	commit  string
	date    string

	configPath string
	redisURL   string
	userID     string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "easel",
	Short: "Easel - real-time whiteboard sync",
	Long: `Easel keeps whiteboard elements in sync between collaborators.

Every element lives in Redis; each write bumps its version and is published
on the board's change feed. Clients follow the feed, merge changes into a
local store, and resynchronize from a snapshot after reconnecting.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetOutput(os.Stderr)
		} else {
			log.SetOutput(io.Discard)
		}
	},
}

// Execute runs the root command. Cobra's own error and usage printing is
// silenced; failures are reported through the printer package.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to easel.yml")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL (overrides config and "+config.EnvRedisURL+")")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "User to act as (overrides config and "+config.EnvUserID+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log sync internals to stderr")
}

// loadConfig loads configuration and applies the global flag overrides.
func loadConfig() (*config.EaselConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{fmt.Sprintf("Check %s, or remove it to use defaults", configPath)},
		)
	}
	if redisURL != "" {
		cfg.Redis.URL = redisURL
		if err := cfg.Validate(); err != nil {
			return nil, printer.Error("invalid --redis-url", err.Error(), nil)
		}
	}
	if userID != "" {
		cfg.Session.UserID = userID
	}
	return cfg, nil
}

// author returns the configured identity, failing when no user is set.
func author(cfg *config.EaselConfig) (board.Author, error) {
	if err := cfg.RequireUser(); err != nil {
		return board.Author{}, printer.Error(
			"no user configured",
			err.Error(),
			[]string{"Pass --user <id>", fmt.Sprintf("Export %s", config.EnvUserID)},
		)
	}
	if cfg.Session.Pinned {
		printer.Warning("session id %s is set explicitly; another process using it will not see this one's changes", cfg.Session.SessionID)
	}
	return board.Author{UserID: cfg.Session.UserID, SessionID: cfg.Session.SessionID}, nil
}

// connect opens a board client and checks Redis is reachable.
func connect(ctx context.Context, cfg *config.EaselConfig) (*board.Client, error) {
	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}

	client, err := board.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create board client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis: %v", err),
			map[string]string{"Redis": cfg.Redis.URL},
			[]string{
				"Check Redis is running",
				fmt.Sprintf("Point easel at it with --redis-url or %s", config.EnvRedisURL),
			},
		)
	}
	return client, nil
}

// writeError turns store errors into printed, user-facing errors.
func writeError(action string, err error) error {
	switch {
	case board.IsUnauthorized(err):
		return printer.Error(
			fmt.Sprintf("cannot %s: not allowed", action),
			err.Error(),
			[]string{"Ask a board owner to grant you editor access:\n  easel member grant <board> <user> --role editor"},
		)
	case board.IsNotFound(err):
		return printer.Error(fmt.Sprintf("cannot %s: not found", action), err.Error(), nil)
	case err != nil:
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	return nil
}
