package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for configuration when --config is not given.
const DefaultPath = "easel.yml"

// Environment variables that override the file.
const (
	EnvRedisURL  = "EASEL_REDIS_URL"
	EnvUserID    = "EASEL_USER_ID"
	EnvSessionID = "EASEL_SESSION_ID"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// EaselConfig represents the top-level easel.yml configuration
type EaselConfig struct {
	Version  string         `yaml:"version"`
	Redis    RedisConfig    `yaml:"redis"`
	Session  SessionConfig  `yaml:"session"`
	Feed     FeedConfig     `yaml:"feed"`
	Presence PresenceConfig `yaml:"presence"`
	Store    StoreConfig    `yaml:"store"`
	Health   HealthConfig   `yaml:"health"`
}

// RedisConfig locates the durable store
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SessionConfig identifies this client. SessionID is generated when empty so
// two tabs of one user never share an id. Two processes configured with the
// same SessionID treat each other's writes as their own echoes and stop
// syncing, so Pinned records that the id was set explicitly.
type SessionConfig struct {
	UserID    string `yaml:"user_id"`
	SessionID string `yaml:"session_id,omitempty"`
	Pinned    bool   `yaml:"-"`
}

// FeedConfig controls change-feed reconnection
type FeedConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// PresenceConfig controls cursor broadcasting
type PresenceConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Color      string        `yaml:"color,omitempty"`
	MaxRate    float64       `yaml:"max_rate"` // cursor publishes per second
}

// StoreConfig controls the element store's merge behavior
type StoreConfig struct {
	StrictBaseVersion bool `yaml:"strict_base_version"`
	ConflictHistory   *int `yaml:"conflict_history,omitempty"` // 0 disables history, default 64
}

// HealthConfig controls the health/metrics listener
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied except the
// user id, which has none.
func Default() *EaselConfig {
	c := &EaselConfig{Version: "1.0"}
	c.applyDefaults()
	return c
}

func (c *EaselConfig) applyDefaults() {
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Feed.MaxRetries == 0 {
		c.Feed.MaxRetries = 8
	}
	if c.Feed.InitialBackoff == 0 {
		c.Feed.InitialBackoff = 250 * time.Millisecond
	}
	if c.Feed.MaxBackoff == 0 {
		c.Feed.MaxBackoff = 10 * time.Second
	}
	if c.Presence.Interval == 0 {
		c.Presence.Interval = 10 * time.Second
	}
	if c.Presence.StaleAfter == 0 {
		c.Presence.StaleAfter = 30 * time.Second
	}
	if c.Presence.Color == "" {
		c.Presence.Color = "#ff6b6b"
	}
	if c.Presence.MaxRate == 0 {
		c.Presence.MaxRate = 20
	}
	if c.Store.ConflictHistory == nil {
		defaultHistory := 64
		c.Store.ConflictHistory = &defaultHistory
	}
	if c.Health.Addr == "" {
		c.Health.Addr = ":8080"
	}
}

// ApplyEnv overrides file values with EASEL_* environment variables.
func (c *EaselConfig) ApplyEnv() {
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv(EnvUserID); v != "" {
		c.Session.UserID = v
	}
	if v := os.Getenv(EnvSessionID); v != "" {
		c.Session.SessionID = v
	}
}

// Validate applies defaults and performs strict validation on the configuration
func (c *EaselConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	c.applyDefaults()

	if _, err := redis.ParseURL(c.Redis.URL); err != nil {
		return fmt.Errorf("redis.url is invalid: %w", err)
	}

	if c.Session.SessionID == "" {
		c.Session.SessionID = ulid.Make().String()
	}

	if c.Feed.MaxRetries < 1 {
		return fmt.Errorf("feed.max_retries must be >= 1, got %d", c.Feed.MaxRetries)
	}
	if c.Feed.InitialBackoff < 0 || c.Feed.MaxBackoff < 0 {
		return fmt.Errorf("feed backoff durations must be positive")
	}
	if c.Feed.MaxBackoff < c.Feed.InitialBackoff {
		return fmt.Errorf("feed.max_backoff (%s) must be >= feed.initial_backoff (%s)", c.Feed.MaxBackoff, c.Feed.InitialBackoff)
	}

	if c.Presence.Interval < 0 || c.Presence.StaleAfter < 0 {
		return fmt.Errorf("presence durations must be positive")
	}
	// A heartbeat must land before peers consider us gone
	if c.Presence.StaleAfter <= c.Presence.Interval {
		return fmt.Errorf("presence.stale_after (%s) must be greater than presence.interval (%s)", c.Presence.StaleAfter, c.Presence.Interval)
	}
	if !colorPattern.MatchString(c.Presence.Color) {
		return fmt.Errorf("presence.color must be a #rrggbb hex color, got %q", c.Presence.Color)
	}
	if c.Presence.MaxRate < 0 {
		return fmt.Errorf("presence.max_rate must be >= 0, got %v", c.Presence.MaxRate)
	}

	if *c.Store.ConflictHistory < 0 {
		return fmt.Errorf("store.conflict_history must be >= 0, got %d", *c.Store.ConflictHistory)
	}

	return nil
}

// RequireUser checks that a user id is configured, for commands that write.
func (c *EaselConfig) RequireUser() error {
	if c.Session.UserID == "" {
		return fmt.Errorf("session.user_id is required (set it in %s, with --user, or %s)", DefaultPath, EnvUserID)
	}
	return nil
}

// RedisOptions parses the configured Redis URL.
func (c *EaselConfig) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return opts, nil
}

// Load reads easel.yml from path, applies a .env file from the working
// directory (if any) and EASEL_* overrides, then validates. A missing file at
// DefaultPath is not an error: defaults are used instead.
func Load(path string) (*EaselConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := &EaselConfig{Version: "1.0"}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		config = &EaselConfig{}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config.ApplyEnv()
	config.Session.Pinned = config.Session.SessionID != ""

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}
