package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Arena    ArenaConfig    `mapstructure:"arena"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Poll     PollConfig     `mapstructure:"poll"`
	Presence PresenceConfig `mapstructure:"presence"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// ArenaConfig points at the remote session engine.
type ArenaConfig struct {
	BaseURL string        `mapstructure:"base_url"` // REST endpoints (active sessions, session start)
	WSURL   string        `mapstructure:"ws_url"`   // streaming endpoint base, e.g. "wss://host/ws"
	Timeout time.Duration `mapstructure:"timeout"`
}

// StreamConfig controls the connection multiplexer.
type StreamConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReconnectMin     time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
}

// PollConfig controls the active-session polling aggregator.
type PollConfig struct {
	Interval       time.Duration `mapstructure:"interval"`        // default 15s
	CoalesceWindow time.Duration `mapstructure:"coalesce_window"` // default 2s
}

// PresenceConfig holds auto-dismiss durations for transient presence modes.
type PresenceConfig struct {
	NarratorDismiss    time.Duration `mapstructure:"narrator_dismiss"`
	TradeDismiss       time.Duration `mapstructure:"trade_dismiss"`
	AlphaDismiss       time.Duration `mapstructure:"alpha_dismiss"`
	CelebrationDismiss time.Duration `mapstructure:"celebration_dismiss"`
	IdleGrace          time.Duration `mapstructure:"idle_grace"`
}

// AuthConfig describes where the bearer token comes from. When ParameterName
// is set the token is read from AWS SSM Parameter Store (decrypted), otherwise
// from the environment variable named by EnvVar.
type AuthConfig struct {
	ParameterName string `mapstructure:"parameter_name"`
	EnvVar        string `mapstructure:"env_var"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	// Support environment variables with dot notation (e.g., ARENA_WS_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}
	cfg.ApplyDefaults()

	return &cfg
}

// ApplyDefaults fills in zero-valued fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Arena.Timeout == 0 {
		c.Arena.Timeout = 10 * time.Second
	}
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = 10 * time.Second
	}
	if c.Stream.ReconnectMin == 0 {
		c.Stream.ReconnectMin = 1 * time.Second
	}
	if c.Stream.ReconnectMax == 0 {
		c.Stream.ReconnectMax = 30 * time.Second
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = 15 * time.Second
	}
	if c.Poll.CoalesceWindow == 0 {
		c.Poll.CoalesceWindow = 2 * time.Second
	}
	if c.Presence.NarratorDismiss == 0 {
		c.Presence.NarratorDismiss = 4 * time.Second
	}
	if c.Presence.TradeDismiss == 0 {
		c.Presence.TradeDismiss = 6 * time.Second
	}
	if c.Presence.AlphaDismiss == 0 {
		c.Presence.AlphaDismiss = 6 * time.Second
	}
	if c.Presence.CelebrationDismiss == 0 {
		c.Presence.CelebrationDismiss = 5 * time.Second
	}
	if c.Presence.IdleGrace == 0 {
		c.Presence.IdleGrace = 300 * time.Millisecond
	}
	if c.Auth.EnvVar == "" {
		c.Auth.EnvVar = "ARENA_TOKEN"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9108"
	}
}
