package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/telemetry"
	sshtransport "github.com/remoteman/remoteman/pkg/transports/ssh"
)

// Config is the agent configuration file.
type Config struct {
	Agent   AgentConfig             `toml:"agent"`
	Logging telemetry.LoggingConfig `toml:"logging"`
	Tracing telemetry.TracingConfig `toml:"tracing"`
	Metrics telemetry.MetricsConfig `toml:"metrics"`
	History HistoryConfig           `toml:"history"`
	Redis   RedisConfig             `toml:"redis"`
	SFTP    SFTPConfig              `toml:"sftp"`
}

// AgentConfig controls cycles and the polling loop.
type AgentConfig struct {
	// Spec is the RemoteSpec path used when none is given on the command line.
	Spec string `toml:"spec"`

	Interval time.Duration `toml:"interval" validate:"gte=0"`
	Schedule string        `toml:"schedule"`

	Parallelism  int           `toml:"parallelism" validate:"gte=0,lte=256"`
	FetchTimeout time.Duration `toml:"fetch_timeout" validate:"gte=0"`

	OverrideHost     string        `toml:"override_host"`
	HandlerDirectory string        `toml:"handler_directory"`
	HandlerTimeout   time.Duration `toml:"handler_timeout" validate:"gte=0"`
	PolicyDir        string        `toml:"policy_dir"`

	// NoCommit runs every cycle in dry-run mode.
	NoCommit bool `toml:"no_commit"`

	// Format is the output format for cycle reports: pprint, json or yaml.
	Format string `toml:"format" validate:"omitempty,oneof=pprint json yaml"`

	// Watch triggers an early cycle when local job files change.
	Watch bool `toml:"watch"`
}

// HistoryConfig configures the SQLite cycle history.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path" validate:"required_if=Enabled true"`
	Retain  int    `toml:"retain" validate:"gte=0"`
}

// RedisConfig configures the redis result publisher.
type RedisConfig struct {
	Enabled   bool          `toml:"enabled"`
	Addr      string        `toml:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
	Password  string        `toml:"password"`
	DB        int           `toml:"db" validate:"gte=0"`
	KeyPrefix string        `toml:"key_prefix"`
	Channel   string        `toml:"channel"`
	TTL       time.Duration `toml:"ttl" validate:"gte=0"`
}

// SFTPConfig enables sftp:// content sources for the file handler. The embedded
// SSH settings are the defaults for every sftp URL; the URL supplies host, port
// and optionally user.
type SFTPConfig struct {
	Enabled bool `toml:"enabled"`
	sshtransport.Config
}

var validate = validator.New()

// Default returns the built-in configuration.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	ssh := sshtransport.DefaultConfig("", os.Getenv("USER"))

	return &Config{
		Agent: AgentConfig{
			Interval:     60 * time.Second,
			Parallelism:  1,
			FetchTimeout: engine.DefaultFetchTimeout,
			Format:       "pprint",
		},
		Logging: tel.Logging,
		Tracing: tel.Tracing,
		Metrics: tel.Metrics,
		History: HistoryConfig{
			Path:   "/var/lib/remoteman/history.db",
			Retain: 1000,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "remoteman:",
			Channel:   "remoteman:results",
		},
		SFTP: SFTPConfig{Config: *ssh},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if err := c.Telemetry("dev").Validate(); err != nil {
		return err
	}
	if c.SFTP.Enabled && c.SFTP.AuthMethod == sshtransport.AuthMethodKey && c.SFTP.PrivateKeyPath == "" {
		return fmt.Errorf("sftp: private_key is required for key authentication")
	}
	return nil
}

// Telemetry returns the telemetry configuration for the given build version.
func (c *Config) Telemetry(version string) *telemetry.Config {
	return &telemetry.Config{
		ServiceName:    "remoteman",
		ServiceVersion: version,
		Logging:        c.Logging,
		Tracing:        c.Tracing,
		Metrics:        c.Metrics,
	}
}

// RunOptions builds the per-cycle options from the agent section.
func (c *Config) RunOptions() engine.RunOptions {
	return engine.RunOptions{
		Commit:           !c.Agent.NoCommit,
		Verbose:          c.Logging.Level == "debug" || c.Logging.Level == "trace",
		OverrideHost:     c.Agent.OverrideHost,
		HandlerDirectory: c.Agent.HandlerDirectory,
		FetchTimeout:     c.Agent.FetchTimeout,
		Parallelism:      c.Agent.Parallelism,
	}
}
