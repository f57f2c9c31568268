// Package config holds the file- and environment-based configuration of
// treeops. Configuration is loaded from a TOML file first, with environment
// variables taking precedence over file values.
package config

import (
	"fmt"
	"io"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"

	"gitlab.com/treeops/treeops/internal/lockfile"
)

// Cfg is a container for all config derived from config.toml.
type Cfg struct {
	PrometheusListenAddr string  `toml:"prometheus_listen_addr" split_words:"true"`
	Logging              Logging `toml:"logging" envconfig:"logging"`
	Git                  Git     `toml:"git" envconfig:"git"`
	Locking              Locking `toml:"locking" envconfig:"locking"`
}

// Logging contains the logging and error-reporting configuration.
type Logging struct {
	Format    string `toml:"format,omitempty"`
	Level     string `toml:"level,omitempty"`
	SentryDSN string `toml:"sentry_dsn,omitempty" split_words:"true"`
}

// Git contains the settings for invoking the git binary.
type Git struct {
	BinPath string `toml:"bin_path" split_words:"true"`
}

// Locking contains the repository lock tuning knobs.
type Locking struct {
	MaxRetries    int      `toml:"max_retries" split_words:"true"`
	RetryDelay    Duration `toml:"retry_delay" split_words:"true"`
	MaxRetryDelay Duration `toml:"max_retry_delay" split_words:"true"`
	StaleTimeout  Duration `toml:"stale_timeout" split_words:"true"`
}

// Load initializes the Cfg variable from file and the environment.
// Environment variables take precedence over the file.
func Load(file io.Reader) (Cfg, error) {
	var cfg Cfg

	if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return Cfg{}, fmt.Errorf("load toml: %v", err)
	}

	if err := envconfig.Process("treeops", &cfg); err != nil {
		return Cfg{}, fmt.Errorf("envconfig: %v", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

// Validate checks the current Cfg for sanity.
func (cfg *Cfg) Validate() error {
	if cfg.Locking.MaxRetries < 0 {
		return fmt.Errorf("locking.max_retries must not be negative")
	}

	for name, d := range map[string]Duration{
		"locking.retry_delay":     cfg.Locking.RetryDelay,
		"locking.max_retry_delay": cfg.Locking.MaxRetryDelay,
		"locking.stale_timeout":   cfg.Locking.StaleTimeout,
	} {
		if d.Duration() < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if cfg.Locking.MaxRetryDelay.Duration() > 0 && cfg.Locking.RetryDelay.Duration() > cfg.Locking.MaxRetryDelay.Duration() {
		return fmt.Errorf("locking.retry_delay must not exceed locking.max_retry_delay")
	}

	return nil
}

func (cfg *Cfg) setDefaults() {
	if cfg.Git.BinPath == "" {
		cfg.Git.BinPath = "git"
	}
}

// LockingConfig converts the locking section into the lockfile package's
// configuration. Zero values are filled in with the lockfile defaults.
func (cfg *Cfg) LockingConfig() lockfile.Config {
	return lockfile.Config{
		MaxRetries:    cfg.Locking.MaxRetries,
		RetryDelay:    cfg.Locking.RetryDelay.Duration(),
		MaxRetryDelay: cfg.Locking.MaxRetryDelay.Duration(),
		StaleTimeout:  cfg.Locking.StaleTimeout.Duration(),
	}
}

// Duration is a trick to let our TOML library parse durations from strings.
type Duration time.Duration

// Duration converts the value to a standard library duration.
func (d *Duration) Duration() time.Duration {
	return time.Duration(*d)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	td, err := time.ParseDuration(string(text))
	if err == nil {
		*d = Duration(td)
	}
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
