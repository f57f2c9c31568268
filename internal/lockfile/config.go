package lockfile

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// backoffFactor is the multiplicative growth applied to the retry delay
// after each contended attempt.
const backoffFactor = 1.5

// Config holds the tuning knobs of the lock acquisition loop. The zero
// value is usable; ApplyDefaults fills in the documented defaults.
type Config struct {
	// TREEOPS_LOCKING_MAX_RETRIES
	MaxRetries int `toml:"max_retries" split_words:"true" default:"100"`
	// TREEOPS_LOCKING_RETRY_DELAY
	RetryDelay time.Duration `toml:"retry_delay" split_words:"true" default:"50ms"`
	// TREEOPS_LOCKING_MAX_RETRY_DELAY
	MaxRetryDelay time.Duration `toml:"max_retry_delay" split_words:"true" default:"2s"`
	// TREEOPS_LOCKING_STALE_TIMEOUT is the age beyond which a lock file is
	// considered abandoned and eligible for reclamation. Locked operations
	// must stay well below this or risk losing the lock mid-flight.
	StaleTimeout time.Duration `toml:"stale_timeout" split_words:"true" default:"30s"`
}

// NewConfigFromEnv returns a Config initialised from environment variables,
// falling back to the tag defaults.
func NewConfigFromEnv() (Config, error) {
	var config Config
	if err := envconfig.Process("treeops_locking", &config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// ApplyDefaults fills in the documented defaults for unset values.
func (cfg *Config) ApplyDefaults() {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 100
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 2 * time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 30 * time.Second
	}
}
