package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// TTL is the sliding lifetime of a session; every Validate extends it.
	TTL time.Duration

	// Namespace prefixes every store key.
	Namespace string

	// Retries is the total number of store attempts per operation.
	Retries int

	// RetryInitial and RetryMax bound the exponential backoff between attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:          14 * 24 * time.Hour,
		Namespace:    "trustcore",
		Retries:      3,
		RetryInitial: 25 * time.Millisecond,
		RetryMax:     500 * time.Millisecond,
	}
}

// Validate returns ErrConfig when any field is out of range.
func (c Config) Validate() error {
	if c.TTL <= 0 || strings.TrimSpace(c.Namespace) == "" {
		return ErrConfig
	}
	if c.Retries < 1 || c.Retries > 10 {
		return ErrConfig
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		return ErrConfig
	}
	return nil
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - TRUSTCORE_SESSION_TTL
//   - TRUSTCORE_SESSION_NAMESPACE
//   - TRUSTCORE_SESSION_RETRIES
//   - TRUSTCORE_SESSION_RETRY_INITIAL
//   - TRUSTCORE_SESSION_RETRY_MAX
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("TRUSTCORE_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.TTL = d
	}

	if v := strings.TrimSpace(os.Getenv("TRUSTCORE_SESSION_NAMESPACE")); v != "" {
		cfg.Namespace = v
	}

	if v := os.Getenv("TRUSTCORE_SESSION_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.Retries = n
	}

	if v := os.Getenv("TRUSTCORE_SESSION_RETRY_INITIAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.RetryInitial = d
	}

	if v := os.Getenv("TRUSTCORE_SESSION_RETRY_MAX"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.RetryMax = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
