package instance

import (
	"fmt"
	"runtime"
	"time"

	"github.com/c360/memhook/errors"
)

// Config controls polling and bootstrap behavior
type Config struct {
	// PollInterval is the pause between poll iterations
	PollInterval time.Duration `json:"poll_interval"`

	// BootstrapTimeout bounds how long Load waits for the first successful read
	BootstrapTimeout time.Duration `json:"bootstrap_timeout"`

	// DecodeConcurrency caps the number of fields decoded at once
	DecodeConcurrency int `json:"decode_concurrency"`

	// DriverTimeoutThreshold is the number of consecutive timeouts at one
	// address before clients are told about it
	DriverTimeoutThreshold int `json:"driver_timeout_threshold"`

	// DriverErrorInterval is the minimum spacing of driver error notifications
	DriverErrorInterval time.Duration `json:"driver_error_interval"`
}

// DefaultConfig returns the default instance configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:           5 * time.Millisecond,
		BootstrapTimeout:       2 * time.Second,
		DecodeConcurrency:      runtime.GOMAXPROCS(0),
		DriverTimeoutThreshold: 3,
		DriverErrorInterval:    time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.PollInterval < 0 {
		return errors.WrapInvalid(fmt.Errorf("poll interval cannot be negative: %s", c.PollInterval),
			"Config", "Validate", "poll interval check")
	}
	if c.BootstrapTimeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("bootstrap timeout must be positive: %s", c.BootstrapTimeout),
			"Config", "Validate", "bootstrap timeout check")
	}
	if c.DecodeConcurrency <= 0 {
		return errors.WrapInvalid(fmt.Errorf("decode concurrency must be positive: %d", c.DecodeConcurrency),
			"Config", "Validate", "decode concurrency check")
	}
	if c.DriverTimeoutThreshold <= 0 {
		return errors.WrapInvalid(fmt.Errorf("driver timeout threshold must be positive: %d", c.DriverTimeoutThreshold),
			"Config", "Validate", "timeout threshold check")
	}
	if c.DriverErrorInterval < 0 {
		return errors.WrapInvalid(fmt.Errorf("driver error interval cannot be negative: %s", c.DriverErrorInterval),
			"Config", "Validate", "error interval check")
	}
	return nil
}

// withDefaults fills zero values from DefaultConfig. A zero
// DriverErrorInterval disables throttling.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BootstrapTimeout == 0 {
		c.BootstrapTimeout = d.BootstrapTimeout
	}
	if c.DecodeConcurrency == 0 {
		c.DecodeConcurrency = d.DecodeConcurrency
	}
	if c.DriverTimeoutThreshold == 0 {
		c.DriverTimeoutThreshold = d.DriverTimeoutThreshold
	}
	return c
}
