package reduce

import (
	"fmt"

	"github.com/nicktill/flightreduce/pkg/classify"
	"github.com/nicktill/flightreduce/pkg/phase"
	"github.com/nicktill/flightreduce/pkg/sampler"
	"github.com/nicktill/flightreduce/pkg/stats"
)

// Config is the complete engine configuration for one log. Each pipeline
// takes its own copy.
type Config struct {
	Policy classify.Policy `yaml:"policy"`
	// ExpectedDuration seeds the samplers' flight-length estimate, seconds.
	ExpectedDuration float64      `yaml:"expected_duration"`
	Phase            phase.Config `yaml:"phase"`
	Stats            stats.Config `yaml:"stats"`
}

// DefaultConfig returns the built-in MAVLink/ArduPilot configuration.
func DefaultConfig() Config {
	return Config{
		Policy:           classify.DefaultPolicy(),
		ExpectedDuration: sampler.DefaultExpectedDuration,
		Phase:            phase.DefaultConfig(),
		Stats:            stats.DefaultConfig(),
	}
}

// Validate checks every section of the configuration.
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	if c.ExpectedDuration < 0 {
		return fmt.Errorf("expected_duration must not be negative, got %v", c.ExpectedDuration)
	}
	if err := c.Stats.Validate(); err != nil {
		return fmt.Errorf("invalid stats config: %w", err)
	}
	return nil
}
