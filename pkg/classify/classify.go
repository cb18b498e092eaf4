package classify

import (
	"fmt"
	"slices"
	"sort"
)

// Category is the retention class of a message type.
type Category string

const (
	Critical Category = "critical"
	Sampled  Category = "sampled"
	Default  Category = "default"
)

// DefaultCap is the number of representative samples kept for types
// outside the critical set and the sampled table.
const DefaultCap = 50

var (
	// ErrInvalidTargetRate is returned when a sampled type has a non-positive target.
	ErrInvalidTargetRate = fmt.Errorf("target_rate must be positive")

	// ErrInvalidDefaultCap is returned when the default cap is non-positive.
	ErrInvalidDefaultCap = fmt.Errorf("default_cap must be positive")

	// ErrConflictingRule is returned when a type is both critical and sampled.
	ErrConflictingRule = fmt.Errorf("message type is both critical and sampled")

	// ErrEmptyTypeName is returned for blank entries in the policy.
	ErrEmptyTypeName = fmt.Errorf("message type name cannot be empty")
)

// SampledType is the sampling rule for one high-rate message type.
type SampledType struct {
	// TargetRate is the number of samples to keep across the whole flight.
	TargetRate int `yaml:"target_rate" json:"target_rate"`
	// KeyFields are the fields preserved on retained samples.
	KeyFields []string `yaml:"key_fields" json:"key_fields"`
}

// Policy is the classification table. It is loaded once and copied into
// each Classifier.
type Policy struct {
	Critical   []string               `yaml:"critical" json:"critical"`
	Sampled    map[string]SampledType `yaml:"sampled" json:"sampled"`
	DefaultCap int                    `yaml:"default_cap" json:"default_cap"`
}

// DefaultPolicy returns the built-in ArduPilot/MAVLink table.
func DefaultPolicy() Policy {
	return Policy{
		Critical: []string{
			"MODE", "ARM", "DISARM", "TAKEOFF", "LAND",
			"STATUSTEXT", "ERROR", "CRITICAL", "ALERT", "EMERGENCY",
			"GPS_FIX_TYPE", "EKF_STATUS_REPORT", "VIBRATION", "POWER_STATUS",
		},
		Sampled: map[string]SampledType{
			"ATTITUDE":            {TargetRate: 600, KeyFields: []string{"roll", "pitch", "yaw"}},
			"GLOBAL_POSITION_INT": {TargetRate: 300, KeyFields: []string{"lat", "lon", "alt", "relative_alt"}},
			"LOCAL_POSITION_NED":  {TargetRate: 600, KeyFields: []string{"x", "y", "z"}},
			"VFR_HUD":             {TargetRate: 300, KeyFields: []string{"airspeed", "groundspeed", "alt", "throttle"}},
			"RAW_IMU":             {TargetRate: 1200, KeyFields: []string{"xacc", "yacc", "zacc"}},
			"SERVO_OUTPUT_RAW":    {TargetRate: 600, KeyFields: []string{"servo1_raw", "servo2_raw", "servo3_raw", "servo4_raw"}},
		},
		DefaultCap: DefaultCap,
	}
}

// Validate checks the policy for unusable entries.
func (p Policy) Validate() error {
	if p.DefaultCap <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidDefaultCap, p.DefaultCap)
	}
	critical := make(map[string]struct{}, len(p.Critical))
	for _, name := range p.Critical {
		if name == "" {
			return fmt.Errorf("critical set: %w", ErrEmptyTypeName)
		}
		critical[name] = struct{}{}
	}
	for name, rule := range p.Sampled {
		if name == "" {
			return fmt.Errorf("sampled table: %w", ErrEmptyTypeName)
		}
		if rule.TargetRate <= 0 {
			return fmt.Errorf("%w: %s has %d", ErrInvalidTargetRate, name, rule.TargetRate)
		}
		if _, ok := critical[name]; ok {
			return fmt.Errorf("%w: %s", ErrConflictingRule, name)
		}
	}
	return nil
}

// Rule is the resolved treatment of one message type.
type Rule struct {
	Category   Category
	TargetRate int
	KeyFields  []string
}

// Classifier maps message type names to retention rules. It is immutable
// after New and safe for concurrent use.
type Classifier struct {
	critical   map[string]struct{}
	sampled    map[string]SampledType
	defaultCap int
}

// New builds a Classifier from a validated copy of p.
func New(p Policy) (*Classifier, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	c := &Classifier{
		critical:   make(map[string]struct{}, len(p.Critical)),
		sampled:    make(map[string]SampledType, len(p.Sampled)),
		defaultCap: p.DefaultCap,
	}
	for _, name := range p.Critical {
		c.critical[name] = struct{}{}
	}
	for name, rule := range p.Sampled {
		fields := make([]string, len(rule.KeyFields))
		copy(fields, rule.KeyFields)
		c.sampled[name] = SampledType{TargetRate: rule.TargetRate, KeyFields: fields}
	}
	return c, nil
}

// Classify returns the category of a message type. Matching is exact and
// case-sensitive.
func (c *Classifier) Classify(msgType string) Category {
	if _, ok := c.critical[msgType]; ok {
		return Critical
	}
	if _, ok := c.sampled[msgType]; ok {
		return Sampled
	}
	return Default
}

// Rule returns the category together with its sampling parameters.
// Critical types carry no target; default types get the default cap and
// keep all fields. KeyFields is a copy the caller may modify.
func (c *Classifier) Rule(msgType string) Rule {
	if _, ok := c.critical[msgType]; ok {
		return Rule{Category: Critical}
	}
	if rule, ok := c.sampled[msgType]; ok {
		return Rule{Category: Sampled, TargetRate: rule.TargetRate, KeyFields: slices.Clone(rule.KeyFields)}
	}
	return Rule{Category: Default, TargetRate: c.defaultCap}
}

// CriticalTypes returns the critical set in sorted order.
func (c *Classifier) CriticalTypes() []string {
	out := make([]string, 0, len(c.critical))
	for name := range c.critical {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
