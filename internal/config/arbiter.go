package config

import (
	"fmt"
	"time"

	"github.com/banshee-data/autointersection/internal/intersection"
)

// ArbiterConfig configures the intersection manager.
type ArbiterConfig struct {
	Listen           *string `json:"listen,omitempty" env:"AUTOINT_ARBITER_LISTEN"`
	Policy           *string `json:"policy,omitempty" env:"AUTOINT_ARBITER_POLICY"`
	Intersection     *string `json:"intersection,omitempty" env:"AUTOINT_INTERSECTION"`
	OccupancyTimeout *string `json:"occupancy_timeout,omitempty" env:"AUTOINT_OCCUPANCY_TIMEOUT"`
	DBPath           *string `json:"db_path,omitempty" env:"AUTOINT_DB_PATH"` // empty disables the trace DB
	DebugListen      *string `json:"debug_listen,omitempty" env:"AUTOINT_DEBUG_LISTEN"`
}

// Arbiter policies.
const (
	ArbiterSequential  = "sequential"
	ArbiterParallel    = "parallel"
	ArbiterReservation = "reservation"
	ArbiterTraffic     = "traffic-light"
)

// LoadArbiterConfig loads and validates an ArbiterConfig.
func LoadArbiterConfig(path string) (*ArbiterConfig, error) {
	cfg := &ArbiterConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *ArbiterConfig) Validate() error {
	switch c.GetPolicy() {
	case ArbiterSequential, ArbiterParallel, ArbiterReservation, ArbiterTraffic:
	default:
		return fmt.Errorf("policy must be sequential, parallel, reservation or traffic-light, got %q", c.GetPolicy())
	}
	if _, err := intersection.Lookup(c.GetIntersection()); err != nil {
		return err
	}
	if err := validateDuration("occupancy_timeout", c.OccupancyTimeout); err != nil {
		return err
	}
	return nil
}

func (c *ArbiterConfig) GetListen() string       { return str(c.Listen, DefaultArbiterAddress) }
func (c *ArbiterConfig) GetPolicy() string       { return str(c.Policy, ArbiterSequential) }
func (c *ArbiterConfig) GetIntersection() string { return str(c.Intersection, DefaultIntersection) }
func (c *ArbiterConfig) GetDBPath() string       { return str(c.DBPath, "") }
func (c *ArbiterConfig) GetDebugListen() string  { return str(c.DebugListen, DefaultDebugListen) }

// GetOccupancyTimeout returns how long an admitted vehicle may stay silent
// before it is evicted. Zero disables eviction.
func (c *ArbiterConfig) GetOccupancyTimeout() time.Duration {
	return duration(c.OccupancyTimeout, DefaultOccupancyTimeout)
}
