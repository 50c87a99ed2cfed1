package config

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/banshee-data/autointersection/internal/intersection"
)

// Coordination modes.
const (
	ModeV2V = "v2v"
	ModeV2I = "v2i"
)

// Policies. V2V accepts serial, parallel and reservation; V2I accepts plain,
// stop-sign and reservation.
const (
	PolicySerial      = "serial"
	PolicyParallel    = "parallel"
	PolicyReservation = "reservation"
	PolicyPlain       = "plain"
	PolicyStopSign    = "stop-sign"
)

// Detector kinds.
const (
	DetectorMarker  = "marker"
	DetectorCricket = "cricket"
)

// VehicleConfig configures one vehicle daemon.
type VehicleConfig struct {
	Mode         *string `json:"mode,omitempty" env:"AUTOINT_MODE"`
	Policy       *string `json:"policy,omitempty" env:"AUTOINT_POLICY"`
	LocalAddress *string `json:"local_address,omitempty" env:"AUTOINT_LOCAL_ADDRESS"`
	Entry        *string `json:"entry,omitempty" env:"AUTOINT_ENTRY"`
	Exit         *string `json:"exit,omitempty" env:"AUTOINT_EXIT"`
	Intersection *string `json:"intersection,omitempty" env:"AUTOINT_INTERSECTION"`
	Arbitration  *string `json:"arbitration,omitempty" env:"AUTOINT_ARBITRATION"`

	// Timing, duration strings like "100ms".
	CycleTime          *string `json:"cycle_time,omitempty" env:"AUTOINT_CYCLE_TIME"`
	MinSafeDuration    *string `json:"min_safe_duration,omitempty" env:"AUTOINT_MIN_SAFE_DURATION"`
	BeaconMinPeriod    *string `json:"beacon_min_period,omitempty" env:"AUTOINT_BEACON_MIN_PERIOD"`
	BeaconMaxPeriod    *string `json:"beacon_max_period,omitempty" env:"AUTOINT_BEACON_MAX_PERIOD"`
	MaxConsecutiveLost *int    `json:"max_consecutive_lost,omitempty" env:"AUTOINT_MAX_CONSECUTIVE_LOST"`
	TimeToCross        *string `json:"time_to_cross,omitempty" env:"AUTOINT_TIME_TO_CROSS"`
	RequestTimeout     *string `json:"request_timeout,omitempty" env:"AUTOINT_REQUEST_TIMEOUT"`
	ExitGrace          *string `json:"exit_grace,omitempty" env:"AUTOINT_EXIT_GRACE"`
	StopOnExit         *bool   `json:"stop_on_exit,omitempty" env:"AUTOINT_STOP_ON_EXIT"`

	// Transport
	BeaconPort       *int    `json:"beacon_port,omitempty" env:"AUTOINT_BEACON_PORT"`
	BroadcastAddress *string `json:"broadcast_address,omitempty" env:"AUTOINT_BROADCAST_ADDRESS"`
	ArbiterAddress   *string `json:"arbiter_address,omitempty" env:"AUTOINT_ARBITER_ADDRESS"`
	CapturePath      *string `json:"capture_path,omitempty" env:"AUTOINT_CAPTURE_PATH"` // pcap of received beacons

	// Sensors and actuators
	Detector           *string  `json:"detector,omitempty" env:"AUTOINT_DETECTOR"`
	SerialPort         *string  `json:"serial_port,omitempty" env:"AUTOINT_SERIAL_PORT"` // empty disables the sensor port
	SerialBaudRate     *int     `json:"serial_baud_rate,omitempty" env:"AUTOINT_SERIAL_BAUD_RATE"`
	FollowerPort       *string  `json:"follower_port,omitempty" env:"AUTOINT_FOLLOWER_PORT"` // empty shares the sensor port
	CricketApproach    *string  `json:"cricket_approach,omitempty" env:"AUTOINT_CRICKET_APPROACH"`
	CricketEntry       *string  `json:"cricket_entry,omitempty" env:"AUTOINT_CRICKET_ENTRY"`
	CricketExit        *string  `json:"cricket_exit,omitempty" env:"AUTOINT_CRICKET_EXIT"`
	CricketMaxDistance *int     `json:"cricket_max_distance,omitempty" env:"AUTOINT_CRICKET_MAX_DISTANCE"`
	DistanceToEntrance *float64 `json:"distance_to_entrance,omitempty" env:"AUTOINT_DISTANCE_TO_ENTRANCE"`

	DebugListen *string `json:"debug_listen,omitempty" env:"AUTOINT_DEBUG_LISTEN"`
}

// LoadVehicleConfig loads and validates a VehicleConfig. Fields omitted from
// the file keep their defaults, so partial configs are safe.
func LoadVehicleConfig(path string) (*VehicleConfig, error) {
	cfg := &VehicleConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that set values are usable together.
func (c *VehicleConfig) Validate() error {
	switch c.GetMode() {
	case ModeV2V:
		switch c.GetPolicy() {
		case PolicySerial, PolicyParallel, PolicyReservation:
		default:
			return fmt.Errorf("v2v policy must be serial, parallel or reservation, got %q", c.GetPolicy())
		}
	case ModeV2I:
		switch c.GetPolicy() {
		case PolicyPlain, PolicyStopSign, PolicyReservation:
		default:
			return fmt.Errorf("v2i policy must be plain, stop-sign or reservation, got %q", c.GetPolicy())
		}
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeV2V, ModeV2I, c.GetMode())
	}

	if c.LocalAddress != nil && *c.LocalAddress != "" {
		if _, err := netip.ParseAddr(*c.LocalAddress); err != nil {
			return fmt.Errorf("invalid local_address: %w", err)
		}
	}

	specs, err := intersection.Lookup(c.GetIntersection())
	if err != nil {
		return err
	}
	if err := specs.ValidPath(c.GetEntry(), c.GetExit()); err != nil {
		return fmt.Errorf("invalid path %s->%s: %w", c.GetEntry(), c.GetExit(), err)
	}

	switch c.GetArbitration() {
	case "lower-id", "higher-id":
	default:
		return fmt.Errorf("arbitration must be lower-id or higher-id, got %q", c.GetArbitration())
	}

	for name, v := range map[string]*string{
		"cycle_time":        c.CycleTime,
		"min_safe_duration": c.MinSafeDuration,
		"beacon_min_period": c.BeaconMinPeriod,
		"beacon_max_period": c.BeaconMaxPeriod,
		"time_to_cross":     c.TimeToCross,
		"request_timeout":   c.RequestTimeout,
		"exit_grace":        c.ExitGrace,
	} {
		if err := validateDuration(name, v); err != nil {
			return err
		}
	}
	if c.GetCycleTime() <= 0 {
		return fmt.Errorf("cycle_time must be positive")
	}
	if c.GetBeaconMinPeriod() <= 0 || c.GetBeaconMaxPeriod() < c.GetBeaconMinPeriod() {
		return fmt.Errorf("beacon period [%s, %s] is not a valid range", c.GetBeaconMinPeriod(), c.GetBeaconMaxPeriod())
	}
	if c.MaxConsecutiveLost != nil && *c.MaxConsecutiveLost < 1 {
		return fmt.Errorf("max_consecutive_lost must be at least 1, got %d", *c.MaxConsecutiveLost)
	}
	if p := c.GetBeaconPort(); p <= 0 || p > 65535 {
		return fmt.Errorf("beacon_port out of range: %d", p)
	}

	switch c.GetDetector() {
	case DetectorMarker, DetectorCricket:
	default:
		return fmt.Errorf("detector must be marker or cricket, got %q", c.GetDetector())
	}
	if c.DistanceToEntrance != nil && *c.DistanceToEntrance <= 0 {
		return fmt.Errorf("distance_to_entrance must be positive, got %f", *c.DistanceToEntrance)
	}
	return nil
}

// GetMode returns the coordination mode, "v2v" by default.
func (c *VehicleConfig) GetMode() string { return str(c.Mode, ModeV2V) }

// GetPolicy returns the coordination policy. The default depends on the
// mode: parallel for V2V, plain for V2I.
func (c *VehicleConfig) GetPolicy() string {
	if c.GetMode() == ModeV2I {
		return str(c.Policy, PolicyPlain)
	}
	return str(c.Policy, PolicyParallel)
}

// GetLocalAddress returns the configured address, or the zero Addr when
// it should be discovered from the network.
func (c *VehicleConfig) GetLocalAddress() netip.Addr {
	if c.LocalAddress == nil {
		return netip.Addr{}
	}
	a, err := netip.ParseAddr(*c.LocalAddress)
	if err != nil {
		return netip.Addr{}
	}
	return a
}

func (c *VehicleConfig) GetEntry() string        { return str(c.Entry, "E1") }
func (c *VehicleConfig) GetExit() string         { return str(c.Exit, "X3") }
func (c *VehicleConfig) GetIntersection() string { return str(c.Intersection, DefaultIntersection) }
func (c *VehicleConfig) GetArbitration() string  { return str(c.Arbitration, DefaultArbitration) }

func (c *VehicleConfig) GetCycleTime() time.Duration { return duration(c.CycleTime, DefaultCycleTime) }

func (c *VehicleConfig) GetMinSafeDuration() time.Duration {
	return duration(c.MinSafeDuration, DefaultMinSafeDuration)
}

func (c *VehicleConfig) GetBeaconMinPeriod() time.Duration {
	return duration(c.BeaconMinPeriod, DefaultBeaconMinPeriod)
}

func (c *VehicleConfig) GetBeaconMaxPeriod() time.Duration {
	return duration(c.BeaconMaxPeriod, DefaultBeaconMaxPeriod)
}

func (c *VehicleConfig) GetMaxConsecutiveLost() int {
	if c.MaxConsecutiveLost == nil {
		return DefaultMaxConsecutiveLost
	}
	return *c.MaxConsecutiveLost
}

// GetMaxNeighborAge is how long a silent neighbor is kept: the maximum
// beacon period times the number of beacons that may be lost in a row.
func (c *VehicleConfig) GetMaxNeighborAge() time.Duration {
	return c.GetBeaconMaxPeriod() * time.Duration(c.GetMaxConsecutiveLost())
}

func (c *VehicleConfig) GetTimeToCross() time.Duration {
	return duration(c.TimeToCross, DefaultTimeToCross)
}

func (c *VehicleConfig) GetRequestTimeout() time.Duration {
	return duration(c.RequestTimeout, DefaultRequestTimeout)
}

func (c *VehicleConfig) GetExitGrace() time.Duration { return duration(c.ExitGrace, DefaultExitGrace) }

func (c *VehicleConfig) GetStopOnExit() bool {
	if c.StopOnExit == nil {
		return false
	}
	return *c.StopOnExit
}

func (c *VehicleConfig) GetBeaconPort() int {
	if c.BeaconPort == nil {
		return DefaultBeaconPort
	}
	return *c.BeaconPort
}

func (c *VehicleConfig) GetBroadcastAddress() string {
	return str(c.BroadcastAddress, "255.255.255.255")
}

func (c *VehicleConfig) GetArbiterAddress() string {
	return str(c.ArbiterAddress, "localhost"+DefaultArbiterAddress)
}

func (c *VehicleConfig) GetCapturePath() string { return str(c.CapturePath, "") }
func (c *VehicleConfig) GetDetector() string    { return str(c.Detector, DetectorMarker) }
func (c *VehicleConfig) GetSerialPort() string  { return str(c.SerialPort, "") }
func (c *VehicleConfig) GetFollowerPort() string {
	return str(c.FollowerPort, "")
}

func (c *VehicleConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 0
	}
	return *c.SerialBaudRate
}

// GetCricketZones returns the Cricket space IDs for approach, entry and
// exit plus the maximum accepted range in cm.
func (c *VehicleConfig) GetCricketZones() (approach, entry, exit string, maxDistance int) {
	if c.CricketMaxDistance != nil {
		maxDistance = *c.CricketMaxDistance
	}
	return str(c.CricketApproach, "approach"), str(c.CricketEntry, "entry"), str(c.CricketExit, "exit"), maxDistance
}

func (c *VehicleConfig) GetDistanceToEntrance() float64 {
	if c.DistanceToEntrance == nil {
		return DefaultDistanceToEntrance
	}
	return *c.DistanceToEntrance
}

func (c *VehicleConfig) GetDebugListen() string { return str(c.DebugListen, DefaultDebugListen) }
