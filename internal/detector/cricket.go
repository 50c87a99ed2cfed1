package detector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/autointersection/internal/serialmux"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

// CricketReading is one report from a Cricket ultrasonic listener.
type CricketReading struct {
	Version    float64
	BeaconID   string
	SpaceID    string
	Distance   int // cm, -1 in the short form
	Duration   int
	FlightTime int64
	SysTime    int64
}

// ParseCricketLine decodes a listener line such as
//
//	VR=2.0,ID=01:8b:2d,SP=approach,DB=87,DR=2548,TM=2601,TS=1893456
//
// or the four-field form VR,ID,SP,TS emitted when no range is available.
func ParseCricketLine(line string) (CricketReading, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	vals := make([]string, len(fields))
	for i, f := range fields {
		_, v, ok := strings.Cut(f, "=")
		if !ok {
			return CricketReading{}, fmt.Errorf("cricket field %q has no value", f)
		}
		vals[i] = strings.TrimSpace(v)
	}

	var r CricketReading
	var err error
	switch len(vals) {
	case 7, 4:
	default:
		return r, fmt.Errorf("cricket line has %d fields, want 7 or 4", len(vals))
	}
	if r.Version, err = strconv.ParseFloat(vals[0], 64); err != nil {
		return r, fmt.Errorf("cricket version: %w", err)
	}
	r.BeaconID = vals[1]
	r.SpaceID = vals[2]
	if len(vals) == 4 {
		r.Distance = -1
		if r.SysTime, err = strconv.ParseInt(vals[3], 10, 64); err != nil {
			return r, fmt.Errorf("cricket system time: %w", err)
		}
		return r, nil
	}
	if r.Distance, err = strconv.Atoi(vals[3]); err != nil {
		return r, fmt.Errorf("cricket distance: %w", err)
	}
	if r.Duration, err = strconv.Atoi(vals[4]); err != nil {
		return r, fmt.Errorf("cricket duration: %w", err)
	}
	if r.FlightTime, err = strconv.ParseInt(vals[5], 10, 64); err != nil {
		return r, fmt.Errorf("cricket flight time: %w", err)
	}
	if r.SysTime, err = strconv.ParseInt(vals[6], 10, 64); err != nil {
		return r, fmt.Errorf("cricket system time: %w", err)
	}
	return r, nil
}

// CricketZones maps Cricket beacon space IDs to intersection zones.
type CricketZones struct {
	Approach string `json:"approach"`
	Entry    string `json:"entry"`
	Exit     string `json:"exit"`
	// MaxDistance ignores readings further than this many cm. Zero accepts
	// every reading, including the short form without a range.
	MaxDistance int `json:"max_distance"`
}

// DefaultCricketZones are the space IDs programmed into the lab beacons.
func DefaultCricketZones() CricketZones {
	return CricketZones{Approach: "approach", Entry: "entry", Exit: "exit"}
}

// CricketDetector maps Cricket space IDs onto intersection events. Each
// zone fires once; repeated readings of the current zone are suppressed.
type CricketDetector struct {
	*Detector
	zones CricketZones
	last  EventType
}

// NewCricketDetector returns a detector for the given zones.
func NewCricketDetector(clock timeutil.Clock, zones CricketZones) *CricketDetector {
	return &CricketDetector{Detector: New(clock), zones: zones}
}

// HandleLine parses and handles one listener line. Lines that are not
// Cricket reports are skipped.
func (c *CricketDetector) HandleLine(line string) {
	if serialmux.ClassifyLine(line) != serialmux.LineCricket {
		return
	}
	r, err := ParseCricketLine(line)
	if err != nil {
		logf("cricket: dropping %q: %v", line, err)
		return
	}
	c.HandleReading(r)
}

// HandleReading handles one decoded reading.
func (c *CricketDetector) HandleReading(r CricketReading) {
	if c.zones.MaxDistance > 0 && (r.Distance < 0 || r.Distance > c.zones.MaxDistance) {
		return
	}
	var t EventType
	switch r.SpaceID {
	case c.zones.Approach:
		t = Approaching
	case c.zones.Entry:
		t = Entering
	case c.zones.Exit:
		t = Exiting
	default:
		logf("cricket: unknown space %q from beacon %s", r.SpaceID, r.BeaconID)
		return
	}
	if t == c.last {
		return
	}
	c.last = t
	switch t {
	case Approaching:
		c.GenApproachingEvent()
	case Entering:
		c.GenEnteringEvent()
	case Exiting:
		c.GenExitingEvent()
	}
}
