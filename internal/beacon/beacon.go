// Package beacon defines the periodic V2V status beacon, its wire codec and
// the UDP broadcaster and receiver that carry it.
package beacon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/banshee-data/autointersection/internal/timeutil"
)

// ErrInvalidBeacon is wrapped by every Decode/Validate failure.
var ErrInvalidBeacon = errors.New("invalid beacon")

// MaxSize bounds an encoded beacon; larger datagrams are dropped.
const MaxSize = 1024

// Status is the neighbor-visible state of a vehicle.
type Status int

const (
	Idle Status = iota
	Requesting
	Crossing
	Exiting
)

var statusNames = [...]string{"IDLE", "REQUESTING", "CROSSING", "EXITING"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("%w: status %d", ErrInvalidBeacon, int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	name := strings.ToUpper(string(b))
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("%w: status %q", ErrInvalidBeacon, string(b))
}

// Kind selects the beacon field set, one per V2V protocol variant.
type Kind string

const (
	Serial      Kind = "serial"
	Parallel    Kind = "parallel"
	Reservation Kind = "reservation"
)

// Beacon is one vehicle status broadcast. It is a value: broadcasters
// stamp Seq at send time and callers derive new beacons with the With*
// methods rather than mutating a shared one.
type Beacon struct {
	Kind   Kind       `json:"kind"`
	Addr   netip.Addr `json:"addr"`
	Port   int        `json:"port"`
	Seq    uint64     `json:"seq"`
	Status Status     `json:"status"`

	// Parallel and reservation only.
	Entry string `json:"entry,omitempty"`
	Exit  string `json:"exit,omitempty"`

	// Reservation only: planned or actual entry in ms since the epoch (-1 if
	// not yet known) and the time the crossing takes in ms.
	EntryTime   int64 `json:"entry_time,omitempty"`
	TimeToCross int64 `json:"time_to_cross,omitempty"`
}

// NewSerial builds a serial beacon.
func NewSerial(addr netip.Addr, port int, status Status) Beacon {
	return Beacon{Kind: Serial, Addr: addr, Port: port, Status: status}
}

// NewParallel builds a parallel beacon carrying the planned path.
func NewParallel(addr netip.Addr, port int, status Status, entry, exit string) Beacon {
	return Beacon{Kind: Parallel, Addr: addr, Port: port, Status: status, Entry: entry, Exit: exit}
}

// NewReservation builds a reservation beacon. A zero entryTime is sent as
// unknown.
func NewReservation(addr netip.Addr, port int, status Status, entry, exit string, entryTime time.Time, timeToCross time.Duration) Beacon {
	return Beacon{
		Kind: Reservation, Addr: addr, Port: port, Status: status,
		Entry: entry, Exit: exit,
		EntryTime:   timeutil.Millis(entryTime),
		TimeToCross: timeToCross.Milliseconds(),
	}
}

// ID is the sender's numeric vehicle ID.
func (b Beacon) ID() int { return VehicleID(b.Addr) }

// WithStatus returns a copy of b carrying s.
func (b Beacon) WithStatus(s Status) Beacon {
	b.Status = s
	return b
}

// WithEntryTime returns a copy of b advertising entry time t.
func (b Beacon) WithEntryTime(t time.Time) Beacon {
	b.EntryTime = timeutil.Millis(t)
	return b
}

// EntryAt is the advertised entry time, zero if unknown.
func (b Beacon) EntryAt() time.Time {
	if b.EntryTime <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(b.EntryTime)
}

// CrossDuration is the advertised time to cross.
func (b Beacon) CrossDuration() time.Duration {
	return time.Duration(b.TimeToCross) * time.Millisecond
}

func (b Beacon) String() string {
	switch b.Kind {
	case Parallel:
		return fmt.Sprintf("%s #%d %s %s->%s", b.Addr, b.Seq, b.Status, b.Entry, b.Exit)
	case Reservation:
		return fmt.Sprintf("%s #%d %s %s->%s entry=%d ttc=%dms", b.Addr, b.Seq, b.Status, b.Entry, b.Exit, b.EntryTime, b.TimeToCross)
	default:
		return fmt.Sprintf("%s #%d %s", b.Addr, b.Seq, b.Status)
	}
}

// Validate checks the fields required by b's kind.
func (b Beacon) Validate() error {
	if !b.Addr.IsValid() {
		return fmt.Errorf("%w: missing sender address", ErrInvalidBeacon)
	}
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidBeacon, b.Port)
	}
	if b.Status < Idle || b.Status > Exiting {
		return fmt.Errorf("%w: status %d", ErrInvalidBeacon, int(b.Status))
	}
	switch b.Kind {
	case Serial:
	case Parallel, Reservation:
		if b.Entry == "" || b.Exit == "" {
			return fmt.Errorf("%w: %s beacon without entry/exit", ErrInvalidBeacon, b.Kind)
		}
		if b.Kind == Reservation && b.TimeToCross < 0 {
			return fmt.Errorf("%w: negative time to cross", ErrInvalidBeacon)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidBeacon, b.Kind)
	}
	return nil
}

// Encode serialises b for the wire.
func Encode(b Beacon) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode beacon: %w", err)
	}
	return data, nil
}

// Decode parses and validates one datagram.
func Decode(data []byte) (Beacon, error) {
	if len(data) > MaxSize {
		return Beacon{}, fmt.Errorf("%w: %d bytes", ErrInvalidBeacon, len(data))
	}
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return Beacon{}, fmt.Errorf("%w: %v", ErrInvalidBeacon, err)
	}
	if err := b.Validate(); err != nil {
		return Beacon{}, err
	}
	return b, nil
}

// VehicleID derives the numeric vehicle ID from an address: the last octet
// of an IPv4 address, or the last byte of an IPv6 one.
func VehicleID(addr netip.Addr) int {
	if !addr.IsValid() {
		return -1
	}
	a := addr.Unmap()
	if a.Is4() {
		b := a.As4()
		return int(b[3])
	}
	b := a.As16()
	return int(b[15])
}
