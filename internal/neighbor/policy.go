package neighbor

import (
	"fmt"
	"time"

	"github.com/banshee-data/autointersection/internal/beacon"
	"github.com/banshee-data/autointersection/internal/intersection"
)

// SafeState is the outcome of a safety check.
//
// A safe result with a zero At means no known neighbor conflicts right now;
// the daemon still requires the result to hold for its minimum safe
// duration before crossing. A safe result with a non-zero At means crossing
// is safe from At onward, and At at or before now means immediately.
type SafeState struct {
	Safe bool
	At   time.Time
}

// Unsafe is the "do not cross" result.
func Unsafe() SafeState { return SafeState{} }

// SafeUnconfirmed is safe subject to the confirmation window.
func SafeUnconfirmed() SafeState { return SafeState{Safe: true} }

// SafeAt is safe from t onward.
func SafeAt(t time.Time) SafeState { return SafeState{Safe: true, At: t} }

// Ready reports whether s permits crossing at now without a confirmation
// window.
func (s SafeState) Ready(now time.Time) bool {
	return s.Safe && !s.At.IsZero() && !now.Before(s.At)
}

func (s SafeState) String() string {
	switch {
	case !s.Safe:
		return "unsafe"
	case s.At.IsZero():
		return "safe (unconfirmed)"
	default:
		return "safe at " + s.At.Format(time.RFC3339Nano)
	}
}

// Arbitration decides which of two requesting vehicles goes first.
type Arbitration int

const (
	// LowerIDWins lets the vehicle with the smaller ID cross first.
	LowerIDWins Arbitration = iota
	// HigherIDWins lets the vehicle with the larger ID cross first; a
	// requesting neighbor with a greater ID makes the local decision unsafe.
	HigherIDWins
)

// ParseArbitration accepts "lower-id" and "higher-id".
func ParseArbitration(s string) (Arbitration, error) {
	switch s {
	case "", "lower-id":
		return LowerIDWins, nil
	case "higher-id":
		return HigherIDWins, nil
	}
	return 0, fmt.Errorf("unknown arbitration %q", s)
}

func (a Arbitration) String() string {
	if a == HigherIDWins {
		return "higher-id"
	}
	return "lower-id"
}

// Outranks reports whether a vehicle with nbrID has priority over myID.
func (a Arbitration) Outranks(nbrID, myID int) bool {
	if a == HigherIDWins {
		return nbrID > myID
	}
	return nbrID < myID
}

// Self is the local vehicle as seen by a policy.
type Self struct {
	ID    int
	Entry string
	Exit  string
}

// Policy is a safety-decision algorithm over a neighbor snapshot.
type Policy interface {
	// Kind is the beacon field set the policy needs its vehicle to send.
	Kind() beacon.Kind
	Decide(now time.Time, self Self, neighbors []State) SafeState
}

// SerialPolicy allows one vehicle in the intersection at a time.
type SerialPolicy struct {
	Arbitration Arbitration
}

func (SerialPolicy) Kind() beacon.Kind { return beacon.Serial }

func (p SerialPolicy) Decide(_ time.Time, self Self, neighbors []State) SafeState {
	for _, n := range neighbors {
		switch n.Status {
		case beacon.Crossing:
			return Unsafe()
		case beacon.Requesting:
			if p.Arbitration.Outranks(n.ID, self.ID) {
				return Unsafe()
			}
		}
	}
	return SafeUnconfirmed()
}

// ParallelPolicy admits vehicles whose paths do not conflict with anyone
// crossing.
type ParallelPolicy struct {
	Arbitration Arbitration
	Specs       intersection.Specs
}

func (ParallelPolicy) Kind() beacon.Kind { return beacon.Parallel }

func (p ParallelPolicy) Decide(now time.Time, self Self, neighbors []State) SafeState {
	crossing := false
	for _, n := range neighbors {
		switch n.Status {
		case beacon.Crossing:
			if p.Specs.WillIntersect(self.Entry, self.Exit, n.Entry, n.Exit) {
				return Unsafe()
			}
			crossing = true
		case beacon.Requesting:
			if p.Arbitration.Outranks(n.ID, self.ID) {
				return Unsafe()
			}
		}
	}
	if crossing {
		// Compatible movement already under way: no confirmation window.
		return SafeAt(now)
	}
	return SafeUnconfirmed()
}

// ReservationPolicy schedules the local crossing after every conflicting
// crossing or higher-priority reservation advertised by neighbors.
type ReservationPolicy struct {
	Arbitration Arbitration
	Specs       intersection.Specs
}

func (ReservationPolicy) Kind() beacon.Kind { return beacon.Reservation }

func (p ReservationPolicy) Decide(now time.Time, self Self, neighbors []State) SafeState {
	var at time.Time
	compatibleCrossing := false
	for _, n := range neighbors {
		conflicts := p.Specs.WillIntersect(self.Entry, self.Exit, n.Entry, n.Exit)
		switch n.Status {
		case beacon.Crossing:
			if !conflicts {
				compatibleCrossing = true
				continue
			}
			if n.EntryTime.IsZero() {
				return Unsafe()
			}
			end := n.EntryTime.Add(n.TimeToCross)
			if !end.After(now) {
				// Overstayed its reservation; wait for it to report EXITING.
				return Unsafe()
			}
			at = latest(at, end)
		case beacon.Requesting:
			if !conflicts || !p.Arbitration.Outranks(n.ID, self.ID) {
				continue
			}
			if n.EntryTime.IsZero() {
				return Unsafe()
			}
			at = latest(at, n.EntryTime.Add(n.TimeToCross))
		}
	}
	switch {
	case !at.IsZero():
		return SafeAt(at)
	case compatibleCrossing:
		return SafeAt(now)
	default:
		return SafeUnconfirmed()
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// NewPolicy builds the policy for a V2V protocol kind.
func NewPolicy(kind beacon.Kind, arb Arbitration, specs intersection.Specs) (Policy, error) {
	switch kind {
	case beacon.Serial:
		return SerialPolicy{Arbitration: arb}, nil
	case beacon.Parallel:
		if specs == nil {
			return nil, fmt.Errorf("parallel policy needs intersection specs")
		}
		return ParallelPolicy{Arbitration: arb, Specs: specs}, nil
	case beacon.Reservation:
		if specs == nil {
			return nil, fmt.Errorf("reservation policy needs intersection specs")
		}
		return ReservationPolicy{Arbitration: arb, Specs: specs}, nil
	}
	return nil, fmt.Errorf("unknown policy kind %q", kind)
}
