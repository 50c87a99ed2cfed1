package arbiter

import (
	"fmt"
	"time"

	"github.com/banshee-data/autointersection/internal/intersection"
)

// Policy decides whether a request can be admitted given the vehicles
// already admitted.
type Policy interface {
	Name() string
	// Admit returns the time v may enter, or false when v must wait.
	Admit(now time.Time, v Vehicle, admitted []Vehicle) (time.Time, bool)
}

// Sequential admits one vehicle at a time.
type Sequential struct{}

func (Sequential) Name() string { return "sequential" }

func (Sequential) Admit(now time.Time, _ Vehicle, admitted []Vehicle) (time.Time, bool) {
	return now, len(admitted) == 0
}

// Parallel admits any vehicle whose path conflicts with no admitted vehicle.
type Parallel struct {
	Specs intersection.Specs
}

func (Parallel) Name() string { return "parallel" }

func (p Parallel) Admit(now time.Time, v Vehicle, admitted []Vehicle) (time.Time, bool) {
	for _, o := range admitted {
		if p.Specs.WillIntersect(v.Entry, v.Exit, o.Entry, o.Exit) {
			return time.Time{}, false
		}
	}
	return now, true
}

// Reservation schedules every reservation request after the last
// conflicting admitted vehicle has been released. A plain access request
// cannot be told to enter later, so it waits until it can go now.
type Reservation struct {
	Specs intersection.Specs
}

func (Reservation) Name() string { return "reservation" }

func (p Reservation) Admit(now time.Time, v Vehicle, admitted []Vehicle) (time.Time, bool) {
	at := now
	for _, o := range admitted {
		if !p.Specs.WillIntersect(v.Entry, v.Exit, o.Entry, o.Exit) {
			continue
		}
		if r := o.ReleaseTime(); r.After(at) {
			at = r
		}
	}
	if !v.Reservation && at.After(now) {
		return time.Time{}, false
	}
	return at, true
}

// TrafficLight gives each road a green phase of Interval in turn, starting
// at Start with road 0. Requests are refused during the last Transition of
// each phase and from roads that are red; refused vehicles retry.
type TrafficLight struct {
	Specs      intersection.Specs
	Start      time.Time
	Interval   time.Duration
	Transition time.Duration
}

// Defaults for TrafficLight.
const (
	DefaultRotationInterval = 30 * time.Second
	DefaultTransition       = 10 * time.Second
)

func (TrafficLight) Name() string { return "traffic-light" }

// Phase returns the road that is green at now and how long until it turns
// red.
func (p TrafficLight) Phase(now time.Time) (road int, remaining time.Duration) {
	roads := 1
	if r, ok := p.Specs.(intersection.Roads); ok {
		roads = r.NumRoads()
	}
	elapsed := now.Sub(p.Start)
	if elapsed < 0 {
		elapsed = 0
	}
	n := elapsed / p.Interval
	return int(n % time.Duration(roads)), p.Interval - elapsed%p.Interval
}

func (p TrafficLight) Admit(now time.Time, v Vehicle, _ []Vehicle) (time.Time, bool) {
	green, remaining := p.Phase(now)
	if remaining <= p.Transition {
		return time.Time{}, false
	}
	road := 0
	if r, ok := p.Specs.(intersection.Roads); ok {
		var err error
		if road, err = r.Road(v.Entry); err != nil {
			return time.Time{}, false
		}
	}
	return now, road == green
}

// NewPolicy returns the policy registered under name. start anchors the
// traffic light phases.
func NewPolicy(name string, specs intersection.Specs, start time.Time) (Policy, error) {
	switch name {
	case "sequential":
		return Sequential{}, nil
	case "parallel":
		return Parallel{Specs: specs}, nil
	case "reservation":
		return Reservation{Specs: specs}, nil
	case "traffic-light":
		return TrafficLight{Specs: specs, Start: start, Interval: DefaultRotationInterval, Transition: DefaultTransition}, nil
	default:
		return nil, fmt.Errorf("unknown arbiter policy %q", name)
	}
}
