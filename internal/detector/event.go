// Package detector turns raw intersection sensor input into an ordered stream
// of APPROACHING, ENTERING and EXITING events.
package detector

import (
	"fmt"
	"time"
)

// EventType is the kind of intersection event a detector emits. It also
// names the daemon's coarse state.
type EventType int

const (
	Idle EventType = iota
	Approaching
	Entering
	Exiting
	Error
)

var eventTypeNames = [...]string{
	Idle:        "IDLE",
	Approaching: "APPROACHING",
	Entering:    "ENTERING",
	Exiting:     "EXITING",
	Error:       "ERROR",
}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return fmt.Sprintf("EventType(%d)", int(t))
	}
	return eventTypeNames[t]
}

// Event is one detector output.
type Event struct {
	Type EventType
	Time time.Time
	// Err is set only for Error events.
	Err error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at %s: %v", e.Type, e.Time.Format(time.RFC3339Nano), e.Err)
	}
	return fmt.Sprintf("%s at %s", e.Type, e.Time.Format(time.RFC3339Nano))
}

// Listener receives detector events.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }
