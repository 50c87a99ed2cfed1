package detector

import (
	"sync"

	"github.com/banshee-data/autointersection/internal/monitoring"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

var logf = monitoring.Prefixed("detector")

// Detector is the sensor-independent half of every intersection detector:
// it validates event ordering and fans events out to listeners. The ordering
// check is lenient, a violation is logged and the event is still delivered
// so the daemon never deadlocks on a missed marker.
type Detector struct {
	clock timeutil.Clock

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	previous  EventType

	deliveries sync.WaitGroup
}

// New returns a Detector with no listeners. A nil clock uses the wall clock.
func New(clock timeutil.Clock) *Detector {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Detector{
		clock:     clock,
		listeners: make(map[int]Listener),
	}
}

// AddListener registers l and returns an ID for RemoveListener.
func (d *Detector) AddListener(l Listener) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners[d.nextID] = l
	return d.nextID
}

// RemoveListener unregisters the listener with the given ID. Unknown IDs are
// ignored.
func (d *Detector) RemoveListener(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, id)
}

// PreviousEventType is the type of the last ordered event emitted, or Idle
// if none has been.
func (d *Detector) PreviousEventType() EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previous
}

// GenApproachingEvent emits APPROACHING. It expects a fresh detector or a
// preceding EXITING.
func (d *Detector) GenApproachingEvent() {
	d.emit(Approaching, Idle, Exiting)
}

// GenEnteringEvent emits ENTERING. It expects a preceding APPROACHING.
func (d *Detector) GenEnteringEvent() {
	d.emit(Entering, Approaching)
}

// GenExitingEvent emits EXITING. It expects a preceding ENTERING.
func (d *Detector) GenExitingEvent() {
	d.emit(Exiting, Entering)
}

// GenErrorEvent reports a sensor failure. It does not take part in the
// ordering check.
func (d *Detector) GenErrorEvent(err error) {
	d.dispatch(Event{Type: Error, Time: d.clock.Now(), Err: err})
}

// Wait blocks until every event delivered so far has been handled.
func (d *Detector) Wait() {
	d.deliveries.Wait()
}

func (d *Detector) emit(t EventType, allowed ...EventType) {
	d.mu.Lock()
	prev := d.previous
	ok := false
	for _, a := range allowed {
		if prev == a {
			ok = true
			break
		}
	}
	d.previous = t
	d.mu.Unlock()

	if !ok {
		logf("out of order event %s after %s (expected one of %v)", t, prev, allowed)
	}
	d.dispatch(Event{Type: t, Time: d.clock.Now()})
}

// dispatch hands e to every listener on its own goroutine so a slow
// listener cannot delay detection or the other listeners.
func (d *Detector) dispatch(e Event) {
	d.mu.Lock()
	targets := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		targets = append(targets, l)
	}
	d.mu.Unlock()

	for _, l := range targets {
		d.deliveries.Add(1)
		go func(l Listener) {
			defer d.deliveries.Done()
			l.HandleEvent(e)
		}(l)
	}
}
