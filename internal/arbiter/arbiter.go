package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/autointersection/internal/intersection"
	"github.com/banshee-data/autointersection/internal/monitoring"
	"github.com/banshee-data/autointersection/internal/protocol"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

var logf = monitoring.Prefixed("arbiter")

// DefaultTimeToCross is assumed for requests that do not state one.
const DefaultTimeToCross = 4 * time.Second

// Notifier delivers a message to a vehicle.
type Notifier interface {
	Notify(to protocol.Vehicle, m protocol.Message) error
}

// Trace event kinds.
const (
	TraceRequest = "request"
	TraceGrant   = "grant"
	TraceExit    = "exit"
	TraceEvict   = "evict"
)

// TraceEvent is one decision, for offline analysis.
type TraceEvent struct {
	At        time.Time
	Kind      string
	Vehicle   Vehicle
	Latency   time.Duration // exit only
	QueueLen  int
	Occupants int
}

// Tracer records TraceEvents. Errors are logged, never fatal.
type Tracer interface {
	RecordTrace(ev TraceEvent) error
}

// Config configures an Arbiter.
type Config struct {
	Policy   Policy
	Queue    *VehiclePriorityQueue
	Notifier Notifier
	Tracer   Tracer
	Clock    timeutil.Clock
	// OccupancyTimeout evicts vehicles silent for longer. Zero disables.
	OccupancyTimeout time.Duration
	// DefaultTimeToCross is used for plain access requests.
	DefaultTimeToCross time.Duration
}

// Arbiter serialises every admission decision under one lock. The queue has
// its own lock and may be inspected concurrently.
type Arbiter struct {
	policy   Policy
	queue    *VehiclePriorityQueue
	notifier Notifier
	tracer   Tracer
	clock    timeutil.Clock
	timeout  time.Duration
	ttc      time.Duration

	mu        sync.Mutex
	admitted  map[string]Vehicle
	latencies []float64
}

// New returns an Arbiter with an empty intersection.
func New(cfg Config) (*Arbiter, error) {
	if cfg.Policy == nil {
		return nil, errors.New("arbiter: policy is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("arbiter: queue is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.DefaultTimeToCross <= 0 {
		cfg.DefaultTimeToCross = DefaultTimeToCross
	}
	return &Arbiter{
		policy:   cfg.Policy,
		queue:    cfg.Queue,
		notifier: cfg.Notifier,
		tracer:   cfg.Tracer,
		clock:    cfg.Clock,
		timeout:  cfg.OccupancyTimeout,
		ttc:      cfg.DefaultTimeToCross,
		admitted: make(map[string]Vehicle),
	}, nil
}

// Policy returns the admission policy in use.
func (a *Arbiter) Policy() Policy { return a.policy }

// HandleMessage dispatches one message received from a vehicle.
func (a *Arbiter) HandleMessage(m protocol.Message) error {
	switch msg := m.(type) {
	case protocol.RequestAccess, protocol.RequestReservation:
		v, _ := vehicleFromMessage(msg, a.clock.Now(), a.ttc)
		a.Request(v)
		return nil
	case protocol.Exiting:
		a.Exit(msg.Vehicle)
		return nil
	default:
		return fmt.Errorf("%w: %s not accepted by the arbiter", protocol.ErrUnknownMessage, m.Type())
	}
}

// Request handles an access or reservation request.
func (a *Arbiter) Request(v Vehicle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	a.trace(TraceEvent{At: now, Kind: TraceRequest, Vehicle: v})

	if prev, ok := a.admitted[v.Key()]; ok {
		// Repeated request from an admitted vehicle: the grant was lost.
		prev.LastSeen = now
		a.admitted[v.Key()] = prev
		logf("re-granting %s at %s", prev, prev.GrantTime.Format(time.StampMilli))
		a.notify(prev)
		return
	}

	at, ok := a.policy.Admit(now, v, a.admittedLocked())
	if !ok {
		if a.queue.Enqueue(v) {
			logf("%s waits, %d queued, %d admitted", v, a.queue.Len(), len(a.admitted))
		}
		return
	}
	a.queue.Remove(v.ID)
	a.admitLocked(v, at)
}

// Exit handles a vehicle leaving the intersection and admits whoever can
// now go.
func (a *Arbiter) Exit(id protocol.Vehicle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()

	a.queue.Remove(id)
	v, ok := a.admitted[id.Key()]
	if !ok {
		logf("exit from %s which was not admitted", id)
		return
	}
	delete(a.admitted, id.Key())
	latency := now.Sub(v.GrantTime)
	if latency < 0 {
		latency = 0
	}
	a.latencies = append(a.latencies, latency.Seconds())
	logf("%s exited after %s", v, latency)
	a.trace(TraceEvent{At: now, Kind: TraceExit, Vehicle: v, Latency: latency})

	a.admitWaitingLocked(now)
}

// EvictStale drops admitted and waiting vehicles that have been silent for
// longer than the occupancy timeout, returning how many were dropped.
func (a *Arbiter) EvictStale() int {
	if a.timeout <= 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()

	evicted := 0
	for k, v := range a.admitted {
		if now.Sub(v.LastSeen) > a.timeout && now.After(v.ReleaseTime()) {
			delete(a.admitted, k)
			evicted++
			logf("evicting silent occupant %s, last seen %s ago", v, now.Sub(v.LastSeen))
			a.trace(TraceEvent{At: now, Kind: TraceEvict, Vehicle: v})
		}
	}
	for _, v := range a.queue.Snapshot() {
		if now.Sub(v.LastSeen) > a.timeout {
			a.queue.Remove(v.ID)
			evicted++
			logf("evicting silent waiter %s", v)
			a.trace(TraceEvent{At: now, Kind: TraceEvict, Vehicle: v})
		}
	}
	if evicted > 0 {
		a.admitWaitingLocked(now)
	}
	return evicted
}

// Run evicts stale vehicles and re-evaluates the queue every interval until
// ctx is done.
func (a *Arbiter) Run(ctx context.Context, interval time.Duration) {
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.EvictStale()
			a.RetryWaiting()
		}
	}
}

// RetryWaiting re-evaluates the queue, which admits waiters of time-based
// policies such as the traffic light once their phase comes.
func (a *Arbiter) RetryWaiting() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.admitWaitingLocked(a.clock.Now())
}

// Admitted returns the admitted vehicles ordered by grant time.
func (a *Arbiter) Admitted() []Vehicle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.admittedLocked()
}

// Waiting returns the queue in admission order.
func (a *Arbiter) Waiting() []Vehicle { return a.queue.Snapshot() }

// Latency summarises time in intersection over every exit so far.
func (a *Arbiter) Latency() LatencySummary {
	a.mu.Lock()
	samples := append([]float64(nil), a.latencies...)
	a.mu.Unlock()
	return summarize(samples)
}

func (a *Arbiter) admittedLocked() []Vehicle {
	out := make([]Vehicle, 0, len(a.admitted))
	for _, v := range a.admitted {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantTime.Equal(out[j].GrantTime) {
			return out[i].GrantTime.Before(out[j].GrantTime)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// admitWaitingLocked grants, in queue order, every waiting vehicle the
// policy now accepts. A blocked vehicle does not hold back later ones.
func (a *Arbiter) admitWaitingLocked(now time.Time) {
	for _, v := range a.queue.Snapshot() {
		at, ok := a.policy.Admit(now, v, a.admittedLocked())
		if !ok {
			continue
		}
		a.queue.Remove(v.ID)
		a.admitLocked(v, at)
	}
}

func (a *Arbiter) admitLocked(v Vehicle, at time.Time) {
	v.GrantTime = at
	v.LastSeen = a.clock.Now()
	a.admitted[v.Key()] = v
	if v.Reservation {
		logf("granting %s reservation at %s", v, at.Format(time.StampMilli))
	} else {
		logf("granting %s access", v)
	}
	a.trace(TraceEvent{At: a.clock.Now(), Kind: TraceGrant, Vehicle: v})
	a.notify(v)
}

func (a *Arbiter) notify(v Vehicle) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(v.ID, grantMessage(v)); err != nil {
		// The vehicle re-sends its request and is re-granted then.
		logf("failed to deliver grant to %s: %v", v.ID, err)
	}
}

func (a *Arbiter) trace(ev TraceEvent) {
	if a.tracer == nil {
		return
	}
	ev.QueueLen = a.queue.Len()
	ev.Occupants = len(a.admitted)
	if err := a.tracer.RecordTrace(ev); err != nil {
		logf("trace: %v", err)
	}
}

// NewFromConfig builds the policy and queue for a named policy.
func NewFromConfig(policy string, specs intersection.Specs, cfg Config) (*Arbiter, error) {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	p, err := NewPolicy(policy, specs, cfg.Clock.Now())
	if err != nil {
		return nil, err
	}
	cfg.Policy = p
	if cfg.Queue == nil {
		cfg.Queue = NewVehiclePriorityQueue(nil)
	}
	return New(cfg)
}
