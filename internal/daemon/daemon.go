// Package daemon runs the client side of intersection coordination: one state
// machine driven by detector events, with the variant-specific protocol
// (V2V beacons or a V2I arbiter session) plugged in as a Coordinator.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/autointersection/internal/detector"
	"github.com/banshee-data/autointersection/internal/monitoring"
	"github.com/banshee-data/autointersection/internal/neighbor"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

var logf = monitoring.Prefixed("daemon")

// ErrDetectorFailure is returned by Run after an ERROR event.
var ErrDetectorFailure = errors.New("intersection detector failed")

// Defaults for Config.
const (
	DefaultCycleTime       = 100 * time.Millisecond
	DefaultMinSafeDuration = 2100 * time.Millisecond
	DefaultExitGrace       = time.Second
)

// Coordinator is the variant-specific half of the daemon. Every method but
// Run is called from the daemon loop goroutine.
type Coordinator interface {
	Name() string
	// Run performs background I/O until ctx is done.
	Run(ctx context.Context) error
	// Updated fires when new information may change Clearance. A nil
	// channel is fine.
	Updated() <-chan struct{}

	Approach(now time.Time)
	Enter(now time.Time)
	// Cycle runs once per CycleTime in every state.
	Cycle(now time.Time)
	// Clearance says whether the vehicle may cross; see neighbor.SafeState.
	Clearance(now time.Time) neighbor.SafeState
	Cross(now time.Time)
	Exit(now time.Time)
}

// Config configures a Daemon.
type Config struct {
	Coordinator Coordinator
	Follower    LineFollower
	Clock       timeutil.Clock

	CycleTime time.Duration
	// MinSafeDuration is how long an unconfirmed safe result must hold
	// before the vehicle grants itself access.
	MinSafeDuration time.Duration
	// StopOnExit pauses the follower ExitGrace after the exit marker.
	StopOnExit bool
	ExitGrace  time.Duration
}

// Status is a snapshot of the daemon for the debug page.
type Status struct {
	Coordinator string    `json:"coordinator"`
	State       string    `json:"state"`
	Granted     bool      `json:"granted"`
	Paused      bool      `json:"paused"`
	SafeSince   time.Time `json:"safe_since"`
	WaitUntil   time.Time `json:"wait_until"`
}

// Daemon is the client state machine.
type Daemon struct {
	cfg    Config
	events chan detector.Event

	stopOnce sync.Once
	stop     chan struct{}

	mu        sync.Mutex
	state     detector.EventType
	granted   bool
	paused    bool
	safeSince time.Time
	waitUntil time.Time
	exitPause time.Time
	failure   error
}

// New validates cfg and returns an idle daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("daemon: coordinator is required")
	}
	if cfg.Follower == nil {
		return nil, errors.New("daemon: line follower is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.CycleTime <= 0 {
		cfg.CycleTime = DefaultCycleTime
	}
	if cfg.MinSafeDuration <= 0 {
		cfg.MinSafeDuration = DefaultMinSafeDuration
	}
	if cfg.ExitGrace <= 0 {
		cfg.ExitGrace = DefaultExitGrace
	}
	return &Daemon{
		cfg:    cfg,
		events: make(chan detector.Event, 16),
		stop:   make(chan struct{}),
	}, nil
}

// HandleEvent queues a detector event for the loop. It implements
// detector.Listener.
func (d *Daemon) HandleEvent(e detector.Event) {
	select {
	case d.events <- e:
	case <-d.stop:
	}
}

// Stop ends Run. It is safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Run drives the state machine until ctx is done, Stop is called or the
// detector reports an error.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.cfg.Coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logf("%s coordinator stopped: %v", d.cfg.Coordinator.Name(), err)
		}
	}()

	logf("running %s coordinator, cycle %s", d.cfg.Coordinator.Name(), d.cfg.CycleTime)
	ticker := d.cfg.Clock.NewTicker(d.cfg.CycleTime)
	defer ticker.Stop()

	var wake timeutil.Timer
	var wakeC <-chan time.Time
	defer func() {
		if wake != nil {
			wake.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stop:
			return nil
		case e := <-d.events:
			d.handle(e)
		case <-d.cfg.Coordinator.Updated():
			d.tick(d.cfg.Clock.Now())
		case <-ticker.C():
			d.tick(d.cfg.Clock.Now())
		case <-wakeC:
			d.tick(d.cfg.Clock.Now())
		}

		if err := d.err(); err != nil {
			return err
		}

		// Deadlines that fall between cycles get their own timer so a
		// reservation is honoured on time rather than on the next tick.
		if at := d.nextDeadline(); !at.IsZero() {
			delay := d.cfg.Clock.Until(at)
			if wake == nil {
				wake = d.cfg.Clock.NewTimer(delay)
			} else {
				wake.Stop()
				wake.Reset(delay)
			}
			wakeC = wake.C()
		} else if wake != nil {
			wake.Stop()
			wakeC = nil
		}
	}
}

// Status returns a snapshot for diagnostics.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Coordinator: d.cfg.Coordinator.Name(),
		State:       d.state.String(),
		Granted:     d.granted,
		Paused:      d.paused,
		SafeSince:   d.safeSince,
		WaitUntil:   d.waitUntil,
	}
}

func (d *Daemon) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failure
}

func (d *Daemon) nextDeadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case !d.waitUntil.IsZero():
		return d.waitUntil
	case !d.exitPause.IsZero():
		return d.exitPause
	}
	return time.Time{}
}

func (d *Daemon) handle(e detector.Event) {
	now := d.cfg.Clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	switch e.Type {
	case detector.Approaching:
		logf("approaching intersection")
		d.state = detector.Approaching
		d.granted = false
		d.safeSince = time.Time{}
		d.waitUntil = time.Time{}
		d.exitPause = time.Time{}
		d.cfg.Coordinator.Approach(now)
		d.checkLocked(now)

	case detector.Entering:
		d.state = detector.Entering
		d.cfg.Coordinator.Enter(now)
		if d.granted {
			logf("entering intersection, access granted")
			return
		}
		logf("entering intersection without access, stopping")
		d.pauseLocked()
		d.checkLocked(now)

	case detector.Exiting:
		logf("exiting intersection")
		d.cfg.Coordinator.Exit(now)
		d.state = detector.Idle
		d.granted = false
		d.safeSince = time.Time{}
		d.waitUntil = time.Time{}
		if d.cfg.StopOnExit {
			d.exitPause = now.Add(d.cfg.ExitGrace)
		}

	case detector.Error:
		logf("detector error, stopping: %v", e.Err)
		d.state = detector.Error
		d.pauseLocked()
		d.failure = fmt.Errorf("%w: %v", ErrDetectorFailure, e.Err)

	default:
		logf("discarding unexpected event %s", e)
	}
}

// tick runs one cycle at now.
func (d *Daemon) tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg.Coordinator.Cycle(now)

	if !d.exitPause.IsZero() && !now.Before(d.exitPause) {
		logf("exit grace elapsed, pausing")
		d.exitPause = time.Time{}
		d.pauseLocked()
	}
	if d.granted && d.paused && d.state == detector.Entering {
		d.resumeLocked()
	}
	d.checkLocked(now)
}

func (d *Daemon) checkLocked(now time.Time) {
	if d.granted || (d.state != detector.Approaching && d.state != detector.Entering) {
		return
	}

	s := d.cfg.Coordinator.Clearance(now)
	switch {
	case !s.Safe:
		if !d.safeSince.IsZero() || !d.waitUntil.IsZero() {
			logf("no longer safe to cross")
		}
		d.safeSince = time.Time{}
		d.waitUntil = time.Time{}

	case s.At.IsZero():
		d.waitUntil = time.Time{}
		if d.safeSince.IsZero() {
			logf("might be safe to cross, confirming for %s", d.cfg.MinSafeDuration)
			d.safeSince = now
			return
		}
		if held := now.Sub(d.safeSince); held >= d.cfg.MinSafeDuration {
			logf("safe for %s, granting self access", held)
			d.grantLocked(now)
		}

	case now.Before(s.At):
		if !d.waitUntil.Equal(s.At) {
			logf("safe to cross in %s", s.At.Sub(now))
		}
		d.safeSince = time.Time{}
		d.waitUntil = s.At

	default:
		d.grantLocked(now)
	}
}

func (d *Daemon) grantLocked(now time.Time) {
	logf("crossing (%s)", d.cfg.Coordinator.Name())
	d.granted = true
	d.safeSince = time.Time{}
	d.waitUntil = time.Time{}
	d.cfg.Coordinator.Cross(now)
	if d.paused {
		d.resumeLocked()
	}
}

func (d *Daemon) resumeLocked() {
	if err := d.cfg.Follower.Resume(); err != nil {
		logf("%v", err)
		return
	}
	d.paused = false
}

func (d *Daemon) pauseLocked() {
	if err := d.cfg.Follower.Pause(); err != nil {
		logf("%v", err)
		return
	}
	d.paused = true
}
