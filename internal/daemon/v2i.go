package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/autointersection/internal/neighbor"
	"github.com/banshee-data/autointersection/internal/protocol"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

// V2IMode selects the request discipline.
type V2IMode string

const (
	// V2IPlain requests access at the approach marker.
	V2IPlain V2IMode = "plain"
	// V2IStopSign ignores the approach marker, stops at the entrance and
	// only then asks, first come first served.
	V2IStopSign V2IMode = "stop-sign"
	// V2IReservation asks for an entry time at the approach marker and
	// adjusts its speed to arrive when it is due.
	V2IReservation V2IMode = "reservation"
)

// DefaultRequestTimeout is how long a request goes unanswered before it is
// sent again.
const DefaultRequestTimeout = 2 * time.Second

const outboxSize = 16

// Sender delivers a message to the arbiter. *Client satisfies it.
type Sender interface {
	Send(m protocol.Message) error
}

// V2IConfig configures a V2I coordinator.
type V2IConfig struct {
	Mode    V2IMode
	Self    protocol.Vehicle
	Entry   string
	Exit    string
	Arbiter Sender
	Clock   timeutil.Clock

	RequestTimeout time.Duration
	// TimeToCross is sent with reservation requests.
	TimeToCross time.Duration
	// Speed and DistanceToEntrance let a reservation vehicle pace itself.
	// Speed may be nil.
	Speed              SpeedSetter
	DistanceToEntrance float64
}

// V2I coordinates through the arbiter.
type V2I struct {
	cfg     V2IConfig
	updated chan struct{}
	// outbox holds messages for the arbiter. Only Run sends them; the
	// daemon loop never touches the session.
	outbox chan protocol.Message

	mu          sync.Mutex
	requesting  bool
	approaching bool
	lastRequest time.Time
	granted     bool
	grantAt     time.Time
}

// NewV2I returns an idle coordinator. Wire HandleMessage to the arbiter
// session to receive grants.
func NewV2I(cfg V2IConfig) *V2I {
	if cfg.Mode == "" {
		cfg.Mode = V2IPlain
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &V2I{
		cfg:     cfg,
		updated: make(chan struct{}, 1),
		outbox:  make(chan protocol.Message, outboxSize),
	}
}

func (c *V2I) Name() string { return "v2i-" + string(c.cfg.Mode) }

// Run delivers queued messages to the arbiter until ctx is done. A *Client
// arbiter is closed on the way out, which also abandons a dial in progress.
func (c *V2I) Run(ctx context.Context) error {
	if cl, ok := c.cfg.Arbiter.(*Client); ok {
		stop := context.AfterFunc(ctx, func() { cl.Close() })
		defer stop()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.outbox:
			c.send(m)
		}
	}
}

func (c *V2I) send(m protocol.Message) {
	if err := c.cfg.Arbiter.Send(m); err != nil {
		if m.Type() == protocol.TypeExiting {
			logf("[v2i] %v", err)
			return
		}
		logf("[v2i] %v, retrying in %s", err, c.cfg.RequestTimeout)
	}
}

// enqueue never blocks. A full outbox means Run is stuck on the arbiter,
// and an unsent request is repeated by Cycle anyway.
func (c *V2I) enqueue(m protocol.Message) {
	select {
	case c.outbox <- m:
	default:
		logf("[v2i] arbiter outbox full, dropping %s", m.Type())
	}
}

func (c *V2I) Updated() <-chan struct{} { return c.updated }

// HandleMessage accepts grants from the arbiter.
func (c *V2I) HandleMessage(m protocol.Message) {
	now := c.cfg.Clock.Now()
	c.mu.Lock()
	switch msg := m.(type) {
	case protocol.GrantAccess:
		if c.cfg.Mode == V2IReservation {
			logf("[v2i] plain grant in reservation mode, crossing now")
		}
		c.grantLocked(now)
	case protocol.GrantReservation:
		c.grantLocked(msg.At())
	default:
		logf("[v2i] unexpected %s from arbiter", m.Type())
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.updated <- struct{}{}:
	default:
	}
}

func (c *V2I) grantLocked(at time.Time) {
	if !c.requesting {
		logf("[v2i] grant while not requesting, ignoring")
		return
	}
	if c.granted && !c.grantAt.Equal(at) {
		logf("[v2i] duplicate grant, %s replaces %s", at.Format(time.RFC3339Nano), c.grantAt.Format(time.RFC3339Nano))
	}
	c.granted = true
	c.grantAt = at
	logf("[v2i] granted, entry in %s", c.cfg.Clock.Until(at).Round(time.Millisecond))
	c.paceLocked(c.cfg.Clock.Now())
}

// paceLocked aims to reach the entrance at the reserved time.
func (c *V2I) paceLocked(now time.Time) {
	if c.cfg.Speed == nil || c.cfg.Mode != V2IReservation || !c.approaching || !c.granted {
		return
	}
	speed := MaxSpeed
	if left := c.grantAt.Sub(now); left > 0 && c.cfg.DistanceToEntrance > 0 {
		speed = min(c.cfg.DistanceToEntrance/left.Seconds(), MaxSpeed)
	}
	logf("[v2i] pacing to %.3f m/s", speed)
	if err := c.cfg.Speed.SetSpeed(speed); err != nil {
		logf("[v2i] %v", err)
	}
}

func (c *V2I) Approach(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted = false
	c.grantAt = time.Time{}
	c.lastRequest = time.Time{}
	if c.cfg.Mode == V2IStopSign {
		return
	}
	c.approaching = true
	c.requesting = true
	c.requestLocked(now)
}

func (c *V2I) Enter(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approaching = false
	if c.cfg.Mode == V2IStopSign && !c.requesting {
		c.requesting = true
		c.requestLocked(now)
	}
}

// Cycle re-sends an unanswered request once RequestTimeout has passed.
func (c *V2I) Cycle(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requesting && !c.granted && now.Sub(c.lastRequest) >= c.cfg.RequestTimeout {
		c.requestLocked(now)
	}
}

func (c *V2I) requestLocked(now time.Time) {
	c.lastRequest = now
	var m protocol.Message
	switch c.cfg.Mode {
	case V2IReservation:
		m = protocol.RequestReservation{
			Vehicle: c.cfg.Self, Entry: c.cfg.Entry, Exit: c.cfg.Exit,
			TimeToCross: c.cfg.TimeToCross.Milliseconds(),
		}
	default:
		m = protocol.RequestAccess{Vehicle: c.cfg.Self, Entry: c.cfg.Entry, Exit: c.cfg.Exit}
	}
	c.enqueue(m)
}

func (c *V2I) Clearance(time.Time) neighbor.SafeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.granted {
		return neighbor.Unsafe()
	}
	return neighbor.SafeAt(c.grantAt)
}

func (c *V2I) Cross(time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approaching = false
	if c.cfg.Speed != nil && c.cfg.Mode == V2IReservation {
		if err := c.cfg.Speed.SetSpeed(MaxSpeed); err != nil {
			logf("[v2i] %v", err)
		}
	}
}

func (c *V2I) Exit(time.Time) {
	c.mu.Lock()
	c.requesting = false
	c.granted = false
	c.grantAt = time.Time{}
	c.approaching = false
	c.mu.Unlock()

	c.enqueue(protocol.Exiting{Vehicle: c.cfg.Self})
}
