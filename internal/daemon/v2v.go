package daemon

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/banshee-data/autointersection/internal/beacon"
	"github.com/banshee-data/autointersection/internal/neighbor"
)

// V2VConfig configures a V2V coordinator.
type V2VConfig struct {
	LocalAddr netip.Addr
	Port      int
	Entry     string
	Exit      string
	// TimeToCross is advertised by reservation beacons.
	TimeToCross time.Duration
	// MaxNeighborAge is passed to FlushOldEntries every cycle.
	MaxNeighborAge time.Duration

	Neighbors   *neighbor.List
	Broadcaster *beacon.Broadcaster
	// Receiver feeds Neighbors. Optional in tests, where beacons are pushed
	// into the list directly.
	Receiver *beacon.Receiver
}

// V2V coordinates through beacons and a neighbor list, with no
// infrastructure.
type V2V struct {
	cfg  V2VConfig
	kind beacon.Kind

	mu      sync.Mutex
	current beacon.Beacon
}

// NewV2V returns a coordinator advertising IDLE.
func NewV2V(cfg V2VConfig) (*V2V, error) {
	if cfg.Neighbors == nil || cfg.Broadcaster == nil {
		return nil, errors.New("v2v: neighbor list and broadcaster are required")
	}
	if cfg.MaxNeighborAge <= 0 {
		return nil, errors.New("v2v: max neighbor age must be positive")
	}
	c := &V2V{cfg: cfg, kind: cfg.Neighbors.Policy().Kind()}
	c.current = c.newBeacon(beacon.Idle)
	cfg.Broadcaster.SetBeacon(c.current)
	return c, nil
}

func (c *V2V) newBeacon(s beacon.Status) beacon.Beacon {
	switch c.kind {
	case beacon.Parallel:
		return beacon.NewParallel(c.cfg.LocalAddr, c.cfg.Port, s, c.cfg.Entry, c.cfg.Exit)
	case beacon.Reservation:
		return beacon.NewReservation(c.cfg.LocalAddr, c.cfg.Port, s, c.cfg.Entry, c.cfg.Exit, time.Time{}, c.cfg.TimeToCross)
	default:
		return beacon.NewSerial(c.cfg.LocalAddr, c.cfg.Port, s)
	}
}

func (c *V2V) Name() string { return "v2v-" + string(c.kind) }

// Run broadcasts and, when configured, receives beacons until ctx is done.
func (c *V2V) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if c.cfg.Receiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.cfg.Receiver.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logf("[v2v] beacon receiver: %v", err)
			}
		}()
	}
	err := c.cfg.Broadcaster.Run(ctx)
	wg.Wait()
	return err
}

func (c *V2V) Updated() <-chan struct{} { return nil }

// Beacon is what is currently advertised.
func (c *V2V) Beacon() beacon.Beacon {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *V2V) advertise(b beacon.Beacon) {
	c.mu.Lock()
	c.current = b
	c.mu.Unlock()
	c.cfg.Broadcaster.SetBeacon(b)
}

func (c *V2V) Approach(time.Time) {
	c.advertise(c.newBeacon(beacon.Requesting))
}

func (c *V2V) Enter(time.Time) {}

func (c *V2V) Cycle(time.Time) {
	c.cfg.Neighbors.FlushOldEntries(c.cfg.MaxNeighborAge)
}

// Clearance asks the neighbor list. A reservation vehicle advertises the
// entry time it has been promised so that lower-priority neighbors can plan
// around it.
func (c *V2V) Clearance(time.Time) neighbor.SafeState {
	s := c.cfg.Neighbors.IsSafeToCross()
	if c.kind == beacon.Reservation && s.Safe && !s.At.IsZero() {
		cur := c.Beacon()
		if !cur.EntryAt().Equal(s.At) {
			c.advertise(cur.WithEntryTime(s.At))
		}
	}
	return s
}

func (c *V2V) Cross(now time.Time) {
	b := c.newBeacon(beacon.Crossing)
	if c.kind == beacon.Reservation {
		b = b.WithEntryTime(now)
	}
	logf("[v2v] granted self access")
	c.advertise(b)
}

func (c *V2V) Exit(time.Time) {
	c.advertise(c.newBeacon(beacon.Exiting))
}
