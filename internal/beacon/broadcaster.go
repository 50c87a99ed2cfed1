package beacon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/autointersection/internal/monitoring"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

var logf = monitoring.Prefixed("beacon")

const (
	// DefaultPort is the UDP port beacons are broadcast to.
	DefaultPort = 6000
	// DefaultMinPeriod and DefaultMaxPeriod bound the generic broadcast
	// jitter. The V2V daemons use much shorter periods.
	DefaultMinPeriod = 5 * time.Second
	DefaultMaxPeriod = 10 * time.Second
)

// Sender writes one datagram per call; *net.UDPConn satisfies it.
type Sender interface {
	io.Writer
	io.Closer
}

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	// Address is the destination, e.g. "255.255.255.255:6000". Ignored when
	// Conn is set.
	Address   string
	// Conn is used as is and never closed by the broadcaster.
	Conn      Sender
	MinPeriod time.Duration
	MaxPeriod time.Duration
	Clock     timeutil.Clock
	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Broadcaster periodically sends the current beacon with a uniformly random
// period in [MinPeriod, MaxPeriod], so that vehicles started together drift
// apart instead of colliding on every send.
type Broadcaster struct {
	cfg BroadcasterConfig

	mu      sync.Mutex
	current Beacon
	has     bool
	seq     uint64
	sent    uint64
	conn    Sender

	kick chan struct{}
}

// NewBroadcaster validates cfg and returns an idle broadcaster. Nothing is
// sent until SetBeacon has been called.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.MinPeriod == 0 && cfg.MaxPeriod == 0 {
		cfg.MinPeriod, cfg.MaxPeriod = DefaultMinPeriod, DefaultMaxPeriod
	}
	if cfg.MinPeriod <= 0 || cfg.MaxPeriod < cfg.MinPeriod {
		return nil, fmt.Errorf("invalid beacon period [%s, %s]", cfg.MinPeriod, cfg.MaxPeriod)
	}
	if cfg.Conn == nil && cfg.Address == "" {
		return nil, errors.New("broadcaster needs an address or a connection")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Broadcaster{cfg: cfg, conn: cfg.Conn, kick: make(chan struct{}, 1)}, nil
}

// SetBeacon replaces the beacon being advertised. A status change is sent
// straight away instead of waiting out the current period.
func (b *Broadcaster) SetBeacon(next Beacon) {
	b.mu.Lock()
	changed := !b.has || b.current.Status != next.Status
	b.current = next
	b.has = true
	b.mu.Unlock()

	if changed {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Current returns the beacon being advertised, with the sequence number the
// next send will use.
func (b *Broadcaster) Current() (Beacon, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.current
	c.Seq = b.seq
	return c, b.has
}

// Sent reports how many beacons have been written.
func (b *Broadcaster) Sent() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

// NextPeriod draws the next inter-beacon delay.
func (b *Broadcaster) NextPeriod() time.Duration {
	span := b.cfg.MaxPeriod - b.cfg.MinPeriod
	return b.cfg.MinPeriod + time.Duration(b.cfg.Rand()*float64(span))
}

// SendNow stamps the current beacon with the next sequence number and
// writes it. It is a no-op before the first SetBeacon.
func (b *Broadcaster) SendNow() error {
	b.mu.Lock()
	if !b.has {
		b.mu.Unlock()
		return nil
	}
	out := b.current
	out.Seq = b.seq
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return errors.New("broadcaster not started")
	}
	data, err := Encode(out)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send beacon: %w", err)
	}

	b.mu.Lock()
	b.seq++
	b.sent++
	b.mu.Unlock()
	return nil
}

// Run broadcasts until ctx is cancelled. Send failures are logged and the
// loop carries on; beacons are best effort.
func (b *Broadcaster) Run(ctx context.Context) error {
	if err := b.dial(); err != nil {
		return err
	}
	defer b.close()

	for {
		select {
		case <-b.kick:
		default:
		}
		if err := b.SendNow(); err != nil {
			logf("%v", err)
		}
		t := b.cfg.Clock.NewTimer(b.NextPeriod())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-b.kick:
			t.Stop()
		case <-t.C():
		}
	}
}

func (b *Broadcaster) dial() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", b.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve beacon address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial beacon address: %w", err)
	}
	logf("broadcasting to %s every %s-%s", addr, b.cfg.MinPeriod, b.cfg.MaxPeriod)
	b.conn = conn
	return nil
}

// close drops a connection Run dialled, so the next Run dials afresh. An
// injected Conn belongs to the caller.
func (b *Broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && b.cfg.Conn == nil {
		b.conn.Close()
		b.conn = nil
	}
}
