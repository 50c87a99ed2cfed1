package beacon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Handler consumes decoded beacons. It is called on the receiver goroutine
// and must not block for long.
type Handler interface {
	HandleBeacon(b Beacon, from *net.UDPAddr)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Beacon, *net.UDPAddr)

func (f HandlerFunc) HandleBeacon(b Beacon, from *net.UDPAddr) { f(b, from) }

// Recorder captures raw beacon datagrams, e.g. to a pcap file.
type Recorder interface {
	Record(ts time.Time, from *net.UDPAddr, payload []byte) error
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Address to listen on, e.g. ":6000".
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Factory     UDPSocketFactory
	Handler     Handler
	Recorder    Recorder
}

// ReceiverStats are cumulative counters.
type ReceiverStats struct {
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
}

// Receiver listens for beacon datagrams and hands each valid beacon to the
// configured handler.
type Receiver struct {
	cfg       ReceiverConfig
	received  atomic.Uint64
	malformed atomic.Uint64
}

// NewReceiver fills in defaults for cfg.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	return &Receiver{cfg: cfg}
}

// Stats returns the current counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{Received: r.received.Load(), Malformed: r.malformed.Load()}
}

// Start listens until ctx is cancelled. Reads use a short deadline so
// cancellation is noticed promptly.
func (r *Receiver) Start(ctx context.Context) error {
	if r.cfg.Handler == nil {
		return errors.New("beacon receiver has no handler")
	}
	addr, err := net.ResolveUDPAddr("udp", r.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve beacon address: %w", err)
	}
	conn, err := r.cfg.Factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for beacons: %w", err)
	}
	defer conn.Close()

	if r.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(r.cfg.RcvBuf); err != nil {
			logf("failed to set receive buffer to %d: %v", r.cfg.RcvBuf, err)
		}
	}
	logf("listening for beacons on %s", conn.LocalAddr())

	go r.logStats(ctx)

	buf := make([]byte, MaxSize+1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logf("beacon read error: %v", err)
			continue
		}
		r.handleDatagram(buf[:n], from)
	}
}

func (r *Receiver) handleDatagram(data []byte, from *net.UDPAddr) {
	if r.cfg.Recorder != nil {
		if err := r.cfg.Recorder.Record(time.Now(), from, data); err != nil {
			logf("recording beacon: %v", err)
		}
	}
	b, err := Decode(data)
	if err != nil {
		r.malformed.Add(1)
		logf("dropping datagram from %v: %v", from, err)
		return
	}
	r.received.Add(1)
	r.cfg.Handler.HandleBeacon(b, from)
}

func (r *Receiver) logStats(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := r.Stats()
			logf("beacons received=%d malformed=%d", s.Received, s.Malformed)
		}
	}
}
