package main

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"

	"github.com/banshee-data/autointersection/internal/beacon"
	"github.com/banshee-data/autointersection/internal/config"
	"github.com/banshee-data/autointersection/internal/daemon"
	"github.com/banshee-data/autointersection/internal/detector"
	"github.com/banshee-data/autointersection/internal/intersection"
	"github.com/banshee-data/autointersection/internal/neighbor"
	"github.com/banshee-data/autointersection/internal/protocol"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

// devMarkerLines drive one pass through the intersection every few seconds
// when running without hardware.
var devMarkerLines = []string{
	"MARKER,1,0.50",
	"MARKER,2,0.36",
	"MARKER,3,1.50",
}

// sensorDetector is a detector that consumes serial lines.
type sensorDetector interface {
	detector.LineHandler
	AddListener(l detector.Listener) int
}

func newDetector(cfg *config.VehicleConfig, clock timeutil.Clock) sensorDetector {
	if cfg.GetDetector() == config.DetectorCricket {
		approach, entry, exit, maxDist := cfg.GetCricketZones()
		return detector.NewCricketDetector(clock, detector.CricketZones{
			Approach: approach, Entry: entry, Exit: exit, MaxDistance: maxDist,
		})
	}
	return detector.NewMarkerDetector(clock)
}

// coordinator is the built coordinator plus what the binary must run or
// expose alongside it.
type coordinator struct {
	daemon.Coordinator
	neighbors *neighbor.List
	capture   *os.File
}

func (c *coordinator) attachAdminRoutes(mux *http.ServeMux) {
	if c.neighbors != nil {
		c.neighbors.AttachAdminRoutes(mux)
	}
}

func (c *coordinator) Close() error {
	if c.capture != nil {
		return c.capture.Close()
	}
	return nil
}

// localAddress returns the configured address or the one the kernel would
// use to reach the broadcast address.
func localAddress(cfg *config.VehicleConfig) (netip.Addr, error) {
	if a := cfg.GetLocalAddress(); a.IsValid() {
		return a, nil
	}
	target := net.JoinHostPort(cfg.GetBroadcastAddress(), strconv.Itoa(cfg.GetBeaconPort()))
	if cfg.GetMode() == config.ModeV2I {
		target = cfg.GetArbiterAddress()
	}
	conn, err := net.Dial("udp", target)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("discover local address: %w", err)
	}
	defer conn.Close()
	ap, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("discover local address: %w", err)
	}
	return ap.Addr().Unmap(), nil
}

func buildCoordinator(cfg *config.VehicleConfig, self netip.Addr, clock timeutil.Clock, speed daemon.SpeedSetter) (*coordinator, error) {
	if cfg.GetMode() == config.ModeV2I {
		return buildV2I(cfg, self, clock, speed), nil
	}
	return buildV2V(cfg, self, clock)
}

func buildV2V(cfg *config.VehicleConfig, self netip.Addr, clock timeutil.Clock) (*coordinator, error) {
	specs, err := intersection.Lookup(cfg.GetIntersection())
	if err != nil {
		return nil, err
	}
	arb, err := neighbor.ParseArbitration(cfg.GetArbitration())
	if err != nil {
		return nil, err
	}
	policy, err := neighbor.NewPolicy(beacon.Kind(cfg.GetPolicy()), arb, specs)
	if err != nil {
		return nil, err
	}
	list := neighbor.New(neighbor.Config{
		LocalAddr: self, Entry: cfg.GetEntry(), Exit: cfg.GetExit(), Policy: policy, Clock: clock,
	})

	port := cfg.GetBeaconPort()
	bc, err := beacon.NewBroadcaster(beacon.BroadcasterConfig{
		Address:   net.JoinHostPort(cfg.GetBroadcastAddress(), strconv.Itoa(port)),
		MinPeriod: cfg.GetBeaconMinPeriod(),
		MaxPeriod: cfg.GetBeaconMaxPeriod(),
		Clock:     clock,
	})
	if err != nil {
		return nil, err
	}

	out := &coordinator{neighbors: list}
	rxCfg := beacon.ReceiverConfig{Address: fmt.Sprintf(":%d", port), Handler: list}
	if path := cfg.GetCapturePath(); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create beacon capture: %w", err)
		}
		w, err := beacon.NewPCAPWriter(f, net.UDPAddr{Port: port})
		if err != nil {
			f.Close()
			return nil, err
		}
		out.capture = f
		rxCfg.Recorder = w
	}

	c, err := daemon.NewV2V(daemon.V2VConfig{
		LocalAddr:      self,
		Port:           port,
		Entry:          cfg.GetEntry(),
		Exit:           cfg.GetExit(),
		TimeToCross:    cfg.GetTimeToCross(),
		MaxNeighborAge: cfg.GetMaxNeighborAge(),
		Neighbors:      list,
		Broadcaster:    bc,
		Receiver:       beacon.NewReceiver(rxCfg),
	})
	if err != nil {
		out.Close()
		return nil, err
	}
	out.Coordinator = c
	return out, nil
}

func buildV2I(cfg *config.VehicleConfig, self netip.Addr, clock timeutil.Clock, speed daemon.SpeedSetter) *coordinator {
	mode := daemon.V2IMode(cfg.GetPolicy())
	if mode != daemon.V2IReservation {
		speed = nil
	}
	// The client only calls back once connected, which is after v is set.
	var v *daemon.V2I
	client := daemon.NewClient(cfg.GetArbiterAddress(), nil, func(m protocol.Message) { v.HandleMessage(m) })
	v = daemon.NewV2I(daemon.V2IConfig{
		Mode:               mode,
		Self:               protocol.Vehicle{IP: self, Port: cfg.GetBeaconPort()},
		Entry:              cfg.GetEntry(),
		Exit:               cfg.GetExit(),
		Arbiter:            client,
		Clock:              clock,
		RequestTimeout:     cfg.GetRequestTimeout(),
		TimeToCross:        cfg.GetTimeToCross(),
		Speed:              speed,
		DistanceToEntrance: cfg.GetDistanceToEntrance(),
	})
	return &coordinator{Coordinator: v}
}
