// Command vehicle runs the intersection daemon on one robot: it reads the
// intersection sensor, drives the line follower, and negotiates access with
// its neighbors (V2V) or with an arbiter (V2I).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/autointersection/internal/config"
	"github.com/banshee-data/autointersection/internal/daemon"
	"github.com/banshee-data/autointersection/internal/detector"
	"github.com/banshee-data/autointersection/internal/serialmux"
	"github.com/banshee-data/autointersection/internal/timeutil"
	"github.com/banshee-data/autointersection/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON vehicle config (defaults are used when empty)")
	devMode     = flag.Bool("dev", false, "Replay canned marker lines instead of reading a serial port")
	mode        = flag.String("mode", "", "Override the coordination mode (v2v or v2i)")
	policy      = flag.String("policy", "", "Override the coordination policy")
	entry       = flag.String("entry", "", "Override the entry lane")
	exit        = flag.String("exit", "", "Override the exit lane")
	listen      = flag.String("listen", "", "Override the debug HTTP listen address")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func loadConfig() (*config.VehicleConfig, error) {
	var cfg *config.VehicleConfig
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadVehicleConfig(*configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = &config.VehicleConfig{}
		if err := config.ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies non-empty flag values into cfg.
func applyOverrides(cfg *config.VehicleConfig) {
	for _, o := range []struct {
		flag *string
		dst  **string
	}{
		{mode, &cfg.Mode},
		{policy, &cfg.Policy},
		{entry, &cfg.Entry},
		{exit, &cfg.Exit},
		{listen, &cfg.DebugListen},
	} {
		if *o.flag != "" {
			v := *o.flag
			*o.dst = &v
		}
	}
}

func openSerial(cfg *config.VehicleConfig) (sensor, follower serialmux.SerialMuxInterface, err error) {
	switch {
	case *devMode:
		sensor = serialmux.NewMockSerialMux(devMarkerLines, 3*time.Second)
	case cfg.GetSerialPort() == "":
		log.Printf("no serial port configured, sensor disabled")
		sensor = serialmux.NewDisabledSerialMux()
	default:
		sensor, err = serialmux.NewRealSerialMux(cfg.GetSerialPort(), serialmux.PortOptions{BaudRate: cfg.GetSerialBaudRate()})
		if err != nil {
			return nil, nil, fmt.Errorf("open sensor port: %w", err)
		}
	}

	if *devMode || cfg.GetFollowerPort() == "" {
		return sensor, sensor, nil
	}
	follower, err = serialmux.NewRealSerialMux(cfg.GetFollowerPort(), serialmux.PortOptions{BaudRate: cfg.GetSerialBaudRate()})
	if err != nil {
		sensor.Close()
		return nil, nil, fmt.Errorf("open follower port: %w", err)
	}
	return sensor, follower, nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("vehicle"))
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	self, err := localAddress(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("%s starting as %s, %s/%s %s->%s", version.String("vehicle"), self, cfg.GetMode(), cfg.GetPolicy(), cfg.GetEntry(), cfg.GetExit())

	sensorSerial, followerSerial, err := openSerial(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer sensorSerial.Close()
	if followerSerial != sensorSerial {
		defer followerSerial.Close()
	}

	clock := timeutil.RealClock{}
	follower := daemon.NewCommandFollower(followerSerial)

	coord, err := buildCoordinator(cfg, self, clock, follower)
	if err != nil {
		log.Fatalf("failed to build %s coordinator: %v", cfg.GetMode(), err)
	}
	defer coord.Close()

	d, err := daemon.New(daemon.Config{
		Coordinator:     coord,
		Follower:        follower,
		Clock:           clock,
		CycleTime:       cfg.GetCycleTime(),
		MinSafeDuration: cfg.GetMinSafeDuration(),
		StopOnExit:      cfg.GetStopOnExit(),
		ExitGrace:       cfg.GetExitGrace(),
	})
	if err != nil {
		log.Fatalf("failed to create daemon: %v", err)
	}

	det := newDetector(cfg, clock)
	det.AddListener(d)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := func(name string, s serialmux.SerialMuxInterface) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor %s port: %v", name, err)
			}
			log.Printf("%s monitor routine terminated", name)
		}()
	}
	monitor("sensor", sensorSerial)
	if followerSerial != sensorSerial {
		monitor("follower", followerSerial)
	}

	// sensor lines -> detector -> daemon
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := detector.Run(ctx, sensorSerial, det); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("detector stopped: %v", err)
		}
		log.Printf("detector routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		if err := d.Run(ctx); err != nil {
			log.Printf("daemon stopped: %v", err)
		}
		log.Printf("daemon routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		sensorSerial.AttachAdminRoutes(mux)
		coord.attachAdminRoutes(mux)
		d.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    cfg.GetDebugListen(),
			Handler: mux,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("debug server failed: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	// Park the robot.
	if err := follower.Pause(); err != nil {
		log.Printf("%v", err)
	}
	log.Printf("Graceful shutdown complete")
}
