// Command arbiter runs the V2I intersection manager: vehicles connect over
// TCP, request access, and are granted it one admission decision at a time.
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
	"github.com/banshee-data/autointersection/internal/timeutil"
	"github.com/banshee-data/autointersection/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON arbiter config (defaults are used when empty)")
	policy      = flag.String("policy", "", "Override the admission policy")
	listen      = flag.String("listen", "", "Override the vehicle listen address")
	dbPath      = flag.String("db", "", "Override the trace database path")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func loadConfig() (*config.ArbiterConfig, error) {
	var cfg *config.ArbiterConfig
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadArbiterConfig(*configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = &config.ArbiterConfig{}
		if err := config.ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	for _, o := range []struct {
		flag *string
		dst  **string
	}{
		{policy, &cfg.Policy},
		{listen, &cfg.Listen},
		{dbPath, &cfg.DBPath},
	} {
		if *o.flag != "" {
			v := *o.flag
			*o.dst = &v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("arbiter"))
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clock := timeutil.RealClock{}
	m, err := newManager(cfg, clock)
	if err != nil {
		log.Fatalf("failed to create arbiter: %v", err)
	}
	defer func() {
		if err := m.Close(clock); err != nil {
			log.Printf("failed to close trace db: %v", err)
		}
	}()
	if m.trace != nil {
		log.Printf("tracing run %s to %s", m.trace.RunID(), cfg.GetDBPath())
	}
	log.Printf("%s starting, policy %s on %s", version.String("arbiter"), cfg.GetPolicy(), cfg.GetIntersection())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		if err := m.server.ListenAndServe(ctx, cfg.GetListen()); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("vehicle server stopped: %v", err)
		}
		log.Printf("vehicle server routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.arbiter.Run(ctx, evictInterval)
		log.Printf("eviction routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		m.attachAdminRoutes(mux)

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
	if s := m.arbiter.Latency(); s.Count > 0 {
		log.Printf("time in intersection over %d crossings: mean %s, p95 %s, max %s", s.Count, s.Mean, s.P95, s.Max)
	}
	log.Printf("Graceful shutdown complete")
}
