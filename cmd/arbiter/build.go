package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/autointersection/internal/arbiter"
	"github.com/banshee-data/autointersection/internal/config"
	"github.com/banshee-data/autointersection/internal/db"
	"github.com/banshee-data/autointersection/internal/intersection"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

// evictInterval is how often stale occupants are swept and the waiting
// queue re-evaluated.
const evictInterval = 250 * time.Millisecond

// manager is the arbiter with its transport and optional trace store.
type manager struct {
	arbiter *arbiter.Arbiter
	server  *arbiter.Server
	store   *db.DB
	trace   *db.TraceRecorder
}

func newManager(cfg *config.ArbiterConfig, clock timeutil.Clock) (*manager, error) {
	specs, err := intersection.Lookup(cfg.GetIntersection())
	if err != nil {
		return nil, err
	}

	m := &manager{server: arbiter.NewServer(nil)}
	acfg := arbiter.Config{
		Notifier:         m.server,
		Clock:            clock,
		OccupancyTimeout: cfg.GetOccupancyTimeout(),
	}

	if path := cfg.GetDBPath(); path != "" {
		store, err := db.NewDB(path)
		if err != nil {
			return nil, fmt.Errorf("open trace db: %w", err)
		}
		rec, err := store.StartRun(cfg.GetPolicy(), specs.Name(), clock.Now())
		if err != nil {
			store.Close()
			return nil, err
		}
		m.store, m.trace = store, rec
		acfg.Tracer = rec
	}

	a, err := arbiter.NewFromConfig(cfg.GetPolicy(), specs, acfg)
	if err != nil {
		m.Close(clock)
		return nil, err
	}
	m.arbiter = a
	m.server.Handler = a
	return m, nil
}

func (m *manager) attachAdminRoutes(mux *http.ServeMux) {
	m.arbiter.AttachAdminRoutes(mux)
	if m.store != nil {
		m.store.AttachAdminRoutes(mux)
	}
}

// Close ends the trace run and closes the store.
func (m *manager) Close(clock timeutil.Clock) error {
	if m.store == nil {
		return nil
	}
	if err := m.trace.End(clock.Now()); err != nil {
		log.Printf("failed to end trace run: %v", err)
	}
	return m.store.Close()
}
