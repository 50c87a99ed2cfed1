// Package neighbor tracks the status of nearby vehicles from their beacons
// and decides whether it is safe for the local vehicle to cross.
package neighbor

import (
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/autointersection/internal/beacon"
	"github.com/banshee-data/autointersection/internal/monitoring"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

var logf = monitoring.Prefixed("neighbor")

// State is what the local vehicle knows about one neighbor.
type State struct {
	Addr        netip.Addr    `json:"addr"`
	ID          int           `json:"id"`
	Port        int           `json:"port"`
	Status      beacon.Status `json:"status"`
	Entry       string        `json:"entry,omitempty"`
	Exit        string        `json:"exit,omitempty"`
	EntryTime   time.Time     `json:"entry_time"`
	TimeToCross time.Duration `json:"time_to_cross,omitempty"`
	Seq         uint64        `json:"seq"`
	LastUpdated time.Time     `json:"last_updated"`
}

// Age is how long ago the neighbor was last heard from.
func (s State) Age(now time.Time) time.Duration {
	return now.Sub(s.LastUpdated)
}

// Config configures a List.
type Config struct {
	LocalAddr netip.Addr
	Entry     string
	Exit      string
	Policy    Policy
	Clock     timeutil.Clock
}

// List is the neighbor table. It is written by the beacon receiver and read
// by the daemon's polling loop, so every access takes the lock. The list is
// passive: the owner calls FlushOldEntries on its own schedule.
type List struct {
	clock  timeutil.Clock
	policy Policy

	mu      sync.RWMutex
	self    Self
	entries map[netip.Addr]*State
}

// New returns an empty List.
func New(cfg Config) *List {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Policy == nil {
		cfg.Policy = SerialPolicy{}
	}
	return &List{
		clock:   cfg.Clock,
		policy:  cfg.Policy,
		self:    Self{ID: beacon.VehicleID(cfg.LocalAddr), Entry: cfg.Entry, Exit: cfg.Exit},
		entries: make(map[netip.Addr]*State),
	}
}

// Policy returns the decision policy in use.
func (l *List) Policy() Policy { return l.policy }

// SetPath changes the local path used for conflict checks.
func (l *List) SetPath(entry, exit string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.self.Entry, l.self.Exit = entry, exit
}

// Update records b. Beacons whose sender ID equals the local ID, including
// our own broadcasts looping back, are ignored.
func (l *List) Update(b beacon.Beacon) {
	id := b.ID()
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if id == l.self.ID {
		return
	}
	s, ok := l.entries[b.Addr]
	if !ok {
		s = &State{Addr: b.Addr, ID: id}
		l.entries[b.Addr] = s
		logf("new neighbor %s (id %d) %s", b.Addr, id, b.Status)
	} else if s.Status != b.Status {
		logf("neighbor %s %s -> %s", b.Addr, s.Status, b.Status)
	}
	s.Port = b.Port
	s.Status = b.Status
	s.Entry = b.Entry
	s.Exit = b.Exit
	s.EntryTime = b.EntryAt()
	s.TimeToCross = b.CrossDuration()
	s.Seq = b.Seq
	s.LastUpdated = now
}

// HandleBeacon lets the list be wired directly to a beacon.Receiver.
func (l *List) HandleBeacon(b beacon.Beacon, _ *net.UDPAddr) {
	l.Update(b)
}

// FlushOldEntries drops every neighbor older than maxAge and returns how
// many were removed.
func (l *List) FlushOldEntries(maxAge time.Duration) int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for addr, s := range l.entries {
		if s.Age(now) > maxAge {
			logf("evicting neighbor %s, last heard %s ago", addr, s.Age(now))
			delete(l.entries, addr)
			removed++
		}
	}
	return removed
}

// IsSafeToCross runs the policy over the current table. An empty table is
// safe.
func (l *List) IsSafeToCross() SafeState {
	now := l.clock.Now()
	l.mu.RLock()
	self := l.self
	snapshot := l.snapshotLocked()
	l.mu.RUnlock()
	return l.policy.Decide(now, self, snapshot)
}

// Snapshot returns a copy of every neighbor, sorted by ID.
func (l *List) Snapshot() []State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Get returns the state of the neighbor at addr.
func (l *List) Get(addr netip.Addr) (State, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.entries[addr]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// Len is the number of tracked neighbors.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *List) snapshotLocked() []State {
	out := make([]State, 0, len(l.entries))
	for _, s := range l.entries {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Addr.Less(out[j].Addr)
	})
	return out
}
