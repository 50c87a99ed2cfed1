package detector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autointersection/internal/monitoring"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func captureLogs(t *testing.T) *[]string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, format)
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return &lines
}

func TestDetector_WellFormedSequence(t *testing.T) {
	logs := captureLogs(t)
	d := New(timeutil.NewMockClock(time.Unix(0, 0)))
	seq := []func(){
		d.GenApproachingEvent, d.GenEnteringEvent, d.GenExitingEvent,
		d.GenApproachingEvent, d.GenEnteringEvent,
	}
	want := []EventType{Approaching, Entering, Exiting, Approaching, Entering}
	for i, gen := range seq {
		gen()
		if got := d.PreviousEventType(); got != want[i] {
			t.Fatalf("after call %d PreviousEventType = %s, want %s", i+1, got, want[i])
		}
	}
	if len(*logs) != 0 {
		t.Errorf("well formed sequence logged warnings: %v", *logs)
	}
}

func TestDetector_OutOfOrderIsLoggedAndEmitted(t *testing.T) {
	logs := captureLogs(t)
	d := New(nil)
	rec := &recorder{}
	d.AddListener(rec)

	d.GenEnteringEvent() // no APPROACHING first
	d.Wait()

	assert.Equal(t, []EventType{Entering}, rec.types())
	assert.Equal(t, Entering, d.PreviousEventType())
	assert.Len(t, *logs, 1)
}

func TestDetector_FanOutAndRemove(t *testing.T) {
	d := New(nil)
	a, b := &recorder{}, &recorder{}
	d.AddListener(a)
	idB := d.AddListener(b)

	d.GenApproachingEvent()
	d.Wait()
	d.RemoveListener(idB)
	d.GenEnteringEvent()
	d.Wait()

	assert.Equal(t, []EventType{Approaching, Entering}, a.types())
	assert.Equal(t, []EventType{Approaching}, b.types())
}

func TestDetector_SlowListenerDoesNotBlock(t *testing.T) {
	d := New(nil)
	release := make(chan struct{})
	d.AddListener(ListenerFunc(func(Event) { <-release }))
	fast := &recorder{}
	d.AddListener(fast)

	done := make(chan struct{})
	go func() {
		d.GenApproachingEvent()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GenApproachingEvent blocked on a slow listener")
	}

	require.Eventually(t, func() bool { return len(fast.types()) == 1 }, time.Second, time.Millisecond)
	close(release)
	d.Wait()
}

func TestDetector_ErrorEvent(t *testing.T) {
	d := New(nil)
	rec := &recorder{}
	d.AddListener(rec)
	boom := errors.New("serial port gone")
	d.GenErrorEvent(boom)
	d.Wait()

	require.Len(t, rec.events, 1)
	assert.Equal(t, Error, rec.events[0].Type)
	assert.ErrorIs(t, rec.events[0].Err, boom)
	assert.Equal(t, Idle, d.PreviousEventType(), "errors do not advance the sequence")
}

func TestMarkerDetector(t *testing.T) {
	captureLogs(t)
	m := NewMarkerDetector(nil)
	rec := &recorder{}
	m.AddListener(rec)

	m.MarkerEvent(1, 2.0)  // approach line
	m.MarkerEvent(1, 0.05) // double read, rejected
	m.MarkerEvent(2, 0.40) // stop line
	m.MarkerEvent(3, 0.50) // too close to be the exit
	m.MarkerEvent(3, 0.60) // now 1.1m past the entrance
	m.Wait()

	assert.Equal(t, []EventType{Approaching, Entering, Exiting}, rec.types())
}

func TestParseMarkerLine(t *testing.T) {
	n, dist, err := ParseMarkerLine("MARKER,2,0.37\r")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.37, dist, 1e-9)

	for _, bad := range []string{"", "MARKER,2", "BLOB,1,0.1", "MARKER,x,0.1", "MARKER,1,y"} {
		if _, _, err := ParseMarkerLine(bad); err == nil {
			t.Errorf("ParseMarkerLine(%q) succeeded", bad)
		}
	}
}

func TestParseCricketLine(t *testing.T) {
	r, err := ParseCricketLine("VR=2.0,ID=01:8b:2d,SP=approach,DB=87,DR=2548,TM=2601,TS=1893456")
	require.NoError(t, err)
	assert.Equal(t, CricketReading{
		Version: 2.0, BeaconID: "01:8b:2d", SpaceID: "approach",
		Distance: 87, Duration: 2548, FlightTime: 2601, SysTime: 1893456,
	}, r)

	short, err := ParseCricketLine("VR=2.0,ID=01:8b:2d,SP=exit,TS=99")
	require.NoError(t, err)
	assert.Equal(t, -1, short.Distance)
	assert.Equal(t, int64(99), short.SysTime)

	for _, bad := range []string{"garbage", "VR=2.0,ID=1,SP=x", "VR=a,ID=1,SP=x,TS=1", "VR=2.0,ID=1,SP=x,DB=z,DR=1,TM=1,TS=1"} {
		if _, err := ParseCricketLine(bad); err == nil {
			t.Errorf("ParseCricketLine(%q) succeeded", bad)
		}
	}
}

func TestCricketDetector_ZonesAndSuppression(t *testing.T) {
	captureLogs(t)
	c := NewCricketDetector(nil, DefaultCricketZones())
	rec := &recorder{}
	c.AddListener(rec)

	for _, line := range []string{
		"VR=2.0,ID=a,SP=approach,TS=1",
		"VR=2.0,ID=a,SP=approach,TS=2",
		"VR=2.0,ID=b,SP=entry,TS=3",
		"VR=2.0,ID=z,SP=parking,TS=4",
		"not a cricket line",
		"VR=2.0,ID=c,SP=exit,TS=5",
		"VR=2.0,ID=a,SP=approach,TS=6",
	} {
		c.HandleLine(line)
	}
	c.Wait()

	assert.Equal(t, []EventType{Approaching, Entering, Exiting, Approaching}, rec.types())
}

func TestCricketDetector_MaxDistance(t *testing.T) {
	zones := DefaultCricketZones()
	zones.MaxDistance = 100
	c := NewCricketDetector(nil, zones)
	rec := &recorder{}
	c.AddListener(rec)

	c.HandleReading(CricketReading{SpaceID: "approach", Distance: 250})
	c.HandleReading(CricketReading{SpaceID: "approach", Distance: -1})
	c.HandleReading(CricketReading{SpaceID: "approach", Distance: 40})
	c.Wait()

	assert.Equal(t, []EventType{Approaching}, rec.types())
}

type fakeLines struct {
	ch           chan string
	unsubscribed chan string
}

func (f *fakeLines) Subscribe() (string, chan string) { return "sub-1", f.ch }
func (f *fakeLines) Unsubscribe(id string)            { f.unsubscribed <- id }

type lineLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLog) HandleLine(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
}

func TestRun(t *testing.T) {
	src := &fakeLines{ch: make(chan string), unsubscribed: make(chan string, 1)}
	h := &lineLog{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, src, h) }()

	src.ch <- "b"
	src.ch <- "a"
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, "sub-1", <-src.unsubscribed)
	got := append([]string(nil), h.lines...)
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "EXITING", Exiting.String())
	assert.Equal(t, "EventType(9)", EventType(9).String())
}
