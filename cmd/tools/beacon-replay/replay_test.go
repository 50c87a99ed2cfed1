package main

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autointersection/internal/beacon"
	"github.com/banshee-data/autointersection/internal/monitoring"
)

func init() { monitoring.SetLogger(nil) }

func capture(t *testing.T, t0 time.Time) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w, err := beacon.NewPCAPWriter(&buf, net.UDPAddr{Port: beacon.DefaultPort})
	require.NoError(t, err)

	nbr := netip.MustParseAddr("10.0.0.2")
	self := netip.MustParseAddr("10.0.0.4")
	late := netip.MustParseAddr("10.0.0.9")
	for _, c := range []struct {
		at   time.Duration
		addr netip.Addr
		st   beacon.Status
	}{
		{0, nbr, beacon.Requesting},
		{time.Second, nbr, beacon.Crossing},
		{2 * time.Second, nbr, beacon.Exiting},
		{3 * time.Second, self, beacon.Requesting},
		{8 * time.Second, late, beacon.Idle},
	} {
		data, err := beacon.Encode(beacon.NewParallel(c.addr, beacon.DefaultPort, c.st, "E1", "X3"))
		require.NoError(t, err)
		from := &net.UDPAddr{IP: c.addr.AsSlice(), Port: beacon.DefaultPort}
		require.NoError(t, w.Record(t0.Add(c.at), from, data))
	}
	return &buf
}

func testOptions() Options {
	return Options{
		Self:         netip.MustParseAddr("10.0.0.4"),
		Port:         beacon.DefaultPort,
		Entry:        "E1",
		Exit:         "X3",
		Kind:         beacon.Parallel,
		Arbitration:  "lower-id",
		Intersection: "two-lane-four-way",
		MaxAge:       5 * time.Second,
	}
}

func TestReplay(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples, err := replay(context.Background(), capture(t, t0), testOptions())
	require.NoError(t, err)
	require.Len(t, samples, 5)

	assert.False(t, samples[0].Decision.Safe, "lower id is requesting")
	assert.False(t, samples[1].Decision.Safe, "conflicting vehicle crossing")
	assert.True(t, samples[2].Decision.Safe)
	assert.Len(t, samples[3].Table, 1, "own beacon is ignored")

	// The first neighbor has been silent for 6s by the last beacon.
	require.Len(t, samples[4].Table, 1)
	assert.Equal(t, 9, samples[4].Table[0].ID)

	changes := decisionChanges(samples)
	require.Len(t, changes, 2)
	assert.True(t, changes[0].At.Equal(t0))
	assert.True(t, changes[1].At.Equal(t0.Add(2*time.Second)))
}

func TestReplayRejectsBadOptions(t *testing.T) {
	opts := testOptions()
	opts.Arbitration = "coin-toss"
	_, err := replay(context.Background(), capture(t, time.Now()), opts)
	assert.Error(t, err)
}

func TestPlotTimeline(t *testing.T) {
	samples, err := replay(context.Background(), capture(t, time.Now()), testOptions())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "timeline.png")
	require.NoError(t, plotTimeline(samples, "test", path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Error(t, plotTimeline(nil, "empty", path))
}
