package beacon

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autointersection/internal/monitoring"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var (
	addr3 = netip.MustParseAddr("10.11.12.3")
	addr7 = netip.MustParseAddr("10.11.12.7")
)

func TestVehicleID(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{"10.11.12.3", 3},
		{"192.168.0.254", 254},
		{"::ffff:10.0.0.9", 9},
		{"fe80::1:2a", 0x2a},
	}
	for _, tt := range tests {
		if got := VehicleID(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("VehicleID(%s) = %d, want %d", tt.addr, got, tt.want)
		}
	}
	if got := VehicleID(netip.Addr{}); got != -1 {
		t.Errorf("VehicleID(invalid) = %d, want -1", got)
	}
}

func TestEncodeDecode(t *testing.T) {
	entry := time.UnixMilli(1714564800000)
	in := NewReservation(addr7, DefaultPort, Requesting, "E1", "X3", entry, 4*time.Second)
	in.Seq = 12

	data, err := Encode(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"REQUESTING"`)
	assert.Contains(t, string(data), `"kind":"reservation"`)

	out, err := Decode(data)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("decoded beacon mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 7, out.ID())
	assert.True(t, out.EntryAt().Equal(entry))
	assert.Equal(t, 4*time.Second, out.CrossDuration())
}

func TestReservationUnknownEntryTime(t *testing.T) {
	b := NewReservation(addr3, DefaultPort, Requesting, "E1", "X2", time.Time{}, time.Second)
	assert.Equal(t, int64(-1), b.EntryTime)
	assert.True(t, b.EntryAt().IsZero())
}

func TestDecodeRejects(t *testing.T) {
	tests := map[string]string{
		"not json":           `{`,
		"unknown status":     `{"kind":"serial","addr":"10.0.0.1","port":6000,"status":"PARKED"}`,
		"unknown kind":       `{"kind":"platoon","addr":"10.0.0.1","port":6000,"status":"IDLE"}`,
		"missing address":    `{"kind":"serial","port":6000,"status":"IDLE"}`,
		"bad port":           `{"kind":"serial","addr":"10.0.0.1","port":0,"status":"IDLE"}`,
		"parallel sans path": `{"kind":"parallel","addr":"10.0.0.1","port":6000,"status":"CROSSING"}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			if !errors.Is(err, ErrInvalidBeacon) {
				t.Errorf("Decode err = %v, want ErrInvalidBeacon", err)
			}
		})
	}
	_, err := Decode(bytes.Repeat([]byte(" "), MaxSize+1))
	assert.ErrorIs(t, err, ErrInvalidBeacon)
}

func TestWithStatusDoesNotMutate(t *testing.T) {
	orig := NewParallel(addr3, DefaultPort, Requesting, "E1", "X2")
	next := orig.WithStatus(Crossing)
	assert.Equal(t, Requesting, orig.Status)
	assert.Equal(t, Crossing, next.Status)
}

func TestBroadcaster_SequenceAndNoopBeforeSet(t *testing.T) {
	sender := &MockSender{}
	b, err := NewBroadcaster(BroadcasterConfig{Conn: sender, MinPeriod: 100 * time.Millisecond, MaxPeriod: time.Second})
	require.NoError(t, err)

	require.NoError(t, b.SendNow())
	assert.Empty(t, sender.Sent, "nothing to send before SetBeacon")

	b.SetBeacon(NewSerial(addr3, DefaultPort, Requesting))
	require.NoError(t, b.SendNow())
	b.SetBeacon(NewSerial(addr3, DefaultPort, Crossing))
	require.NoError(t, b.SendNow())

	got := sender.Beacons()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].Seq)
	assert.Equal(t, uint64(1), got[1].Seq)
	assert.Equal(t, Crossing, got[1].Status)
	assert.Equal(t, uint64(2), b.Sent())

	cur, ok := b.Current()
	assert.True(t, ok)
	assert.Equal(t, uint64(2), cur.Seq)
}

func TestBroadcaster_WriteErrorKeepsSequence(t *testing.T) {
	sender := &MockSender{WriteErr: errors.New("network unreachable")}
	b, err := NewBroadcaster(BroadcasterConfig{Conn: sender})
	require.NoError(t, err)
	b.SetBeacon(NewSerial(addr3, DefaultPort, Idle))

	assert.Error(t, b.SendNow())
	cur, _ := b.Current()
	assert.Equal(t, uint64(0), cur.Seq)
}

func TestBroadcaster_NextPeriodUniformBounds(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999999} {
		b, err := NewBroadcaster(BroadcasterConfig{
			Conn: &MockSender{}, MinPeriod: 5 * time.Second, MaxPeriod: 10 * time.Second,
			Rand: func() float64 { return r },
		})
		require.NoError(t, err)
		p := b.NextPeriod()
		if p < 5*time.Second || p > 10*time.Second {
			t.Errorf("NextPeriod with r=%v = %s, outside [5s, 10s]", r, p)
		}
	}
	b, _ := NewBroadcaster(BroadcasterConfig{Conn: &MockSender{}, Rand: func() float64 { return 0.5 }})
	assert.Equal(t, 7500*time.Millisecond, b.NextPeriod())
}

func TestNewBroadcaster_Invalid(t *testing.T) {
	_, err := NewBroadcaster(BroadcasterConfig{Conn: &MockSender{}, MinPeriod: time.Second, MaxPeriod: time.Millisecond})
	assert.Error(t, err)
	_, err = NewBroadcaster(BroadcasterConfig{})
	assert.Error(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestBroadcaster_RunJitterAndKick(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	sender := &MockSender{}
	b, err := NewBroadcaster(BroadcasterConfig{
		Conn: sender, Clock: clock,
		MinPeriod: 100 * time.Millisecond, MaxPeriod: 200 * time.Millisecond,
		Rand: func() float64 { return 0 },
	})
	require.NoError(t, err)
	b.SetBeacon(NewSerial(addr3, DefaultPort, Requesting))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	waitFor(t, func() bool { return b.Sent() == 1 && clock.PendingTimers() == 1 })
	clock.Advance(100 * time.Millisecond)
	waitFor(t, func() bool { return b.Sent() == 2 && clock.PendingTimers() == 1 })

	// A status change goes out without waiting for the timer.
	b.SetBeacon(NewSerial(addr3, DefaultPort, Crossing))
	waitFor(t, func() bool { return b.Sent() == 3 })

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	got := sender.Beacons()
	assert.Equal(t, Crossing, got[len(got)-1].Status)
}

func TestBroadcaster_RunAgainRedials(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	b, err := NewBroadcaster(BroadcasterConfig{Address: ln.LocalAddr().String(), MinPeriod: time.Hour, MaxPeriod: time.Hour})
	require.NoError(t, err)
	b.SetBeacon(NewSerial(addr3, DefaultPort, Requesting))

	buf := make([]byte, 2048)
	for run := 0; run < 2; run++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- b.Run(ctx) }()

		require.NoError(t, ln.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := ln.ReadFromUDP(buf)
		require.NoError(t, err, "run %d", run)
		got, err := Decode(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, uint64(run), got.Seq)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	}
}

func TestBroadcaster_LeavesInjectedConnOpen(t *testing.T) {
	sender := &MockSender{}
	b, err := NewBroadcaster(BroadcasterConfig{Conn: sender, MinPeriod: time.Hour, MaxPeriod: time.Hour})
	require.NoError(t, err)
	b.SetBeacon(NewSerial(addr3, DefaultPort, Idle))

	for run := 1; run <= 2; run++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- b.Run(ctx) }()
		waitFor(t, func() bool { return b.Sent() == uint64(run) })
		cancel()
		<-done
	}
	assert.False(t, sender.Closed())
	assert.Len(t, sender.Beacons(), 2)
}

type collect struct {
	mu      sync.Mutex
	beacons []Beacon
}

func (c *collect) HandleBeacon(b Beacon, _ *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beacons = append(c.beacons, b)
}

func (c *collect) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.beacons)
}

func mustEncode(t *testing.T, b Beacon) []byte {
	t.Helper()
	data, err := Encode(b)
	require.NoError(t, err)
	return data
}

func TestReceiver_DispatchesValidBeacons(t *testing.T) {
	from := &net.UDPAddr{IP: net.ParseIP("10.11.12.7"), Port: 40000}
	sock := NewMockUDPSocket(
		MockUDPPacket{Data: mustEncode(t, NewSerial(addr7, DefaultPort, Requesting)), Addr: from},
		MockUDPPacket{Data: []byte("garbage"), Addr: from},
		MockUDPPacket{Data: mustEncode(t, NewSerial(addr7, DefaultPort, Crossing)), Addr: from},
	)
	h := &collect{}
	r := NewReceiver(ReceiverConfig{Address: "127.0.0.1:0", Factory: &MockUDPSocketFactory{Socket: sock}, Handler: h, RcvBuf: 1 << 16})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	waitFor(t, func() bool { return h.len() == 2 })
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, ReceiverStats{Received: 2, Malformed: 1}, r.Stats())
	assert.Equal(t, 1<<16, sock.ReadBufferSize)
	assert.Equal(t, Crossing, h.beacons[1].Status)
}

func TestReceiver_ListenError(t *testing.T) {
	r := NewReceiver(ReceiverConfig{Address: "127.0.0.1:0", Factory: &MockUDPSocketFactory{Err: errors.New("address in use")}, Handler: &collect{}})
	assert.Error(t, r.Start(context.Background()))

	r = NewReceiver(ReceiverConfig{Address: "127.0.0.1:0"})
	assert.Error(t, r.Start(context.Background()), "missing handler")
}

func TestPCAPRecordAndReplay(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewPCAPWriter(&buf, net.UDPAddr{Port: DefaultPort})
	require.NoError(t, err)

	t0 := time.Unix(1714564800, 0).UTC()
	from3 := &net.UDPAddr{IP: net.ParseIP("10.11.12.3"), Port: 40001}
	from7 := &net.UDPAddr{IP: net.ParseIP("10.11.12.7"), Port: 40002}
	require.NoError(t, w.Record(t0, from3, mustEncode(t, NewSerial(addr3, DefaultPort, Requesting))))
	require.NoError(t, w.Record(t0.Add(time.Second), from7, []byte("not a beacon")))
	require.NoError(t, w.Record(t0.Add(2*time.Second), from7, mustEncode(t, NewSerial(addr7, DefaultPort, Crossing))))

	var got []Captured
	n, err := ReplayPCAP(context.Background(), &buf, DefaultPort, func(c Captured) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.True(t, got[0].Time.Equal(t0))
	assert.Equal(t, "10.11.12.3", got[0].From.IP.String())
	assert.Equal(t, 40001, got[0].From.Port)
	assert.Equal(t, Crossing, got[1].Beacon.Status)
	assert.Equal(t, 7, got[1].Beacon.ID())
}

func TestReplayPCAP_OtherPortIgnored(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewPCAPWriter(&buf, net.UDPAddr{Port: 9999})
	require.NoError(t, err)
	require.NoError(t, w.Record(time.Now(), nil, mustEncode(t, NewSerial(addr3, DefaultPort, Idle))))

	n, err := ReplayPCAP(context.Background(), &buf, DefaultPort, func(Captured) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplayPCAP_NotAPcap(t *testing.T) {
	_, err := ReplayPCAP(context.Background(), bytes.NewReader([]byte("hello")), DefaultPort, func(Captured) error { return nil })
	assert.Error(t, err)
}
