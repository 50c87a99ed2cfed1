package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var car7 = Vehicle{IP: netip.MustParseAddr("10.0.0.7"), Port: 6005}

var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func TestMessageRoundTrip(t *testing.T) {
	msgs := []Message{
		RequestAccess{Vehicle: car7, Entry: "E1", Exit: "X3"},
		RequestReservation{Vehicle: car7, Entry: "E2", Exit: "X1", TimeToCross: 4000},
		GrantAccess{Vehicle: car7},
		GrantReservation{Vehicle: car7, ReservationTime: 1_700_000_000_000},
		Exiting{Vehicle: car7},
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&buf, m))
	}
	for _, want := range msgs {
		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got, addrComparer); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", want.Type(), diff)
		}
	}
	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestEnvelopeShape(t *testing.T) {
	data, err := Marshal(RequestAccess{Vehicle: car7, Entry: "E1", Exit: "X3"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request_access","payload":{"ip":"10.0.0.7","port":6005,"entry":"E1","exit":"X3"}}`, string(data))
}

func TestUnmarshalRejects(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"teleport","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"type":"grant_reservation","payload":{"reservation_time":"soon"}}`))
	assert.Error(t, err)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"type":"exiting","payload":{}}`)))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := ReadFrame(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameTooLarge(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err = ReadFrame(bytes.NewReader(hdr[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	require.NoError(t, WriteFrame(io.Discard, make([]byte, MaxFrameSize)))
}

func TestOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- WriteMessage(client, RequestReservation{Vehicle: car7, Entry: "E3", Exit: "X4", TimeToCross: 2500})
	}()
	m, err := ReadMessage(server)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	req, ok := m.(RequestReservation)
	require.True(t, ok, "got %T", m)
	assert.Equal(t, 2500*time.Millisecond, req.CrossDuration())
	assert.Equal(t, car7, req.From())
	assert.Equal(t, "10.0.0.7:6005", req.From().String())
}

func TestGrantReservationAt(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	g := GrantReservation{Vehicle: car7, ReservationTime: at.UnixMilli()}
	assert.True(t, g.At().Equal(at))
}

func TestWriteFrameError(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	err := WriteFrame(client, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrClosedPipe), "got %v", err)
}
