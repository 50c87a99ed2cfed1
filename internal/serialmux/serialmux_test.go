package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localHostRequest(method, target string, body *strings.Reader) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func recv(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func TestMonitorFansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, a := mux.Subscribe()
	idB, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData("MARKER,1,0.40\r\nVR=2.0,ID=a,SP=entry,TS=1\n")
	assert.Equal(t, "MARKER,1,0.40", recv(t, a))
	assert.Equal(t, "MARKER,1,0.40", recv(t, b))
	assert.Equal(t, "VR=2.0,ID=a,SP=entry,TS=1", recv(t, a))
	assert.Equal(t, "VR=2.0,ID=a,SP=entry,TS=1", recv(t, b))

	mux.Unsubscribe(idB)
	_, ok := <-b
	assert.False(t, ok, "unsubscribed channel should be closed")

	require.NoError(t, mux.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}
	_, ok = <-a
	assert.False(t, ok)
}

func TestSubscribeAfterClose(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	require.NoError(t, mux.Close())
	_, ch := mux.Subscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestSendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("LF PAUSE"))
	require.NoError(t, mux.SendCommand("LF RESUME\n"))
	assert.Equal(t, "LF PAUSE\nLF RESUME\n", port.Written())

	port.ShortWrite = true
	assert.ErrorIs(t, mux.SendCommand("LF PAUSE"), ErrWriteFailed)

	port.ShortWrite = false
	port.WriteError = errors.New("device unplugged")
	assert.Error(t, mux.SendCommand("LF PAUSE"))
}

func TestInitialize(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	require.NoError(t, mux.Initialize("MARKER ON", "LF RESUME"))
	assert.Equal(t, "MARKER ON\nLF RESUME\n", port.Written())

	port.WriteError = errors.New("boom")
	assert.Error(t, mux.Initialize("MARKER ON"))
}

func TestMockSerialMuxReplaysLines(t *testing.T) {
	mux := NewMockSerialMux([]string{"VR=2.0,ID=a,SP=approach,TS=1", "VR=2.0,ID=a,SP=entry,TS=2"}, 5*time.Millisecond)
	_, ch := mux.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	assert.Equal(t, "VR=2.0,ID=a,SP=approach,TS=1", recv(t, ch))
	assert.Equal(t, "VR=2.0,ID=a,SP=entry,TS=2", recv(t, ch))
	assert.Equal(t, "VR=2.0,ID=a,SP=approach,TS=1", recv(t, ch), "lines loop")
	require.NoError(t, mux.SendCommand("LF PAUSE"))
	require.NoError(t, mux.Close())
}

func TestPortOptions(t *testing.T) {
	n, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, n)
	assert.Equal(t, "115200 8N1", PortOptions{}.String())

	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 9600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)

	for _, bad := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "mark"}} {
		if _, err := bad.Normalize(); err == nil {
			t.Errorf("Normalize(%+v) succeeded", bad)
		}
	}
}

func TestNewSerialMuxWithOpener(t *testing.T) {
	port := NewTestableSerialPort()
	var gotPath string
	var gotMode *serial.Mode
	mux, err := NewSerialMuxWithOpener("/dev/ttyUSB0", PortOptions{}, func(path string, mode *serial.Mode) (SerialPorter, error) {
		gotPath, gotMode = path, mode
		return port, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", gotPath)
	assert.Equal(t, 115200, gotMode.BaudRate)
	require.NoError(t, mux.SendCommand("x"))

	_, err = NewSerialMuxWithOpener("/dev/none", PortOptions{}, func(string, *serial.Mode) (SerialPorter, error) {
		return nil, errors.New("no such device")
	})
	assert.Error(t, err)
}

func TestClassifyLine(t *testing.T) {
	tests := map[string]string{
		"VR=2.0,ID=a,SP=approach,TS=1": LineCricket,
		"MARKER,2,0.35":                LineMarker,
		"marker,2,0.35":                LineMarker,
		"OK LF PAUSE":                  LineAck,
		"ERR unknown command":          LineAck,
		"hello":                        LineUnknown,
	}
	for line, want := range tests {
		if got := ClassifyLine(line); got != want {
			t.Errorf("ClassifyLine(%q) = %q, want %q", line, got, want)
		}
	}
}

func TestAdminRoutes_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	srv := http.NewServeMux()
	mux.AttachAdminRoutes(srv)

	form := url.Values{"command": {"LF PAUSE"}}
	req := localHostRequest("POST", "/debug/send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, "LF PAUSE\n", port.Written())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, localHostRequest("GET", "/debug/send-command-api", nil))
	assert.Equal(t, 405, rec.Code)

	rec = httptest.NewRecorder()
	req = localHostRequest("POST", "/debug/send-command-api", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, localHostRequest("GET", "/debug/send-command", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "<form")
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	id, ch := d.Subscribe()
	assert.NoError(t, d.SendCommand("LF PAUSE"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)
	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}
