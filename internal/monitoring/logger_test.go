package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLoggerAndPrefixed(t *testing.T) {
	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	defer SetLogger(nil)

	Prefixed("v2v")("granted at %d", 42)
	Logf("plain")

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0] != "[v2v] granted at 42" {
		t.Errorf("lines[0] = %q", lines[0])
	}
	if lines[1] != "plain" {
		t.Errorf("lines[1] = %q", lines[1])
	}
}

func TestSetLoggerNilMutes(t *testing.T) {
	SetLogger(nil)
	// Must not panic.
	Logf("dropped %s", "line")
}
