// Package monitoring holds the process-wide diagnostic logger used by the
// coordination packages.
package monitoring

import (
	"log"
	"sync/atomic"
)

type logFunc func(format string, v ...interface{})

var current atomic.Value

func init() {
	current.Store(logFunc(log.Printf))
}

// Logf writes a diagnostic line through the installed logger. It defaults to
// log.Printf.
func Logf(format string, v ...interface{}) {
	current.Load().(logFunc)(format, v...)
}

// SetLogger replaces the package logger. Passing nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		current.Store(logFunc(func(string, ...interface{}) {}))
		return
	}
	current.Store(logFunc(f))
}

// Prefixed returns a logger that tags every line with "[component] ".
func Prefixed(component string) func(format string, v ...interface{}) {
	p := "[" + component + "] "
	return func(format string, v ...interface{}) {
		Logf(p+format, v...)
	}
}
