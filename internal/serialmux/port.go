package serialmux

import (
	"io"

	"go.bug.st/serial"
)

// SerialPorter is the part of a serial port the mux uses.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortOpener opens a port; tests substitute a fake.
type SerialPortOpener func(path string, mode *serial.Mode) (SerialPorter, error)

// OpenSerialPort opens a real device with go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (SerialPorter, error) {
	return serial.Open(path, mode)
}
