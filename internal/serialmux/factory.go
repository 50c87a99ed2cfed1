package serialmux

import "fmt"

// NewRealSerialMux opens path and wraps it in a mux.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return NewSerialMuxWithOpener(path, opts, OpenSerialPort)
}

// NewSerialMuxWithOpener is NewRealSerialMux with a substitutable opener.
func NewSerialMuxWithOpener(path string, opts PortOptions, open SerialPortOpener) (*SerialMux[SerialPorter], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewSerialMux(port), nil
}
