package serialmux

import "strings"

// Line kinds seen on the vehicle's serial ports.
const (
	LineCricket = "cricket"
	LineMarker  = "marker"
	LineAck     = "ack"
	LineUnknown = "unknown"
)

// ClassifyLine tells Cricket listener reports, IR marker counts and motor
// controller acknowledgements apart when they share a port.
func ClassifyLine(line string) string {
	l := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(l, "VR="):
		return LineCricket
	case len(l) >= 7 && strings.EqualFold(l[:7], "MARKER,"):
		return LineMarker
	case strings.HasPrefix(l, "OK") || strings.HasPrefix(l, "ERR"):
		return LineAck
	default:
		return LineUnknown
	}
}
