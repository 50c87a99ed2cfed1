package detector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/autointersection/internal/serialmux"
	"github.com/banshee-data/autointersection/internal/timeutil"
)

const (
	// MinDistBetweenMarkers debounces double reads of the same overhead
	// marker, in metres.
	MinDistBetweenMarkers = 0.1
	// MinDistToExit is how far past the entry marker the vehicle must travel
	// before a marker counts as the exit, in metres.
	MinDistToExit = 1.0
)

// MarkerDetector detects the intersection from overhead IR markers counted
// by the line-following board. The first marker is the approach line, the
// second the stop line at the entrance and the third, at least
// MinDistToExit further on, the exit.
type MarkerDetector struct {
	*Detector

	state     EventType
	travelled float64
}

// NewMarkerDetector returns an idle MarkerDetector.
func NewMarkerDetector(clock timeutil.Clock) *MarkerDetector {
	return &MarkerDetector{Detector: New(clock), state: Idle}
}

// MarkerEvent handles one marker sighting. distance is the odometry
// distance travelled since the previous sighting.
func (m *MarkerDetector) MarkerEvent(count int, distance float64) {
	m.travelled += distance
	if m.travelled < MinDistBetweenMarkers {
		logf("ir: rejecting marker %d, %.3fm since last accepted marker < %.2fm", count, m.travelled, MinDistBetweenMarkers)
		return
	}

	switch m.state {
	case Idle:
		m.travelled = 0
		m.state = Approaching
		m.GenApproachingEvent()
	case Approaching:
		m.travelled = 0
		m.state = Entering
		m.GenEnteringEvent()
	case Entering:
		if m.travelled <= MinDistToExit {
			logf("ir: ignoring exit marker after %.3fm, need more than %.1fm", m.travelled, MinDistToExit)
			return
		}
		m.travelled = 0
		m.state = Idle
		m.GenExitingEvent()
	}
}

// HandleLine parses "MARKER,<count>,<distance>" lines from the IR board.
// Lines of other kinds sharing the port are skipped; malformed marker lines
// are logged and dropped.
func (m *MarkerDetector) HandleLine(line string) {
	if serialmux.ClassifyLine(line) != serialmux.LineMarker {
		return
	}
	count, dist, err := ParseMarkerLine(line)
	if err != nil {
		logf("ir: %v", err)
		return
	}
	m.MarkerEvent(count, dist)
}

// ParseMarkerLine decodes one IR board marker report.
func ParseMarkerLine(line string) (count int, distance float64, err error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 3 || !strings.EqualFold(fields[0], "MARKER") {
		return 0, 0, fmt.Errorf("unrecognised marker line %q", line)
	}
	count, err = strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("marker count in %q: %w", line, err)
	}
	distance, err = strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("marker distance in %q: %w", line, err)
	}
	return count, distance, nil
}
