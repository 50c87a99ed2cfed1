// Package intersection describes intersection geometry: which entry and exit
// points exist and whether two traversals share any part of the box.
package intersection

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownPoint is returned when an entry or exit ID is not part of the
// intersection layout.
var ErrUnknownPoint = errors.New("unknown intersection point")

// Specs answers path-conflict questions for one intersection layout.
type Specs interface {
	// Name identifies the layout in configuration.
	Name() string
	// ValidPath reports whether entry -> exit is a legal traversal.
	ValidPath(entry, exit string) error
	// WillIntersect reports whether the two traversals overlap. Unknown or
	// invalid paths always conflict.
	WillIntersect(myEntry, myExit, nbrEntry, nbrExit string) bool
}

// TwoLaneFourWay is a four-way junction with one lane in each direction.
// Sides are numbered counter-clockwise starting at the south approach:
// 1=S, 2=E, 3=N, 4=W. Entry points are "E1".."E4" and exit points
// "X1".."X4", both numbered by side. The box is split into four quadrants
// (0=SE, 1=NE, 2=NW, 3=SW) and a traversal occupies the quadrants it sweeps.
type TwoLaneFourWay struct{}

const sides = 4

func (TwoLaneFourWay) Name() string { return "two-lane-four-way" }

func (s TwoLaneFourWay) ValidPath(entry, exit string) error {
	_, err := s.quadrants(entry, exit)
	return err
}

func (s TwoLaneFourWay) WillIntersect(myEntry, myExit, nbrEntry, nbrExit string) bool {
	mine, err := s.quadrants(myEntry, myExit)
	if err != nil {
		return true
	}
	theirs, err := s.quadrants(nbrEntry, nbrExit)
	if err != nil {
		return true
	}
	return mine&theirs != 0
}

// quadrants returns the occupied quadrant set as a bitmask. A right turn
// sweeps one quadrant, straight two, left three.
func (TwoLaneFourWay) quadrants(entry, exit string) (uint8, error) {
	in, err := side(entry, "E")
	if err != nil {
		return 0, err
	}
	out, err := side(exit, "X")
	if err != nil {
		return 0, err
	}
	turn := ((out-in)%sides + sides) % sides
	if turn == 0 {
		return 0, fmt.Errorf("%w: U-turn %s -> %s", ErrUnknownPoint, entry, exit)
	}
	var mask uint8
	for k := 0; k < turn; k++ {
		mask |= 1 << uint((in-1+k)%sides)
	}
	return mask, nil
}

func side(id, prefix string) (int, error) {
	if !strings.HasPrefix(id, prefix) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPoint, id)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
	if err != nil || n < 1 || n > sides {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPoint, id)
	}
	return n, nil
}

// SingleLane treats every pair of traversals as conflicting, which reduces
// the parallel protocols to serial behaviour.
type SingleLane struct{}

func (SingleLane) Name() string { return "single-lane" }

func (SingleLane) ValidPath(entry, exit string) error {
	if entry == "" || exit == "" {
		return fmt.Errorf("%w: empty entry or exit", ErrUnknownPoint)
	}
	return nil
}

func (SingleLane) WillIntersect(_, _, _, _ string) bool { return true }

// Lookup returns the layout registered under name.
func Lookup(name string) (Specs, error) {
	switch name {
	case "", TwoLaneFourWay{}.Name():
		return TwoLaneFourWay{}, nil
	case SingleLane{}.Name():
		return SingleLane{}, nil
	default:
		return nil, fmt.Errorf("unknown intersection layout %q", name)
	}
}

// Roads groups entry points into roads that can share a green phase.
// Layouts that do not implement it are treated as a single road.
type Roads interface {
	NumRoads() int
	Road(entry string) (int, error)
}

// NumRoads is two: the south-north road and the east-west road.
func (TwoLaneFourWay) NumRoads() int { return 2 }

// Road returns 0 for entries on the south-north road and 1 for east-west.
func (TwoLaneFourWay) Road(entry string) (int, error) {
	n, err := side(entry, "E")
	if err != nil {
		return 0, err
	}
	return (n - 1) % 2, nil
}
