package intersection

import (
	"errors"
	"testing"
)

func TestTwoLaneFourWay_WillIntersect(t *testing.T) {
	s := TwoLaneFourWay{}
	tests := []struct {
		name                       string
		myIn, myOut, nbrIn, nbrOut string
		want                       bool
	}{
		{"opposing right turns", "E1", "X2", "E3", "X4", false},
		{"adjacent right turns", "E1", "X2", "E2", "X3", false},
		{"opposing straights", "E1", "X3", "E3", "X1", false},
		{"crossing straights", "E1", "X3", "E2", "X4", true},
		{"left against opposing straight", "E1", "X4", "E3", "X1", true},
		{"same path", "E2", "X4", "E2", "X4", true},
		{"right turn against right turn from left", "E1", "X2", "E4", "X1", false},
		{"left turn sweeps right turn quadrant", "E1", "X2", "E4", "X3", true},
		{"right turn into straight's lane", "E1", "X2", "E4", "X2", true},
		{"unknown neighbor point", "E1", "X2", "E9", "X1", true},
		{"U-turn is conservative", "E1", "X1", "E3", "X4", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.WillIntersect(tt.myIn, tt.myOut, tt.nbrIn, tt.nbrOut); got != tt.want {
				t.Errorf("WillIntersect(%s,%s,%s,%s) = %v, want %v",
					tt.myIn, tt.myOut, tt.nbrIn, tt.nbrOut, got, tt.want)
			}
			// Conflict is symmetric.
			if got := s.WillIntersect(tt.nbrIn, tt.nbrOut, tt.myIn, tt.myOut); got != tt.want {
				t.Errorf("reversed WillIntersect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTwoLaneFourWay_ValidPath(t *testing.T) {
	s := TwoLaneFourWay{}
	if err := s.ValidPath("E1", "X3"); err != nil {
		t.Errorf("ValidPath(E1,X3) = %v", err)
	}
	for _, p := range [][2]string{{"E0", "X1"}, {"X1", "E2"}, {"E2", "X2"}, {"E1", ""}} {
		if err := s.ValidPath(p[0], p[1]); !errors.Is(err, ErrUnknownPoint) {
			t.Errorf("ValidPath(%s,%s) = %v, want ErrUnknownPoint", p[0], p[1], err)
		}
	}
}

func TestSingleLaneAlwaysConflicts(t *testing.T) {
	if !(SingleLane{}).WillIntersect("a", "b", "c", "d") {
		t.Error("single lane should always conflict")
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"", "two-lane-four-way", "single-lane"} {
		if _, err := Lookup(name); err != nil {
			t.Errorf("Lookup(%q) = %v", name, err)
		}
	}
	if _, err := Lookup("roundabout"); err == nil {
		t.Error("Lookup(roundabout) should fail")
	}
}

func TestTwoLaneFourWay_Road(t *testing.T) {
	var s TwoLaneFourWay
	for entry, want := range map[string]int{"E1": 0, "E3": 0, "E2": 1, "E4": 1} {
		got, err := s.Road(entry)
		if err != nil {
			t.Fatalf("Road(%s): %v", entry, err)
		}
		if got != want {
			t.Errorf("Road(%s) = %d, want %d", entry, got, want)
		}
	}
	if _, err := s.Road("X1"); !errors.Is(err, ErrUnknownPoint) {
		t.Errorf("Road(X1) err = %v, want ErrUnknownPoint", err)
	}
	if s.NumRoads() != 2 {
		t.Errorf("NumRoads = %d", s.NumRoads())
	}
}
