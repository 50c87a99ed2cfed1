// Package arbiter is the intersection manager used by V2I vehicles. It keeps
// the admission queue and the set of admitted vehicles, applies a policy to
// each request and pushes grants back over the vehicles' TCP sessions.
package arbiter

import (
	"fmt"
	"time"

	"github.com/banshee-data/autointersection/internal/protocol"
)

// Vehicle is one requester as seen by the arbiter. Vehicles are equal when
// their IP and port are.
type Vehicle struct {
	ID          protocol.Vehicle `json:"id"`
	Entry       string           `json:"entry"`
	Exit        string           `json:"exit"`
	TimeToCross time.Duration    `json:"time_to_cross"`
	Reservation bool             `json:"reservation"`

	ArrivedAt time.Time `json:"arrived_at"`
	LastSeen  time.Time `json:"last_seen"`
	// GrantTime is when the vehicle may enter. Zero while waiting.
	GrantTime time.Time `json:"grant_time,omitempty"`
}

// Key identifies v in maps.
func (v Vehicle) Key() string { return v.ID.Key() }

// Equal reports whether v and o are the same vehicle.
func (v Vehicle) Equal(o Vehicle) bool { return v.ID == o.ID }

// ReleaseTime is when v is expected to have left the intersection.
func (v Vehicle) ReleaseTime() time.Time { return v.GrantTime.Add(v.TimeToCross) }

func (v Vehicle) String() string {
	return fmt.Sprintf("%s(%s->%s)", v.ID, v.Entry, v.Exit)
}

// vehicleFromMessage builds the arbiter's view of a request.
func vehicleFromMessage(m protocol.Message, now time.Time, defaultTTC time.Duration) (Vehicle, bool) {
	switch req := m.(type) {
	case protocol.RequestAccess:
		return Vehicle{ID: req.Vehicle, Entry: req.Entry, Exit: req.Exit, TimeToCross: defaultTTC, ArrivedAt: now, LastSeen: now}, true
	case protocol.RequestReservation:
		ttc := req.CrossDuration()
		if ttc <= 0 {
			ttc = defaultTTC
		}
		return Vehicle{ID: req.Vehicle, Entry: req.Entry, Exit: req.Exit, TimeToCross: ttc, Reservation: true, ArrivedAt: now, LastSeen: now}, true
	}
	return Vehicle{}, false
}

// grantMessage is the reply for an admitted vehicle.
func grantMessage(v Vehicle) protocol.Message {
	if v.Reservation {
		return protocol.GrantReservation{Vehicle: v.ID, ReservationTime: v.GrantTime.UnixMilli()}
	}
	return protocol.GrantAccess{Vehicle: v.ID}
}
