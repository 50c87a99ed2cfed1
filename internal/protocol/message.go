// Package protocol defines the vehicle-to-infrastructure messages exchanged
// with the arbiter and their framing on a TCP stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/banshee-data/autointersection/internal/timeutil"
)

// ErrUnknownMessage is returned for an envelope whose type is not known.
var ErrUnknownMessage = errors.New("unknown message type")

// Message types on the wire.
const (
	TypeRequestAccess      = "request_access"
	TypeRequestReservation = "request_reservation"
	TypeGrantAccess        = "grant_access"
	TypeGrantReservation   = "grant_reservation"
	TypeExiting            = "exiting"
)

// Vehicle identifies the sender (requests) or the addressee (grants).
type Vehicle struct {
	IP   netip.Addr `json:"ip"`
	Port int        `json:"port"`
}

func (v Vehicle) String() string {
	return netip.AddrPortFrom(v.IP, uint16(v.Port)).String()
}

// Key is a comparable identity for maps.
func (v Vehicle) Key() string { return v.IP.String() + ":" + strconv.Itoa(v.Port) }

// Message is implemented by every V2I message.
type Message interface {
	Type() string
	From() Vehicle
}

// RequestAccess asks for permission to cross along entry->exit.
type RequestAccess struct {
	Vehicle
	Entry string `json:"entry"`
	Exit  string `json:"exit"`
}

// RequestReservation asks for an entry time for a crossing of duration
// TimeToCross.
type RequestReservation struct {
	Vehicle
	Entry       string `json:"entry"`
	Exit        string `json:"exit"`
	TimeToCross int64  `json:"time_to_cross"` // ms
}

// GrantAccess admits the vehicle now.
type GrantAccess struct {
	Vehicle
}

// GrantReservation admits the vehicle from ReservationTime on.
type GrantReservation struct {
	Vehicle
	ReservationTime int64 `json:"reservation_time"` // ms since epoch
}

// Exiting reports that the vehicle has left the intersection.
type Exiting struct {
	Vehicle
}

func (RequestAccess) Type() string      { return TypeRequestAccess }
func (RequestReservation) Type() string { return TypeRequestReservation }
func (GrantAccess) Type() string        { return TypeGrantAccess }
func (GrantReservation) Type() string   { return TypeGrantReservation }
func (Exiting) Type() string            { return TypeExiting }

func (m RequestAccess) From() Vehicle      { return m.Vehicle }
func (m RequestReservation) From() Vehicle { return m.Vehicle }
func (m GrantAccess) From() Vehicle        { return m.Vehicle }
func (m GrantReservation) From() Vehicle   { return m.Vehicle }
func (m Exiting) From() Vehicle            { return m.Vehicle }

// CrossDuration returns TimeToCross as a duration.
func (m RequestReservation) CrossDuration() time.Duration {
	return time.Duration(m.TimeToCross) * time.Millisecond
}

// At returns the reservation time.
func (m GrantReservation) At() time.Time { return timeutil.FromMillis(m.ReservationTime) }

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes m in its envelope.
func Marshal(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Type(), err)
	}
	return json.Marshal(envelope{Type: m.Type(), Payload: payload})
}

// Unmarshal decodes an envelope into its concrete message.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var m Message
	var err error
	switch env.Type {
	case TypeRequestAccess:
		var v RequestAccess
		err = json.Unmarshal(env.Payload, &v)
		m = v
	case TypeRequestReservation:
		var v RequestReservation
		err = json.Unmarshal(env.Payload, &v)
		m = v
	case TypeGrantAccess:
		var v GrantAccess
		err = json.Unmarshal(env.Payload, &v)
		m = v
	case TypeGrantReservation:
		var v GrantReservation
		err = json.Unmarshal(env.Payload, &v)
		m = v
	case TypeExiting:
		var v Exiting
		err = json.Unmarshal(env.Payload, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return m, nil
}
