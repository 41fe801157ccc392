package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind uint8

const (
	KindTsTransition Kind = iota + 1
	KindBalancingTransition
	KindFaultExpired
	KindFaultCleared
	KindControlFault
	KindStats
)

func (k Kind) String() string {
	switch k {
	case KindTsTransition:
		return "ts-transition"
	case KindBalancingTransition:
		return "balancing-transition"
	case KindFaultExpired:
		return "fault-expired"
	case KindFaultCleared:
		return "fault-cleared"
	case KindControlFault:
		return "control-fault"
	case KindStats:
		return "stats"
	default:
		return "unknown"
	}
}

// Event is a telemetry notification. CBOR encoding uses integer keys.
type Event struct {
	ID   string    `cbor:"1,keyasint"`
	Kind Kind      `cbor:"2,keyasint"`
	Time time.Time `cbor:"3,keyasint"`

	// Mono is the control loop time base at which the event was raised.
	Mono time.Duration `cbor:"4,keyasint"`

	// Source is "ts", "balancing/<board>" or "faults".
	Source string `cbor:"5,keyasint"`

	From   string `cbor:"6,keyasint,omitempty"`
	To     string `cbor:"7,keyasint,omitempty"`
	Reason string `cbor:"8,keyasint,omitempty"`

	// Fault events
	Group    string `cbor:"9,keyasint,omitempty"`
	Instance int    `cbor:"10,keyasint,omitempty"`

	// Balancing events
	Session   string `cbor:"11,keyasint,omitempty"`
	Selection uint64 `cbor:"12,keyasint,omitempty"`

	// Stats events
	Counters map[string]uint64 `cbor:"13,keyasint,omitempty"`
}

// NewEvent stamps a new event with an ID and the wall clock.
func NewEvent(kind Kind, source string, mono time.Duration) Event {
	return Event{
		ID:     uuid.NewString(),
		Kind:   kind,
		Time:   time.Now(),
		Mono:   mono,
		Source: source,
	}
}

// Transition builds a state transition event.
func Transition(kind Kind, source string, mono time.Duration, from, to, reason string) Event {
	ev := NewEvent(kind, source, mono)
	ev.From = from
	ev.To = to
	ev.Reason = reason
	return ev
}
