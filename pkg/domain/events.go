package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// EventType enumerates custody events. The numeric codes match the values
// used by existing callers; zero is never a valid event.
type EventType uint8

// Closed set of custody events.
const (
	EventBottled  EventType = 1
	EventShipped  EventType = 2
	EventReceived EventType = 3
	EventSold     EventType = 4
)

var eventTypeNames = map[EventType]string{
	EventBottled:  "bottled",
	EventShipped:  "shipped",
	EventReceived: "received",
	EventSold:     "sold",
}

// EventTypes lists the valid event types in code order.
func EventTypes() []EventType {
	return []EventType{EventBottled, EventShipped, EventReceived, EventSold}
}

// Valid reports whether e belongs to the closed set.
func (e EventType) Valid() bool {
	_, ok := eventTypeNames[e]
	return ok
}

// TransfersOwnership reports whether an accepted event of this type moves
// ownership to its recipient.
func (e EventType) TransfersOwnership() bool {
	return e == EventShipped || e == EventSold
}

func (e EventType) String() string {
	if name, ok := eventTypeNames[e]; ok {
		return name
	}
	return "event(" + strconv.Itoa(int(e)) + ")"
}

// ParseEventType accepts an event name (case-insensitive) or its numeric code.
func ParseEventType(s string) (EventType, error) {
	s = strings.TrimSpace(s)
	for e, name := range eventTypeNames {
		if strings.EqualFold(s, name) {
			return e, nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil && EventType(n).Valid() {
		return EventType(n), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidEventType, s)
}

// MarshalText encodes the event name. Values outside the set are rejected so
// they never reach persistence.
func (e EventType) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidEventType, uint8(e))
	}
	return []byte(eventTypeNames[e]), nil
}

// UnmarshalText decodes a name or numeric code.
func (e *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
