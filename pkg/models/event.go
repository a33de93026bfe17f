package models

import "time"

// EventKind is the closed set of realtime event kinds the core understands.
// Subscribing to a kind outside this set is a compile-time error, not a
// silently ignored string.
type EventKind string

const (
	// EventMessageNew carries a server-confirmed message for a room.
	EventMessageNew EventKind = "message.new"
	// EventTypingStart and EventTypingStop carry remote typing signals.
	EventTypingStart EventKind = "typing.start"
	EventTypingStop  EventKind = "typing.stop"
	// EventPresenceChanged carries a user's online/offline transition.
	EventPresenceChanged EventKind = "presence.changed"
	// EventRoomJoined and EventRoomLeft acknowledge membership changes.
	EventRoomJoined EventKind = "room.joined"
	EventRoomLeft   EventKind = "room.left"
)

// Kinds lists every inbound event kind, in no particular order.
func Kinds() []EventKind {
	return []EventKind{
		EventMessageNew,
		EventTypingStart,
		EventTypingStop,
		EventPresenceChanged,
		EventRoomJoined,
		EventRoomLeft,
	}
}

// Valid reports whether k is a member of the closed event-kind set.
func (k EventKind) Valid() bool {
	switch k {
	case EventMessageNew, EventTypingStart, EventTypingStop,
		EventPresenceChanged, EventRoomJoined, EventRoomLeft:
		return true
	}
	return false
}

// Event is the tagged union delivered through the event bus. Exactly one
// payload field is set, selected by Kind.
type Event struct {
	Kind EventKind `json:"kind"`
	Seq  int64     `json:"seq,omitempty"`

	Message  *Message     `json:"message,omitempty"`
	Typing   *TypingEvent `json:"typing,omitempty"`
	Presence *Presence    `json:"presence,omitempty"`
	Room     *RoomEvent   `json:"room,omitempty"`
}

// TypingEvent is a remote typing-start or typing-stop signal.
type TypingEvent struct {
	RoomID string    `json:"room_id"`
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// RoomEvent acknowledges a join or leave for this client.
type RoomEvent struct {
	RoomID string   `json:"room_id"`
	Kind   RoomKind `json:"kind,omitempty"`
}
