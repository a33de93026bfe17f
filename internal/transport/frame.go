// Package transport implements the realtime gateway wire protocol: JSON
// frames over a websocket, with named events in both directions.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/bazaarhq/realtime/pkg/models"
)

// Frame types on the wire.
const (
	FrameEvent = "event"
	FramePing  = "ping"
)

// Outbound event names. Inbound names are the models.EventKind set.
const (
	OutRoomJoin    = "room.join"
	OutRoomLeave   = "room.leave"
	OutTypingStart = "typing.start"
	OutTypingStop  = "typing.stop"
)

// Frame is one JSON message on the websocket, in either direction.
type Frame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomPayload is the payload of outbound room.join / room.leave events.
type RoomPayload struct {
	RoomID string `json:"room_id"`
}

// TypingPayload is the payload of outbound typing events.
type TypingPayload struct {
	RoomID string `json:"room_id"`
}

// DecodeEvent converts an inbound event frame into a typed bus event.
// Frames with an unknown event name return an error; the caller logs and
// drops them rather than tearing the connection down.
func DecodeEvent(f Frame) (models.Event, error) {
	kind := models.EventKind(f.Event)
	if !kind.Valid() {
		return models.Event{}, fmt.Errorf("unknown event %q", f.Event)
	}

	evt := models.Event{Kind: kind, Seq: f.Seq}
	switch kind {
	case models.EventMessageNew:
		var msg models.Message
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			return models.Event{}, fmt.Errorf("decode %s payload: %w", f.Event, err)
		}
		evt.Message = &msg
	case models.EventTypingStart, models.EventTypingStop:
		var typing models.TypingEvent
		if err := json.Unmarshal(f.Payload, &typing); err != nil {
			return models.Event{}, fmt.Errorf("decode %s payload: %w", f.Event, err)
		}
		evt.Typing = &typing
	case models.EventPresenceChanged:
		var presence models.Presence
		if err := json.Unmarshal(f.Payload, &presence); err != nil {
			return models.Event{}, fmt.Errorf("decode %s payload: %w", f.Event, err)
		}
		evt.Presence = &presence
	case models.EventRoomJoined, models.EventRoomLeft:
		var room models.RoomEvent
		if err := json.Unmarshal(f.Payload, &room); err != nil {
			return models.Event{}, fmt.Errorf("decode %s payload: %w", f.Event, err)
		}
		evt.Room = &room
	}
	return evt, nil
}

// EncodeEvent builds an outbound event frame.
func EncodeEvent(event string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Frame{Type: FrameEvent, Event: event, Payload: raw}, nil
}
