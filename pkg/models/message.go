package models

import (
	"time"

	"golang.org/x/text/language"
)

// RoomKind distinguishes the two realtime channel types.
type RoomKind string

const (
	RoomDirect    RoomKind = "direct"
	RoomCommunity RoomKind = "community"
)

// MessageStatus tracks the delivery state of a message as seen by this client.
type MessageStatus string

const (
	// StatusSending marks an optimistic message whose REST send is in flight.
	StatusSending MessageStatus = "sending"
	// StatusSent marks a message acknowledged by the REST send but not yet
	// confirmed over the realtime channel.
	StatusSent MessageStatus = "sent"
	// StatusFailed marks an optimistic message whose REST send failed.
	StatusFailed MessageStatus = "failed"
	// StatusDelivered marks a message confirmed by the server.
	StatusDelivered MessageStatus = "delivered"
	// StatusRead marks a message the recipient has read.
	StatusRead MessageStatus = "read"
)

// Message is one chat message within a room.
//
// Within a room's in-memory list no two messages share an ID, and the list is
// ordered by (CreatedAt, ID). Optimistic messages carry a locally generated
// pending ID until the authoritative copy replaces them.
type Message struct {
	ID             string         `json:"id"`
	RoomID         string         `json:"room_id"`
	SenderID       string         `json:"sender_id"`
	SenderName     string         `json:"sender_name,omitempty"`
	Content        string         `json:"content"`
	SourceLanguage string         `json:"source_language,omitempty"` // BCP 47 tag, e.g. "pt-BR"
	Status         MessageStatus  `json:"status,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`

	// Pending is true while ID is a locally generated placeholder.
	Pending bool `json:"-"`
}

// Before reports whether m sorts strictly before other in a room's list.
// Ordering is non-decreasing by CreatedAt with ID as tie-break.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// DetectedLanguage parses the message's source-language tag. It returns
// language.Und and false when the tag is absent or malformed.
func (m Message) DetectedLanguage() (language.Tag, bool) {
	if m.SourceLanguage == "" {
		return language.Und, false
	}
	tag, err := language.Parse(m.SourceLanguage)
	if err != nil {
		return language.Und, false
	}
	return tag, true
}

// Room identifies one logical realtime channel: a direct conversation or a
// community. Rooms are joined and left explicitly by the client.
type Room struct {
	ID        string    `json:"id"`
	Kind      RoomKind  `json:"kind"`
	Name      string    `json:"name,omitempty"`
	MemberIDs []string  `json:"member_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
