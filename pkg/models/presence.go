package models

import "time"

// PresenceStatus is a user's broadcast online state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is one presence/status change for a user.
type Presence struct {
	UserID    string         `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	ChangedAt time.Time      `json:"changed_at"`
}

// RoomSummary is the lightweight per-room record consumed by list views:
// last message preview, unread count, and member presence. It is mutated only
// by the presence overlay and the reconciliation engine.
type RoomSummary struct {
	RoomID         string                    `json:"room_id"`
	Kind           RoomKind                  `json:"kind"`
	Name           string                    `json:"name,omitempty"`
	LastMessage    *Message                  `json:"last_message,omitempty"`
	UnreadCount    int                       `json:"unread_count"`
	MemberPresence map[string]PresenceStatus `json:"member_presence,omitempty"`
	LastActivityAt time.Time                 `json:"last_activity_at"`
}

// Clone returns a deep copy safe to hand to rendering code.
func (s RoomSummary) Clone() RoomSummary {
	out := s
	if s.LastMessage != nil {
		msg := *s.LastMessage
		out.LastMessage = &msg
	}
	if s.MemberPresence != nil {
		out.MemberPresence = make(map[string]PresenceStatus, len(s.MemberPresence))
		for id, st := range s.MemberPresence {
			out.MemberPresence[id] = st
		}
	}
	return out
}
