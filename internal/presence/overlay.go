// Package presence maintains the room-list overlay: per-room summaries with
// last-message previews, unread counts, and member online status. It is a
// read-model over the event stream, not a source of truth.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/bazaarhq/realtime/pkg/models"
)

// Reader acknowledges reads against the marketplace API. *rest.Client
// satisfies it.
type Reader interface {
	MarkRead(ctx context.Context, roomID string) error
}

// Options configures the overlay.
type Options struct {
	// SelfID keeps this user's own messages out of unread counts.
	SelfID string

	// Reader receives the asynchronous read acknowledgment when a room
	// becomes active. Nil disables server-side acks.
	Reader Reader

	Logger *slog.Logger
}

// Overlay aggregates events into per-room summaries for list rendering. All
// reads return deep copies; callers never see internal state.
type Overlay struct {
	opts Options

	mu         sync.Mutex
	summaries  map[string]*models.RoomSummary
	users      map[string]models.PresenceStatus
	activeRoom string
}

// NewOverlay creates an overlay.
func NewOverlay(opts Options) *Overlay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Overlay{
		opts:      opts,
		summaries: make(map[string]*models.RoomSummary),
		users:     make(map[string]models.PresenceStatus),
	}
}

// UpsertRoom seeds or refreshes a room's static fields without touching
// counters or previews.
func (o *Overlay) UpsertRoom(room models.Room) {
	if room.ID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.summaryLocked(room.ID)
	s.Kind = room.Kind
	s.Name = room.Name
	if s.MemberPresence == nil {
		s.MemberPresence = make(map[string]models.PresenceStatus, len(room.MemberIDs))
	}
	for _, id := range room.MemberIDs {
		if id == o.opts.SelfID {
			continue
		}
		if st, ok := o.users[id]; ok {
			s.MemberPresence[id] = st
		} else if _, seen := s.MemberPresence[id]; !seen {
			s.MemberPresence[id] = models.PresenceOffline
		}
	}
}

// ApplyMessage folds a reconciled message into its room summary: the
// preview is replaced, activity advances, and the unread count grows unless
// the room is active on screen or the message is this user's own.
func (o *Overlay) ApplyMessage(roomID string, msg models.Message) {
	if roomID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.summaryLocked(roomID)

	if s.LastMessage == nil || !msg.Before(*s.LastMessage) {
		preview := msg
		s.LastMessage = &preview
	}
	if msg.CreatedAt.After(s.LastActivityAt) {
		s.LastActivityAt = msg.CreatedAt
	}
	if !msg.Pending && msg.SenderID != o.opts.SelfID && roomID != o.activeRoom {
		s.UnreadCount++
	}
}

// ApplyPresence records a user's status change and reflects it into every
// room summary tracking that user.
func (o *Overlay) ApplyPresence(p models.Presence) {
	if p.UserID == "" || p.UserID == o.opts.SelfID {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.users[p.UserID] = p.Status
	for _, s := range o.summaries {
		if _, tracked := s.MemberPresence[p.UserID]; tracked {
			s.MemberPresence[p.UserID] = p.Status
		}
	}
}

// SetActiveRoom marks the room the user is looking at. Its unread count is
// zeroed immediately and the read is acknowledged to the server in the
// background; an ack failure is logged, never surfaced.
func (o *Overlay) SetActiveRoom(ctx context.Context, roomID string) {
	o.mu.Lock()
	o.activeRoom = roomID
	if roomID != "" {
		s := o.summaryLocked(roomID)
		s.UnreadCount = 0
	}
	reader := o.opts.Reader
	o.mu.Unlock()

	if roomID == "" || reader == nil {
		return
	}
	go func() {
		if err := reader.MarkRead(ctx, roomID); err != nil {
			o.opts.Logger.Debug("read ack not delivered", "room", roomID, "error", err)
		}
	}()
}

// ActiveRoom returns the room currently marked active, or "".
func (o *Overlay) ActiveRoom() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeRoom
}

// Summary returns a deep copy of one room's summary.
func (o *Overlay) Summary(roomID string) (models.RoomSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.summaries[roomID]
	if !ok {
		return models.RoomSummary{}, false
	}
	return s.Clone(), true
}

// Summaries returns all room summaries, most recently active first.
func (o *Overlay) Summaries() []models.RoomSummary {
	o.mu.Lock()
	out := make([]models.RoomSummary, 0, len(o.summaries))
	for _, s := range o.summaries {
		out = append(out, s.Clone())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// PresenceOf returns a user's last known status, defaulting to offline.
func (o *Overlay) PresenceOf(userID string) models.PresenceStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.users[userID]; ok {
		return st
	}
	return models.PresenceOffline
}

// Forget drops a room's summary after a leave.
func (o *Overlay) Forget(roomID string) {
	o.mu.Lock()
	delete(o.summaries, roomID)
	if o.activeRoom == roomID {
		o.activeRoom = ""
	}
	o.mu.Unlock()
}

func (o *Overlay) summaryLocked(roomID string) *models.RoomSummary {
	s, ok := o.summaries[roomID]
	if !ok {
		s = &models.RoomSummary{
			RoomID:         roomID,
			MemberPresence: make(map[string]models.PresenceStatus),
		}
		o.summaries[roomID] = s
	}
	return s
}
