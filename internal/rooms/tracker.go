// Package rooms tracks which logical rooms (direct conversations,
// communities) this client wants to be joined to, and replays joins after
// every reconnect because server-side membership is connection-scoped.
package rooms

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/bazaarhq/realtime/internal/observability"
	"github.com/bazaarhq/realtime/internal/transport"
)

// Emitter sends a named event on the live connection. *conn.Manager
// satisfies it.
type Emitter interface {
	Emit(event string, payload any) error
}

// Tracker maintains the desired-membership set. Join and leave are
// idempotent: the server treats repeated joins as a no-op, so the tracker
// only needs eventual membership, not exactly-once delivery.
type Tracker struct {
	emitter Emitter
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	desired   map[string]struct{}
	connected bool
}

// NewTracker creates a tracker. A nil logger uses slog.Default().
func NewTracker(emitter Emitter, logger *slog.Logger, metrics *observability.Metrics) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		emitter: emitter,
		logger:  logger,
		metrics: metrics,
		desired: make(map[string]struct{}),
	}
}

// Join adds roomID to the desired set and, when connected, emits the join
// signal immediately. When disconnected the desired state is remembered and
// applied on the next connected transition.
func (t *Tracker) Join(roomID string) {
	if roomID == "" {
		return
	}
	t.mu.Lock()
	t.desired[roomID] = struct{}{}
	connected := t.connected
	n := len(t.desired)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.JoinedRooms.Set(float64(n))
	}
	if connected {
		t.send(transport.OutRoomJoin, roomID)
	}
}

// Leave removes roomID from the desired set. Leaving a room that was never
// joined is a no-op, not an error.
func (t *Tracker) Leave(roomID string) {
	t.mu.Lock()
	_, present := t.desired[roomID]
	if present {
		delete(t.desired, roomID)
	}
	connected := t.connected
	n := len(t.desired)
	t.mu.Unlock()

	if !present {
		return
	}
	if t.metrics != nil {
		t.metrics.JoinedRooms.Set(float64(n))
	}
	if connected {
		t.send(transport.OutRoomLeave, roomID)
	}
}

// Contains reports whether roomID is in the desired set.
func (t *Tracker) Contains(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.desired[roomID]
	return ok
}

// Rooms returns the desired set, sorted for deterministic iteration.
func (t *Tracker) Rooms() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.desired))
	for id := range t.desired {
		out = append(out, id)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// HandleConnected is wired to the connection manager's connected hook. It
// runs on every connected transition, initial or reconnect, and replays a
// join for every desired room.
func (t *Tracker) HandleConnected() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	replay := t.Rooms()
	if len(replay) > 0 {
		t.logger.Debug("replaying room joins", "rooms", len(replay))
	}
	for _, roomID := range replay {
		t.send(transport.OutRoomJoin, roomID)
	}
}

// HandleDisconnected stops join/leave emission until the next connect.
func (t *Tracker) HandleDisconnected() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *Tracker) send(event, roomID string) {
	if err := t.emitter.Emit(event, transport.RoomPayload{RoomID: roomID}); err != nil {
		// The desired set is authoritative; a lost signal is recovered by
		// the replay on the next connected transition.
		t.logger.Debug("room signal not delivered", "event", event, "room", roomID, "error", err)
	}
}
