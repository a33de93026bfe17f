// Package reconcile merges REST-fetched history with realtime events into
// one deduplicated, chronologically ordered message list per room.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bazaarhq/realtime/internal/observability"
	"github.com/bazaarhq/realtime/internal/rest"
	"github.com/bazaarhq/realtime/pkg/models"
)

// Phase is a room's load state. A loaded room keeps receiving event-sourced
// updates.
type Phase string

const (
	PhaseEmpty   Phase = "empty"
	PhaseLoading Phase = "loading"
	PhaseLoaded  Phase = "loaded"
	PhaseFailed  Phase = "failed"
)

// ErrStaleLoad marks a LoadInitial response that was superseded by a newer
// request for the same room. The result was discarded; it is not a
// user-visible failure.
var ErrStaleLoad = errors.New("reconcile: load superseded by a newer request")

// Fetcher is the REST surface the engine needs. *rest.Client satisfies it.
type Fetcher interface {
	ListMessages(ctx context.Context, roomID string, page, limit int) (rest.Page, error)
	SendMessage(ctx context.Context, roomID string, req rest.SendRequest) (models.Message, error)
}

// Options tunes the engine.
type Options struct {
	// SelfID is this user's identity, stamped on optimistic messages.
	SelfID string

	// PageSize is the history page size (default 50).
	PageSize int

	// MergeWindow bounds the timestamp distance for the heuristic
	// optimistic/authoritative merge (default 1m). The idempotency key is
	// tried first; the heuristic only applies to gateways that do not echo
	// the key. Under pathological reordering the heuristic can leave a
	// rare duplicate bubble; that trade-off is accepted.
	MergeWindow time.Duration

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time

	// OnMessage runs after a message (optimistic or authoritative) is
	// reconciled into a room, with the reconciled copy. The presence
	// overlay uses it to update summaries.
	OnMessage func(roomID string, msg models.Message)

	// OnSendFailed runs when a REST send fails, with the original draft so
	// the composer can restore it for retry. The failed bubble stays in
	// the list; it is never silently dropped.
	OnSendFailed func(roomID, pendingID, draft string)

	// Logger defaults to slog.Default(); Metrics is optional.
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Engine owns the per-room message lists. All mutation happens under one
// mutex; callers receive copies, never views into internal state.
type Engine struct {
	fetcher Fetcher
	opts    Options

	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	phase    Phase
	list     []models.Message
	ids      map[string]struct{}
	loadSeq  uint64
	buffered []models.Message
	lastErr  error
}

// NewEngine creates a reconciliation engine.
func NewEngine(fetcher Fetcher, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MergeWindow <= 0 {
		opts.MergeWindow = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		fetcher: fetcher,
		opts:    opts,
		rooms:   make(map[string]*roomState),
	}
}

// Phase returns the room's load state and the last load error, if any.
func (e *Engine) Phase(roomID string) (Phase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.rooms[roomID]
	if !ok {
		return PhaseEmpty, nil
	}
	return s.phase, s.lastErr
}

// Messages returns a read-only snapshot of the room's ordered list.
func (e *Engine) Messages(roomID string) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]models.Message{}, s.list...)
}

// LoadInitial fetches the most recent history page for a room, replacing
// the in-memory list. Concurrent calls for the same room coalesce to the
// newest request: a response arriving for a superseded request is discarded
// and reported as ErrStaleLoad. Live events arriving while the load is in
// flight are buffered and merged once it completes. Pending optimistic
// messages survive the replacement.
func (e *Engine) LoadInitial(ctx context.Context, roomID string) ([]models.Message, error) {
	e.mu.Lock()
	s := e.roomLocked(roomID)
	s.loadSeq++
	seq := s.loadSeq
	s.phase = PhaseLoading
	pageSize := e.opts.PageSize
	e.mu.Unlock()

	page, err := e.fetcher.ListMessages(ctx, roomID, 1, pageSize)

	e.mu.Lock()

	// The room may have been forgotten while the fetch was in flight; a
	// fresh lookup keeps the response from resurrecting it.
	if cur, ok := e.rooms[roomID]; !ok || cur != s || seq != s.loadSeq {
		e.mu.Unlock()
		return nil, ErrStaleLoad
	}

	if err != nil {
		s.phase = PhaseFailed
		s.lastErr = err
		s.buffered = nil
		e.mu.Unlock()
		return nil, err
	}

	// Keep in-flight optimistic sends across the replacement.
	var pending []models.Message
	for _, m := range s.list {
		if m.Pending {
			pending = append(pending, m)
		}
	}

	s.list = nil
	s.ids = make(map[string]struct{})
	for _, m := range page.Messages {
		e.insertLocked(s, m)
	}
	for _, m := range pending {
		e.insertLocked(s, m)
	}
	var reconciled []models.Message
	for _, m := range s.buffered {
		if applied, ok := e.applyLocked(s, m); ok {
			reconciled = append(reconciled, applied)
		}
	}
	s.buffered = nil
	s.phase = PhaseLoaded
	s.lastErr = nil
	snapshot := append([]models.Message{}, s.list...)
	e.mu.Unlock()

	for _, m := range reconciled {
		e.notify(roomID, m)
	}
	return snapshot, nil
}

// LoadPage merges an older history page (page >= 2) into the room without
// touching newer entries.
func (e *Engine) LoadPage(ctx context.Context, roomID string, pageNum int) ([]models.Message, error) {
	e.mu.Lock()
	pageSize := e.opts.PageSize
	e.mu.Unlock()

	page, err := e.fetcher.ListMessages(ctx, roomID, pageNum, pageSize)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.roomLocked(roomID)
	for _, m := range page.Messages {
		e.insertLocked(s, m)
	}
	return append([]models.Message{}, s.list...), nil
}

// ApplyIncoming reconciles one realtime message event. Duplicated
// identifiers are a no-op; an authoritative copy of an optimistic send
// replaces the pending entry; everything else is inserted in timestamp
// order. Events for a room mid-load are buffered, not dropped.
func (e *Engine) ApplyIncoming(msg models.Message) {
	if msg.RoomID == "" || msg.ID == "" {
		return
	}
	e.mu.Lock()
	s := e.roomLocked(msg.RoomID)
	if s.phase == PhaseLoading {
		s.buffered = append(s.buffered, msg)
		e.mu.Unlock()
		return
	}
	applied, ok := e.applyLocked(s, msg)
	e.mu.Unlock()
	if ok {
		e.notify(msg.RoomID, applied)
	}
}

// SendOptimistic appends a provisional message with a locally generated
// pending identifier and status "sending", then issues the REST send in the
// background. It returns the pending identifier for the UI to track.
//
// On REST success the entry adopts the server-assigned identifier and the
// "sent" status (or disappears into the authoritative copy when the event
// arrived first). On failure it flips to "failed" and OnSendFailed restores
// the draft to the composer.
func (e *Engine) SendOptimistic(ctx context.Context, roomID, content string) string {
	pendingID := "pending-" + uuid.NewString()
	idemKey := uuid.NewString()

	msg := models.Message{
		ID:             pendingID,
		RoomID:         roomID,
		SenderID:       e.opts.SelfID,
		Content:        content,
		Status:         models.StatusSending,
		IdempotencyKey: idemKey,
		CreatedAt:      e.opts.Clock(),
		Pending:        true,
	}

	e.mu.Lock()
	s := e.roomLocked(roomID)
	e.insertLocked(s, msg)
	e.mu.Unlock()
	e.notify(roomID, msg)

	go e.completeSend(ctx, roomID, pendingID, content, idemKey)
	return pendingID
}

func (e *Engine) completeSend(ctx context.Context, roomID, pendingID, content, idemKey string) {
	created, err := e.fetcher.SendMessage(ctx, roomID, rest.SendRequest{
		Content:        content,
		IdempotencyKey: idemKey,
	})

	if err != nil {
		e.opts.Logger.Warn("message send failed", "room", roomID, "error", err)
		if e.opts.Metrics != nil {
			e.opts.Metrics.MessagesSent.WithLabelValues("failed").Inc()
		}
		e.mu.Lock()
		s := e.roomLocked(roomID)
		if i := indexByID(s.list, pendingID); i >= 0 {
			s.list[i].Status = models.StatusFailed
		}
		e.mu.Unlock()
		if e.opts.OnSendFailed != nil {
			e.opts.OnSendFailed(roomID, pendingID, content)
		}
		return
	}

	if e.opts.Metrics != nil {
		e.opts.Metrics.MessagesSent.WithLabelValues("sent").Inc()
	}

	e.mu.Lock()
	s := e.roomLocked(roomID)
	i := indexByID(s.list, pendingID)
	if i < 0 {
		// The authoritative event beat the REST response; nothing to do
		// beyond making sure the confirmed copy is present.
		if _, dup := s.ids[created.ID]; !dup {
			created.Status = models.StatusDelivered
			e.insertLocked(s, created)
		}
		e.mu.Unlock()
		return
	}

	if _, dup := s.ids[created.ID]; dup && created.ID != pendingID {
		// Both copies present: drop the pending one.
		e.removeAtLocked(s, i)
		e.mu.Unlock()
		return
	}

	// Adopt the server identity in place of the pending one. Position may
	// shift because the server timestamp is authoritative.
	e.removeAtLocked(s, i)
	created.Status = models.StatusSent
	e.insertLocked(s, created)
	e.mu.Unlock()
	e.notify(roomID, created)
}

// RetryFailed re-sends a failed optimistic message, reusing its content and
// a fresh idempotency key. Returns the new pending id, or "" when the
// message is unknown or not in the failed state.
func (e *Engine) RetryFailed(ctx context.Context, roomID, failedID string) string {
	e.mu.Lock()
	s := e.roomLocked(roomID)
	i := indexByID(s.list, failedID)
	if i < 0 || s.list[i].Status != models.StatusFailed {
		e.mu.Unlock()
		return ""
	}
	content := s.list[i].Content
	e.removeAtLocked(s, i)
	e.mu.Unlock()

	return e.SendOptimistic(ctx, roomID, content)
}

// Forget drops all state for a room (room left and its view unmounted).
func (e *Engine) Forget(roomID string) {
	e.mu.Lock()
	delete(e.rooms, roomID)
	e.mu.Unlock()
}

func (e *Engine) roomLocked(roomID string) *roomState {
	s, ok := e.rooms[roomID]
	if !ok {
		s = &roomState{phase: PhaseEmpty, ids: make(map[string]struct{})}
		e.rooms[roomID] = s
	}
	return s
}

// applyLocked reconciles one authoritative message into a room. It reports
// whether the message was applied; callers fire notifications after
// releasing the lock.
func (e *Engine) applyLocked(s *roomState, msg models.Message) (models.Message, bool) {
	if _, dup := s.ids[msg.ID]; dup {
		return models.Message{}, false
	}
	if msg.Status == "" {
		msg.Status = models.StatusDelivered
	}

	if i := e.matchPendingLocked(s, msg); i >= 0 {
		e.removeAtLocked(s, i)
	}
	e.insertLocked(s, msg)
	return msg, true
}

// matchPendingLocked finds the pending entry that represents the same
// logical send as the authoritative msg: exact idempotency-key match first,
// then the sender/content/timestamp-proximity heuristic.
func (e *Engine) matchPendingLocked(s *roomState, msg models.Message) int {
	for i, m := range s.list {
		if !m.Pending {
			continue
		}
		if msg.IdempotencyKey != "" && m.IdempotencyKey == msg.IdempotencyKey {
			return i
		}
	}
	for i, m := range s.list {
		if !m.Pending || m.SenderID != msg.SenderID || m.Content != msg.Content {
			continue
		}
		delta := msg.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= e.opts.MergeWindow {
			return i
		}
	}
	return -1
}

// insertLocked places msg in (CreatedAt, ID) order, skipping duplicates.
// Append is the common case; out-of-order arrivals take the binary search
// path.
func (e *Engine) insertLocked(s *roomState, msg models.Message) {
	if _, dup := s.ids[msg.ID]; dup {
		return
	}
	s.ids[msg.ID] = struct{}{}

	n := len(s.list)
	if n == 0 || s.list[n-1].Before(msg) {
		s.list = append(s.list, msg)
		return
	}
	i := sort.Search(n, func(j int) bool { return msg.Before(s.list[j]) })
	s.list = append(s.list, models.Message{})
	copy(s.list[i+1:], s.list[i:])
	s.list[i] = msg
}

func (e *Engine) removeAtLocked(s *roomState, i int) {
	delete(s.ids, s.list[i].ID)
	s.list = append(s.list[:i], s.list[i+1:]...)
}

func (e *Engine) notify(roomID string, msg models.Message) {
	if e.opts.OnMessage != nil {
		e.opts.OnMessage(roomID, msg)
	}
}

func indexByID(list []models.Message, id string) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}
