// Package typing coordinates typing indicators in both directions: it
// debounces this user's keystrokes into at most one typing.start per window,
// auto-stops after an idle gap, and expires remote indicators that never
// received an explicit typing.stop.
package typing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bazaarhq/realtime/internal/observability"
	"github.com/bazaarhq/realtime/internal/transport"
	"github.com/bazaarhq/realtime/pkg/models"
)

// Emitter sends a named event on the live connection. *conn.Manager
// satisfies it.
type Emitter interface {
	Emit(event string, payload any) error
}

// Options tunes the coordinator.
type Options struct {
	// SelfID filters this user's own indicators out of remote state.
	SelfID string

	// DebounceWindow is the minimum gap between typing.start signals while
	// keystrokes keep arriving (default 3s).
	DebounceWindow time.Duration

	// IdleTimeout is the keystroke gap after which typing.stop is sent
	// automatically (default 2.5s).
	IdleTimeout time.Duration

	// RemoteTTL is how long a remote indicator stays visible without a
	// refresh. It covers peers whose typing.stop was lost (default 5s).
	RemoteTTL time.Duration

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (o *Options) norm() {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 3 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2500 * time.Millisecond
	}
	if o.RemoteTTL <= 0 {
		o.RemoteTTL = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type localState struct {
	active    bool
	lastStart time.Time
	idleTimer *time.Timer
}

// Coordinator owns per-room typing state for the local user and all remote
// peers.
type Coordinator struct {
	emitter Emitter
	opts    Options

	mu     sync.Mutex
	local  map[string]*localState
	remote map[string]map[string]time.Time // roomID -> userID -> expiry
}

// NewCoordinator creates a coordinator.
func NewCoordinator(emitter Emitter, opts Options) *Coordinator {
	opts.norm()
	return &Coordinator{
		emitter: emitter,
		opts:    opts,
		local:   make(map[string]*localState),
		remote:  make(map[string]map[string]time.Time),
	}
}

// UpdateTunables applies reloaded typing windows (config hot-reload). It
// affects the next keystroke and the next remote refresh; an armed idle
// timer keeps its original deadline. Zero or negative values are ignored.
func (c *Coordinator) UpdateTunables(debounce, idle, remoteTTL time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if debounce > 0 {
		c.opts.DebounceWindow = debounce
	}
	if idle > 0 {
		c.opts.IdleTimeout = idle
	}
	if remoteTTL > 0 {
		c.opts.RemoteTTL = remoteTTL
	}
}

// Keystroke records local typing activity in a room. The first keystroke
// emits typing.start; further keystrokes inside the debounce window only
// push the idle deadline out. Once the window elapses with typing still
// ongoing, the next keystroke refreshes the signal so remote TTLs keep the
// indicator alive.
func (c *Coordinator) Keystroke(roomID string) {
	if roomID == "" {
		return
	}
	now := c.opts.Clock()

	c.mu.Lock()
	s, ok := c.local[roomID]
	if !ok {
		s = &localState{}
		c.local[roomID] = s
	}

	emitStart := !s.active || now.Sub(s.lastStart) >= c.opts.DebounceWindow
	if emitStart {
		s.lastStart = now
	}
	if !s.active {
		s.active = true
		c.setGaugeLocked()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(c.opts.IdleTimeout, func() { c.idleStop(roomID) })
	c.mu.Unlock()

	if emitStart {
		c.send(transport.OutTypingStart, roomID)
	}
}

// Stop ends local typing explicitly, on send or when the composer empties.
// It cancels the idle timer and emits typing.stop when a start was signaled.
func (c *Coordinator) Stop(roomID string) {
	c.mu.Lock()
	s, ok := c.local[roomID]
	if !ok || !s.active {
		c.mu.Unlock()
		return
	}
	s.active = false
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	c.setGaugeLocked()
	c.mu.Unlock()

	c.send(transport.OutTypingStop, roomID)
}

// idleStop is the timer path: same as Stop but guarded against a keystroke
// that rearmed the state after the timer fired.
func (c *Coordinator) idleStop(roomID string) {
	c.mu.Lock()
	s, ok := c.local[roomID]
	if !ok || !s.active {
		c.mu.Unlock()
		return
	}
	s.active = false
	s.idleTimer = nil
	c.setGaugeLocked()
	c.mu.Unlock()

	c.send(transport.OutTypingStop, roomID)
}

// ApplyEvent folds a remote typing event into per-room state. The local
// user's own echoes are ignored.
func (c *Coordinator) ApplyEvent(evt models.Event) {
	if evt.Typing == nil || evt.Typing.UserID == c.opts.SelfID {
		return
	}
	roomID, userID := evt.Typing.RoomID, evt.Typing.UserID

	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Kind {
	case models.EventTypingStart:
		users, ok := c.remote[roomID]
		if !ok {
			users = make(map[string]time.Time)
			c.remote[roomID] = users
		}
		users[userID] = c.opts.Clock().Add(c.opts.RemoteTTL)
	case models.EventTypingStop:
		if users, ok := c.remote[roomID]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(c.remote, roomID)
			}
		}
	}
}

// TypingUsers returns the peers currently typing in a room, sorted. Expired
// entries are pruned on read, so a peer that stopped sending refreshes
// disappears after RemoteTTL even without a typing.stop.
func (c *Coordinator) TypingUsers(roomID string) []string {
	now := c.opts.Clock()

	c.mu.Lock()
	defer c.mu.Unlock()
	users, ok := c.remote[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(users))
	for userID, expiry := range users {
		if now.After(expiry) {
			delete(users, userID)
			continue
		}
		out = append(out, userID)
	}
	if len(users) == 0 {
		delete(c.remote, roomID)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// HandleDisconnected clears all state. Local indicators cannot be signaled
// on a dead connection and remote ones are stale by the time it recovers.
func (c *Coordinator) HandleDisconnected() {
	c.mu.Lock()
	for _, s := range c.local {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
	}
	c.local = make(map[string]*localState)
	c.remote = make(map[string]map[string]time.Time)
	c.setGaugeLocked()
	c.mu.Unlock()
}

func (c *Coordinator) setGaugeLocked() {
	if c.opts.Metrics == nil {
		return
	}
	n := 0
	for _, s := range c.local {
		if s.active {
			n++
		}
	}
	c.opts.Metrics.TypingActive.Set(float64(n))
}

func (c *Coordinator) send(event, roomID string) {
	if err := c.emitter.Emit(event, transport.TypingPayload{RoomID: roomID}); err != nil {
		// Typing signals are best-effort; a lost one self-heals via TTL.
		c.opts.Logger.Debug("typing signal not delivered", "event", event, "room", roomID, "error", err)
	}
}
