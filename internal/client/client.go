// Package client assembles the realtime chat core: one connection manager,
// an event bus fanning decoded events out to the reconciliation engine,
// typing coordinator, and presence overlay, and a REST client covering
// everything the event stream cannot. The surface here is what applications
// embed; the subpackages are wiring detail.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/bazaarhq/realtime/internal/backoff"
	"github.com/bazaarhq/realtime/internal/bus"
	"github.com/bazaarhq/realtime/internal/config"
	"github.com/bazaarhq/realtime/internal/conn"
	"github.com/bazaarhq/realtime/internal/observability"
	"github.com/bazaarhq/realtime/internal/presence"
	"github.com/bazaarhq/realtime/internal/reconcile"
	"github.com/bazaarhq/realtime/internal/rest"
	"github.com/bazaarhq/realtime/internal/rooms"
	"github.com/bazaarhq/realtime/internal/transport"
	"github.com/bazaarhq/realtime/internal/typing"
	"github.com/bazaarhq/realtime/pkg/models"
)

// Notifier receives messages that arrive while the user is not looking at
// the room: a different room is active, or the application lost focus. The
// default implementation does nothing.
type Notifier interface {
	Notify(roomID string, msg models.Message)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, models.Message) {}

// Option customizes a Client.
type Option func(*Client)

// WithLogger overrides the logger built from the config's log section.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithNotifier installs the notification sink.
func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithDialer overrides the websocket dialer (tests, embedded gateways).
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithMetrics installs a metrics set; nil leaves instrumentation off.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock injects the time source used for optimistic timestamps and
// credential checks.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

// WithSelfID sets this user's id explicitly. Required with opaque (non-JWT)
// credentials, where the id cannot be read from the token.
func WithSelfID(id string) Option {
	return func(c *Client) { c.selfID = id }
}

// WithSendFailureHandler installs the callback that restores a failed
// message's draft text to the composer.
func WithSendFailureHandler(fn func(roomID, draft string)) Option {
	return func(c *Client) { c.onSendFailed = fn }
}

// Client is the embeddable realtime chat core for one authenticated user.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics      *observability.Metrics
	tracer       *observability.Tracer
	traceStop    func(context.Context) error
	dialer       transport.Dialer
	notifier     Notifier
	clock        func() time.Time
	onSendFailed func(roomID, draft string)

	selfID  string
	bus     *bus.Bus
	conn    *conn.Manager
	rest    *rest.Client
	rooms   *rooms.Tracker
	engine  *reconcile.Engine
	typing  *typing.Coordinator
	overlay *presence.Overlay

	mu      sync.Mutex
	focused bool
	unsubs  []bus.Unsubscribe
}

// New wires a client from configuration and a credential source. The
// credential's subject identifies this user for optimistic sends, unread
// counting, and typing-echo suppression.
func New(cfg *config.Config, tokens oauth2.TokenSource, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		notifier: noopNotifier{},
		clock:    time.Now,
		focused:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = observability.NewLogger(cfg.Log)
	}
	if c.tracer == nil {
		c.tracer, c.traceStop = observability.NewTracer(cfg.Trace)
	}
	if c.selfID == "" && tokens != nil {
		if tok, err := tokens.Token(); err == nil && tok != nil {
			c.selfID = conn.SubjectOf(tok.AccessToken)
		}
	}
	if c.dialer == nil {
		c.dialer = transport.NewDialer(transport.Options{
			URL:           cfg.Gateway.URL,
			DialTimeout:   cfg.Gateway.DialTimeout,
			PingInterval:  cfg.Gateway.PingInterval,
			PongWait:      cfg.Gateway.PongWait,
			OutboundRate:  cfg.Gateway.OutboundRate,
			OutboundBurst: cfg.Gateway.OutboundBurst,
			Logger:        c.logger,
		})
	}

	c.bus = bus.New(c.logger)
	c.conn = conn.NewManager(c.dialer, tokens, c.bus, conn.Config{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Policy: backoff.Policy{
			Initial: cfg.Reconnect.Delay,
			Max:     cfg.Reconnect.Delay,
			Factor:  1,
			Jitter:  0.1,
		},
		DialTimeout: cfg.Gateway.DialTimeout,
		Clock:       c.clock,
		Tracer:      c.tracer,
	}, c.logger, c.metrics)

	c.rest = rest.NewClient(tokens, rest.Options{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout,
		Logger:  c.logger,
		Metrics: c.metrics,
		Tracer:  c.tracer,
	})

	c.rooms = rooms.NewTracker(c.conn, c.logger, c.metrics)
	c.typing = typing.NewCoordinator(c.conn, typing.Options{
		SelfID:         c.selfID,
		DebounceWindow: cfg.Typing.DebounceWindow,
		IdleTimeout:    cfg.Typing.IdleTimeout,
		RemoteTTL:      cfg.Typing.RemoteTTL,
		Clock:          c.clock,
		Logger:         c.logger,
		Metrics:        c.metrics,
	})
	c.overlay = presence.NewOverlay(presence.Options{
		SelfID: c.selfID,
		Reader: c.rest,
		Logger: c.logger,
	})
	c.engine = reconcile.NewEngine(c.rest, reconcile.Options{
		SelfID:       c.selfID,
		PageSize:     cfg.API.PageSize,
		Clock:        c.clock,
		OnMessage:    c.messageReconciled,
		OnSendFailed: c.sendFailed,
		Logger:       c.logger,
		Metrics:      c.metrics,
	})

	c.wire()
	return c, nil
}

// wire connects the bus and connection lifecycle to the components.
func (c *Client) wire() {
	c.conn.OnConnected(c.rooms.HandleConnected)
	c.conn.OnStateChange(func(change conn.StateChange) {
		if change.From == conn.StateConnected {
			c.rooms.HandleDisconnected()
			c.typing.HandleDisconnected()
		}
	})

	c.unsubs = append(c.unsubs,
		c.bus.Subscribe(models.EventMessageNew, func(e models.Event) {
			if e.Message != nil {
				c.engine.ApplyIncoming(*e.Message)
			}
		}),
		c.bus.Subscribe(models.EventTypingStart, c.typing.ApplyEvent),
		c.bus.Subscribe(models.EventTypingStop, c.typing.ApplyEvent),
		c.bus.Subscribe(models.EventPresenceChanged, func(e models.Event) {
			if e.Presence != nil {
				c.overlay.ApplyPresence(*e.Presence)
			}
		}),
		c.bus.Subscribe(models.EventRoomJoined, func(e models.Event) {
			if e.Room != nil {
				c.logger.Debug("room membership confirmed", "room", e.Room.RoomID)
			}
		}),
		c.bus.Subscribe(models.EventRoomLeft, func(e models.Event) {
			if e.Room != nil {
				c.roomGone(e.Room.RoomID)
			}
		}),
	)
}

// messageReconciled is the engine's post-reconciliation hook: it keeps the
// room-list overlay current and raises a notification when the user is not
// looking at the room.
func (c *Client) messageReconciled(roomID string, msg models.Message) {
	c.overlay.ApplyMessage(roomID, msg)

	if msg.Pending || msg.SenderID == c.selfID {
		return
	}
	c.mu.Lock()
	focused := c.focused
	c.mu.Unlock()
	if focused && c.overlay.ActiveRoom() == roomID {
		return
	}
	c.notifier.Notify(roomID, msg)
}

func (c *Client) sendFailed(roomID, pendingID, draft string) {
	c.logger.Warn("message delivery failed", "room", roomID, "message", pendingID)
	if c.onSendFailed != nil {
		c.onSendFailed(roomID, draft)
	}
}

// roomGone handles a server-side removal from a room: local state is
// dropped and no further events for it are expected.
func (c *Client) roomGone(roomID string) {
	c.rooms.Leave(roomID)
	c.engine.Forget(roomID)
	c.overlay.Forget(roomID)
	c.logger.Info("removed from room", "room", roomID)
}

// ApplyConfig applies a reloaded configuration's runtime tunables: the
// reconnection bound and delay, the dial timeout, and the typing windows.
// Endpoints and credentials are fixed for the life of the client. Invalid
// revisions are rejected and leave the running settings untouched.
func (c *Client) ApplyConfig(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		c.logger.Warn("config revision rejected", "error", err)
		return
	}
	c.conn.UpdateConfig(conn.Config{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Policy: backoff.Policy{
			Initial: cfg.Reconnect.Delay,
			Max:     cfg.Reconnect.Delay,
			Factor:  1,
			Jitter:  0.1,
		},
		DialTimeout: cfg.Gateway.DialTimeout,
	})
	c.typing.UpdateTunables(cfg.Typing.DebounceWindow, cfg.Typing.IdleTimeout, cfg.Typing.RemoteTTL)
	c.logger.Info("runtime tunables reloaded",
		"reconnect_max_attempts", cfg.Reconnect.MaxAttempts,
		"reconnect_delay", cfg.Reconnect.Delay)
}

// WatchConfig hot-reloads runtime tunables from the config file at path
// until ctx is cancelled. Each valid revision goes through ApplyConfig.
func (c *Client) WatchConfig(ctx context.Context, path string) error {
	w, err := config.NewWatcher(path, c.ApplyConfig, c.logger)
	if err != nil {
		return err
	}
	go w.Run(ctx)
	return nil
}

// Connect starts the realtime connection. Safe to call repeatedly.
func (c *Client) Connect() { c.conn.Connect() }

// Disconnect tears the connection down without reconnecting.
func (c *Client) Disconnect() { c.conn.Disconnect() }

// Close disconnects and releases tracing resources.
func (c *Client) Close(ctx context.Context) error {
	c.conn.Disconnect()
	for _, unsub := range c.unsubs {
		unsub()
	}
	if c.traceStop != nil {
		return c.traceStop(ctx)
	}
	return nil
}

// ConnectionState returns the connection manager's current state.
func (c *Client) ConnectionState() conn.State { return c.conn.State() }

// OnConnectionChange registers a connection-state listener.
func (c *Client) OnConnectionChange(fn func(conn.StateChange)) func() {
	return c.conn.OnStateChange(fn)
}

// OnAuthFailure installs the fatal-credential handler.
func (c *Client) OnAuthFailure(fn func()) { c.conn.OnAuthFailure = fn }

// OnNotice installs the user-visible notice sink (connection given up).
func (c *Client) OnNotice(fn func(message string)) { c.conn.OnNotice = fn }

// SetFocused records application focus, which gates notifications.
func (c *Client) SetFocused(focused bool) {
	c.mu.Lock()
	c.focused = focused
	c.mu.Unlock()
}

// CreateRoom creates a conversation or community, watches it for realtime
// events, and seeds its summary.
func (c *Client) CreateRoom(ctx context.Context, req rest.CreateRoomRequest) (models.Room, error) {
	room, err := c.rest.CreateRoom(ctx, req)
	if err != nil {
		return models.Room{}, err
	}
	c.overlay.UpsertRoom(room)
	c.rooms.Join(room.ID)
	return room, nil
}

// Rooms fetches this user's room list from the API. Callers typically Watch
// each returned room to start receiving its events.
func (c *Client) Rooms(ctx context.Context) ([]models.Room, error) {
	return c.rest.ListRooms(ctx)
}

// JoinRoom adds this user to a community and subscribes to its events.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	if err := c.rest.JoinRoom(ctx, roomID); err != nil {
		return err
	}
	c.rooms.Join(roomID)
	return nil
}

// Watch subscribes to realtime events for a room this user already belongs
// to, typically after fetching the room list on session start.
func (c *Client) Watch(room models.Room) {
	c.overlay.UpsertRoom(room)
	c.rooms.Join(room.ID)
}

// LeaveRoom removes this user from a room and drops all local state for it.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	if err := c.rest.LeaveRoom(ctx, roomID); err != nil {
		return err
	}
	c.rooms.Leave(roomID)
	c.engine.Forget(roomID)
	c.overlay.Forget(roomID)
	return nil
}

// LoadInitial fetches the most recent history page for a room.
func (c *Client) LoadInitial(ctx context.Context, roomID string) ([]models.Message, error) {
	return c.engine.LoadInitial(ctx, roomID)
}

// LoadOlder merges an older history page into the room.
func (c *Client) LoadOlder(ctx context.Context, roomID string, page int) ([]models.Message, error) {
	return c.engine.LoadPage(ctx, roomID, page)
}

// SendMessage sends content optimistically and returns the provisional
// message id. Sending ends any local typing indicator for the room.
func (c *Client) SendMessage(ctx context.Context, roomID, content string) string {
	c.typing.Stop(roomID)
	return c.engine.SendOptimistic(ctx, roomID, content)
}

// RetryMessage re-sends a failed message and returns the new provisional id.
func (c *Client) RetryMessage(ctx context.Context, roomID, failedID string) string {
	return c.engine.RetryFailed(ctx, roomID, failedID)
}

// Messages returns the room's reconciled message list.
func (c *Client) Messages(roomID string) []models.Message {
	return c.engine.Messages(roomID)
}

// RoomPhase reports a room's load state.
func (c *Client) RoomPhase(roomID string) (reconcile.Phase, error) {
	return c.engine.Phase(roomID)
}

// NotifyTyping records a local keystroke in a room.
func (c *Client) NotifyTyping(roomID string) { c.typing.Keystroke(roomID) }

// NotifyStopTyping ends local typing explicitly.
func (c *Client) NotifyStopTyping(roomID string) { c.typing.Stop(roomID) }

// TypingUsers returns the peers currently typing in a room.
func (c *Client) TypingUsers(roomID string) []string {
	return c.typing.TypingUsers(roomID)
}

// SetActiveRoom marks the room on screen, zeroing its unread count.
func (c *Client) SetActiveRoom(ctx context.Context, roomID string) {
	c.overlay.SetActiveRoom(ctx, roomID)
}

// ActiveRoom returns the room currently on screen, or "".
func (c *Client) ActiveRoom() string { return c.overlay.ActiveRoom() }

// Summaries returns all room summaries, most recently active first.
func (c *Client) Summaries() []models.RoomSummary { return c.overlay.Summaries() }

// Summary returns one room's summary.
func (c *Client) Summary(roomID string) (models.RoomSummary, bool) {
	return c.overlay.Summary(roomID)
}

// PresenceOf returns a user's last known status.
func (c *Client) PresenceOf(userID string) models.PresenceStatus {
	return c.overlay.PresenceOf(userID)
}
