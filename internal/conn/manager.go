package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/bazaarhq/realtime/internal/backoff"
	"github.com/bazaarhq/realtime/internal/bus"
	"github.com/bazaarhq/realtime/internal/observability"
	"github.com/bazaarhq/realtime/internal/transport"
)

// Config tunes the connection manager.
type Config struct {
	// MaxAttempts bounds consecutive failed connection attempts before the
	// manager gives up and transitions to failed (default 5).
	MaxAttempts int

	// Policy computes the delay between attempts. The default is the fixed
	// short reconnect delay.
	Policy backoff.Policy

	// DialTimeout bounds one dial (default 10s).
	DialTimeout time.Duration

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time

	// Tracer wraps each dial in a span. Nil disables tracing.
	Tracer *observability.Tracer
}

func (c *Config) norm() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Policy == (backoff.Policy{}) {
		c.Policy = backoff.Reconnect()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Manager owns the realtime transport connection. It is created once per
// authenticated session and passed explicitly to the components that need
// it; there is no ambient global connection.
//
// State transitions are driven by transport outcomes, never by UI code:
// connecting -> connected, connected -> disconnected (with a reason),
// disconnected -> reconnecting (server/network disconnects only), and
// reconnecting -> connected | failed.
type Manager struct {
	dialer  transport.Dialer
	tokens  oauth2.TokenSource
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	config    Config
	state     State
	lastErr   error
	retries   int
	running   bool
	pending   bool
	session   transport.Session
	cancel    context.CancelFunc
	nextSubID uint64
	stateSubs map[uint64]func(StateChange)
	connHooks []func()

	// OnAuthFailure is invoked once when the gateway rejects the
	// credential. The application clears the stored credential and routes
	// to a logged-out state. Not retried.
	OnAuthFailure func()

	// OnNotice surfaces a user-visible, non-blocking notification. Called
	// exactly once when the retry bound is exhausted.
	OnNotice func(message string)
}

// NewManager creates a connection manager. The bus receives every decoded
// inbound event. A nil logger uses slog.Default(); nil metrics disables
// instrumentation.
func NewManager(dialer transport.Dialer, tokens oauth2.TokenSource, eventBus *bus.Bus, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	cfg.norm()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:    dialer,
		tokens:    tokens,
		bus:       eventBus,
		logger:    logger,
		metrics:   metrics,
		config:    cfg,
		state:     StateDisconnected,
		stateSubs: make(map[uint64]func(StateChange)),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnStateChange registers a listener for observable state transitions and
// returns its removal capability. Listeners run synchronously on the
// connection goroutine.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.stateSubs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.stateSubs, id)
			m.mu.Unlock()
		})
	}
}

// OnConnected registers a hook invoked on every successful connected
// transition, including reconnects. The room membership tracker uses this
// seam to replay joins, because server room membership is connection-scoped.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	m.connHooks = append(m.connHooks, fn)
	m.mu.Unlock()
}

// Emit sends a named event on the live session. Returns an error when
// disconnected.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return errors.New("conn: not connected")
	}
	return session.Emit(event, payload)
}

// UpdateConfig applies server-tuned reconnection settings (config
// hot-reload). It affects the next reconnection cycle.
func (m *Manager) UpdateConfig(cfg Config) {
	cfg.norm()
	m.mu.Lock()
	cfg.Clock = m.config.Clock
	cfg.Tracer = m.config.Tracer
	m.config = cfg
	m.mu.Unlock()
}

// Connect establishes the transport using the credential source. It is a
// no-op when a connection is already live or being established. When no
// credential is available it logs and returns without error: the UI must
// tolerate a connection-less state.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.running {
		// A connect landing between Disconnect and the connection
		// goroutine's exit is queued, not swallowed.
		if m.cancel == nil {
			m.pending = true
		}
		m.mu.Unlock()
		return
	}
	token, err := m.credentialLocked()
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("realtime connect skipped", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(ctx, token)
}

// Disconnect deliberately tears down the transport. It never triggers
// reconnection and is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	session := m.session
	m.cancel = nil
	m.session = nil
	m.pending = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		_ = session.Close()
	}
}

// credentialLocked fetches and sanity-checks the bearer token.
func (m *Manager) credentialLocked() (string, error) {
	if m.tokens == nil {
		return "", ErrNoCredential
	}
	tok, err := m.tokens.Token()
	if err != nil || tok == nil {
		return "", ErrNoCredential
	}
	if err := checkCredential(tok.AccessToken, m.config.Clock()); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// run is the connection goroutine: dial, pump events, reconnect on
// server-initiated failures, stop on client disconnect or auth rejection.
func (m *Manager) run(ctx context.Context, token string) {
	defer func() {
		m.mu.Lock()
		m.running = false
		pending := m.pending
		m.pending = false
		m.mu.Unlock()
		if pending {
			m.Connect()
		}
	}()

	failures := 0
	resuming := false
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected, ReasonClient)
			return
		}

		if failures == 0 && !resuming {
			m.setState(StateConnecting, "")
		} else {
			m.setState(StateReconnecting, ReasonServer)
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout())
		dialCtx, span := m.tracer().Start(dialCtx, "conn.dial")
		session, err := m.dialer.Dial(dialCtx, token)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		cancel()

		if err != nil {
			if errors.Is(err, transport.ErrAuthRejected) {
				m.authRejected(err)
				return
			}
			if ctx.Err() != nil {
				m.setState(StateDisconnected, ReasonClient)
				return
			}
			failures++
			m.noteFailure(err)
			if m.metrics != nil {
				m.metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
			}
			if failures >= m.maxAttempts() {
				m.giveUp(err)
				return
			}
			if err := m.policy().Sleep(ctx, failures); err != nil {
				m.setState(StateDisconnected, ReasonClient)
				return
			}
			continue
		}

		if (failures > 0 || resuming) && m.metrics != nil {
			m.metrics.ReconnectAttempts.WithLabelValues("success").Inc()
		}
		failures = 0
		resuming = false

		m.mu.Lock()
		m.session = session
		m.retries = 0
		m.lastErr = nil
		hooks := append([]func(){}, m.connHooks...)
		m.mu.Unlock()

		m.setState(StateConnected, "")
		for _, hook := range hooks {
			hook()
		}

		err = m.pump(ctx, session)

		m.mu.Lock()
		if m.session == session {
			m.session = nil
		}
		m.mu.Unlock()
		_ = session.Close()

		switch {
		case errors.Is(err, transport.ErrClosedByClient) || ctx.Err() != nil:
			m.setState(StateDisconnected, ReasonClient)
			return
		case errors.Is(err, transport.ErrAuthRejected):
			m.authRejected(err)
			return
		default:
			m.noteFailure(err)
			m.setState(StateDisconnected, ReasonServer)
			failures = 0
			resuming = true
			if err := m.policy().Sleep(ctx, 1); err != nil {
				m.setState(StateDisconnected, ReasonClient)
				return
			}
			// Refresh the credential for the next dial.
			if tok, err := m.refreshCredential(); err == nil {
				token = tok
			}
		}
	}
}

// pump reads frames until the session dies, decoding event frames and
// fanning them out through the bus in arrival order.
func (m *Manager) pump(ctx context.Context, session transport.Session) error {
	for {
		if ctx.Err() != nil {
			return transport.ErrClosedByClient
		}
		frame, err := session.Read()
		if err != nil {
			return err
		}
		if frame.Type != transport.FrameEvent {
			continue
		}
		event, err := transport.DecodeEvent(frame)
		if err != nil {
			m.logger.Debug("dropping undecodable frame", "event", frame.Event, "error", err)
			continue
		}
		if m.metrics != nil {
			m.metrics.EventsDispatched.WithLabelValues(string(event.Kind)).Inc()
		}
		if m.bus != nil {
			m.bus.Publish(event)
		}
	}
}

func (m *Manager) authRejected(err error) {
	m.mu.Lock()
	m.lastErr = err
	onAuth := m.OnAuthFailure
	m.mu.Unlock()

	m.logger.Error("realtime credential rejected; session is over", "error", err)
	m.setState(StateFailed, ReasonAuth)
	if onAuth != nil {
		onAuth()
	}
}

// giveUp transitions to failed after the retry bound is exhausted and
// surfaces exactly one user-visible notice.
func (m *Manager) giveUp(err error) {
	m.mu.Lock()
	onNotice := m.OnNotice
	attempts := m.config.MaxAttempts
	m.mu.Unlock()

	m.logger.Warn("realtime reconnection exhausted", "attempts", attempts, "error", err)
	m.setState(StateFailed, ReasonServer)
	if onNotice != nil {
		onNotice("Realtime connection lost. Messages will not update until you reconnect.")
	}
}

func (m *Manager) noteFailure(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.retries++
	m.mu.Unlock()
}

func (m *Manager) refreshCredential() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credentialLocked()
}

func (m *Manager) setState(to State, reason Reason) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	subs := make([]func(StateChange), 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionTransitions.WithLabelValues(string(to)).Inc()
	}
	change := StateChange{From: from, To: to, Reason: reason}
	for _, fn := range subs {
		fn(change)
	}
}

func (m *Manager) maxAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.MaxAttempts
}

func (m *Manager) policy() backoff.Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Policy
}

func (m *Manager) tracer() *observability.Tracer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Tracer
}

func (m *Manager) dialTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.DialTimeout
}
