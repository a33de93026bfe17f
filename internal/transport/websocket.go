package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ErrAuthRejected is returned when the gateway refuses the bearer token,
// either at the upgrade handshake or with an auth close code mid-session.
// It is fatal for the session: the caller must not retry with the same
// credential.
var ErrAuthRejected = errors.New("transport: credential rejected by gateway")

// ErrClosedByClient is returned from Read after a local Close call. It marks
// a deliberate disconnect that must not trigger reconnection.
var ErrClosedByClient = errors.New("transport: closed by client")

// CloseAuthRejected is the application close code the gateway uses when a
// session's credential expires or is revoked.
const CloseAuthRejected = 4401

const writeWait = 10 * time.Second

// Options tunes the websocket transport.
type Options struct {
	// URL is the gateway websocket endpoint.
	URL string

	// DialTimeout bounds one connection attempt (default 10s).
	DialTimeout time.Duration

	// PingInterval is the keepalive ping cadence (default 15s).
	PingInterval time.Duration

	// PongWait is how long to wait for any traffic before the connection
	// is considered dead (default 45s).
	PongWait time.Duration

	// OutboundRate and OutboundBurst limit outbound event emission.
	// Zero values disable the limiter.
	OutboundRate  float64
	OutboundBurst int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) norm() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 45 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session is one live gateway connection. Read blocks until a frame arrives
// or the connection dies; Emit sends a named event. Both are safe for
// concurrent use with each other, and Emit is safe across goroutines.
type Session interface {
	Read() (Frame, error)
	Emit(event string, payload any) error
	Close() error
}

// Dialer establishes gateway sessions. The websocket implementation is
// Dial; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, token string) (Session, error)
}

// WebsocketDialer dials the gateway over a websocket with bearer
// authentication.
type WebsocketDialer struct {
	opts Options
}

// NewDialer creates a websocket dialer with the given options.
func NewDialer(opts Options) *WebsocketDialer {
	opts.norm()
	return &WebsocketDialer{opts: opts}
}

// Dial connects and authenticates. A 401/403 upgrade response maps to
// ErrAuthRejected; other failures are transient transport errors.
func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.opts.DialTimeout,
		ReadBufferSize:   8192,
		WriteBufferSize:  8192,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, d.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuthRejected
		}
		return nil, fmt.Errorf("dial %s: %w", d.opts.URL, err)
	}

	s := &wsSession{
		conn:   conn,
		opts:   d.opts,
		done:   make(chan struct{}),
		logger: d.opts.Logger,
	}
	if d.opts.OutboundRate > 0 {
		burst := d.opts.OutboundBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(d.opts.OutboundRate), burst)
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	})

	go s.pingLoop()
	return s, nil
}

type wsSession struct {
	conn    *websocket.Conn
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSession) Read() (Frame, error) {
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		select {
		case <-s.done:
			return Frame{}, ErrClosedByClient
		default:
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == CloseAuthRejected {
			return Frame{}, ErrAuthRejected
		}
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	return f, nil
}

func (s *wsSession) Emit(event string, payload any) error {
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("outbound rate limit: %w", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}
