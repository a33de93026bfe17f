// Package testharness runs an in-process realtime gateway speaking the
// production wire protocol over real websockets. Integration tests drive it
// to script server pushes, disconnects, and credential rejections.
package testharness

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bazaarhq/realtime/internal/transport"
	"github.com/bazaarhq/realtime/pkg/models"
)

// Gateway is a fake realtime gateway bound to an ephemeral port.
type Gateway struct {
	t        *testing.T
	server   *httptest.Server
	token    string
	upgrader websocket.Upgrader

	mu        sync.Mutex
	sessions  []*GatewaySession
	accepted  chan *GatewaySession
	rejectAll bool
}

// NewGateway starts a gateway that accepts connections bearing token.
func NewGateway(t *testing.T, token string) *Gateway {
	t.Helper()
	g := &Gateway{
		t:        t,
		token:    token,
		accepted: make(chan *GatewaySession, 16),
	}
	g.server = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.Close)
	return g
}

// URL returns the websocket endpoint.
func (g *Gateway) URL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

// RejectAll makes every further upgrade fail with 401, simulating a revoked
// credential.
func (g *Gateway) RejectAll() {
	g.mu.Lock()
	g.rejectAll = true
	g.mu.Unlock()
}

// Close shuts the gateway and all live sessions down.
func (g *Gateway) Close() {
	g.mu.Lock()
	sessions := append([]*GatewaySession{}, g.sessions...)
	g.mu.Unlock()
	for _, s := range sessions {
		s.Drop()
	}
	g.server.Close()
}

// WaitForSession blocks until a client connects and authenticates.
func (g *Gateway) WaitForSession() *GatewaySession {
	g.t.Helper()
	select {
	case s := <-g.accepted:
		return s
	case <-time.After(5 * time.Second):
		g.t.Fatal("no client connected to the gateway")
		return nil
	}
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	reject := g.rejectAll
	g.mu.Unlock()
	if reject || r.Header.Get("Authorization") != "Bearer "+g.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &GatewaySession{conn: conn, frames: make(chan transport.Frame, 64)}
	go s.readLoop()

	g.mu.Lock()
	g.sessions = append(g.sessions, s)
	g.mu.Unlock()
	g.accepted <- s
}

// GatewaySession is one accepted client connection.
type GatewaySession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	frames  chan transport.Frame
}

func (s *GatewaySession) readLoop() {
	defer close(s.frames)
	for {
		var frame transport.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		select {
		case s.frames <- frame:
		default:
		}
	}
}

// WaitForEvent blocks until the client emits the named event and returns
// its frame. Other events arriving first are discarded.
func (s *GatewaySession) WaitForEvent(t *testing.T, event string) transport.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame, ok := <-s.frames:
			if !ok {
				t.Fatalf("session closed while waiting for %q", event)
			}
			if frame.Event == event {
				return frame
			}
		case <-deadline:
			t.Fatalf("client never emitted %q", event)
		}
	}
}

// inboundKinds is the set of event kinds the gateway may push; a Push with
// a kind outside it is a scripting bug in the test, not a client defect.
var inboundKinds = func() map[models.EventKind]struct{} {
	set := make(map[models.EventKind]struct{}, len(models.Kinds()))
	for _, k := range models.Kinds() {
		set[k] = struct{}{}
	}
	return set
}()

// Push writes one event frame to the client.
func (s *GatewaySession) Push(t *testing.T, kind models.EventKind, payload any) {
	t.Helper()
	if _, ok := inboundKinds[kind]; !ok {
		t.Fatalf("unknown event kind %q", kind)
	}
	frame, err := transport.EncodeEvent(string(kind), payload)
	if err != nil {
		t.Fatalf("encode %s: %v", kind, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(frame); err != nil {
		t.Fatalf("push %s: %v", kind, err)
	}
}

// PushMessage writes a message.new event.
func (s *GatewaySession) PushMessage(t *testing.T, msg models.Message) {
	s.Push(t, models.EventMessageNew, msg)
}

// Drop severs the connection without a close handshake, as a crashed
// gateway or dead network would.
func (s *GatewaySession) Drop() {
	_ = s.conn.Close()
}

// RejectAuth closes the session with the credential-rejected close code.
func (s *GatewaySession) RejectAuth() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(transport.CloseAuthRejected, "credential revoked")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
