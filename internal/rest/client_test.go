package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/bazaarhq/realtime/pkg/models"
)

func testTokens() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token", TokenType: "Bearer"})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(testTokens(), Options{BaseURL: server.URL, Timeout: 5 * time.Second})
}

func TestListMessages(t *testing.T) {
	createdAt := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms/conv-1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("page = %q, want 2", got)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("limit = %q, want 25", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(Page{
			Messages: []models.Message{{ID: "m1", RoomID: "conv-1", Content: "hi", CreatedAt: createdAt}},
			Page:     2,
			Limit:    25,
			HasMore:  true,
		})
	})

	page, err := client.ListMessages(context.Background(), "conv-1", 2, 25)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "m1" {
		t.Errorf("page = %+v", page)
	}
	if !page.HasMore {
		t.Error("HasMore = false, want true")
	}
}

func TestSendMessageCarriesIdempotencyKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.IdempotencyKey != "key-123" {
			t.Errorf("IdempotencyKey = %q", req.IdempotencyKey)
		}
		json.NewEncoder(w).Encode(models.Message{
			ID: "srv-1", RoomID: "conv-1", Content: req.Content,
			IdempotencyKey: req.IdempotencyKey, CreatedAt: time.Now().UTC(),
		})
	})

	msg, err := client.SendMessage(context.Background(), "conv-1",
		SendRequest{Content: "hello", IdempotencyKey: "key-123"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID != "srv-1" || msg.IdempotencyKey != "key-123" {
		t.Errorf("message = %+v", msg)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"rate_limited","message":"slow down"}}`))
	})

	_, err := client.SendMessage(context.Background(), "conv-1", SendRequest{Content: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.Code != "rate_limited" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestAPIErrorWithoutBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := client.JoinRoom(context.Background(), "community-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message == "" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unauthorized", &APIError{Status: http.StatusUnauthorized}, true},
		{"forbidden", &APIError{Status: http.StatusForbidden}, true},
		{"server error", &APIError{Status: http.StatusInternalServerError}, false},
		{"plain error", errors.New("nope"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthError(tt.err); got != tt.want {
				t.Errorf("IsAuthError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoomLifecycleEndpoints(t *testing.T) {
	var paths []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch {
		case r.URL.Path == "/rooms" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"rooms": []models.Room{{ID: "r-1", Kind: models.RoomDirect}},
			})
		case r.URL.Path == "/rooms":
			json.NewEncoder(w).Encode(models.Room{ID: "r-new", Kind: models.RoomCommunity})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	ctx := context.Background()
	rooms, err := client.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() error = %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "r-1" {
		t.Errorf("rooms = %+v", rooms)
	}
	room, err := client.CreateRoom(ctx, CreateRoomRequest{Kind: models.RoomCommunity, Name: "suppliers"})
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if room.ID != "r-new" {
		t.Errorf("room = %+v", room)
	}
	if err := client.JoinRoom(ctx, "r-new"); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	if err := client.LeaveRoom(ctx, "r-new"); err != nil {
		t.Fatalf("LeaveRoom() error = %v", err)
	}
	if err := client.MarkRead(ctx, "r-new"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}

	want := []string{"GET /rooms", "POST /rooms", "POST /rooms/r-new/join", "POST /rooms/r-new/leave", "POST /rooms/r-new/read"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}
