// Package rest is the HTTP client for the marketplace API: message history,
// sends, and room lifecycle. The realtime channel carries live updates; this
// client covers everything that must survive event-bus gaps.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/bazaarhq/realtime/internal/observability"
	"github.com/bazaarhq/realtime/pkg/models"
)

// Options configures the REST client.
type Options struct {
	// BaseURL is the API root, e.g. "https://api.bazaar.example/v1".
	BaseURL string

	// Timeout bounds one request (default 30s).
	Timeout time.Duration

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics and Tracer are optional instrumentation.
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Client issues authenticated requests against the marketplace API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  oauth2.TokenSource
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewClient creates a REST client using tokens for bearer authentication.
func NewClient(tokens oauth2.TokenSource, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL: opts.BaseURL,
		http:    httpClient,
		tokens:  tokens,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// Page is one page of room history, newest page first, messages in
// chronological order within the page.
type Page struct {
	Messages []models.Message `json:"messages"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
	HasMore  bool             `json:"has_more"`
}

// ListMessages fetches one history page for a room.
func (c *Client) ListMessages(ctx context.Context, roomID string, page, limit int) (Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out Page
	err := c.do(ctx, "list", http.MethodGet,
		fmt.Sprintf("/rooms/%s/messages?%s", url.PathEscape(roomID), q.Encode()), nil, &out)
	return out, err
}

// SendRequest is the body of a message send.
type SendRequest struct {
	Content string `json:"content"`

	// IdempotencyKey is generated client-side per logical send. Gateways
	// that echo it back on the confirming event make optimistic
	// reconciliation exact instead of heuristic.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SendMessage posts a message and returns the created message with its
// server-assigned id.
func (c *Client) SendMessage(ctx context.Context, roomID string, req SendRequest) (models.Message, error) {
	var out models.Message
	err := c.do(ctx, "send", http.MethodPost,
		fmt.Sprintf("/rooms/%s/messages", url.PathEscape(roomID)), req, &out)
	return out, err
}

// ListRooms fetches the rooms this user belongs to.
func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var out struct {
		Rooms []models.Room `json:"rooms"`
	}
	err := c.do(ctx, "rooms", http.MethodGet, "/rooms", nil, &out)
	return out.Rooms, err
}

// CreateRoomRequest describes a new direct conversation or community.
type CreateRoomRequest struct {
	Kind      models.RoomKind `json:"kind"`
	Name      string          `json:"name,omitempty"`
	MemberIDs []string        `json:"member_ids,omitempty"`
}

// CreateRoom creates a conversation or community.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (models.Room, error) {
	var out models.Room
	err := c.do(ctx, "create", http.MethodPost, "/rooms", req, &out)
	return out, err
}

// JoinRoom registers this user as a member of a community.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, "join", http.MethodPost,
		fmt.Sprintf("/rooms/%s/join", url.PathEscape(roomID)), nil, nil)
}

// LeaveRoom removes this user from a community.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, "leave", http.MethodPost,
		fmt.Sprintf("/rooms/%s/leave", url.PathEscape(roomID)), nil, nil)
}

// MarkRead informs the server that the room has been read. The local unread
// count is zeroed synchronously by the presence overlay; this call is the
// asynchronous server-side counterpart and its failure is not user-visible.
func (c *Client) MarkRead(ctx context.Context, roomID string) error {
	return c.do(ctx, "read", http.MethodPost,
		fmt.Sprintf("/rooms/%s/read", url.PathEscape(roomID)), nil, nil)
}

func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "rest."+operation,
		attribute.String("http.method", method),
		attribute.String("http.path", path))
	defer span.End()

	start := time.Now()
	err := c.doOnce(ctx, method, path, body, out)
	if c.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.RESTRequestDuration.WithLabelValues(operation, status).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("credential: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
