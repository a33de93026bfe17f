package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bazaarhq/realtime/internal/rest"
	"github.com/bazaarhq/realtime/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ts(sec int) time.Time {
	return time.Date(2026, 8, 1, 12, 0, sec, 0, time.UTC)
}

type fakeFetcher struct {
	mu     sync.Mutex
	listFn func(roomID string, page, limit int) (rest.Page, error)
	sendFn func(roomID string, req rest.SendRequest) (models.Message, error)
	sends  []rest.SendRequest
}

func (f *fakeFetcher) ListMessages(_ context.Context, roomID string, page, limit int) (rest.Page, error) {
	f.mu.Lock()
	fn := f.listFn
	f.mu.Unlock()
	if fn == nil {
		return rest.Page{}, nil
	}
	return fn(roomID, page, limit)
}

func (f *fakeFetcher) SendMessage(_ context.Context, roomID string, req rest.SendRequest) (models.Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return models.Message{}, errors.New("no send handler")
	}
	return fn(roomID, req)
}

func pageOf(msgs ...models.Message) func(string, int, int) (rest.Page, error) {
	return func(string, int, int) (rest.Page, error) {
		return rest.Page{Messages: msgs, Page: 1, HasMore: false}, nil
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func ids(msgs []models.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.ID
	}
	return strings.Join(parts, ",")
}

func newTestEngine(fetcher *fakeFetcher, opts Options) *Engine {
	if opts.SelfID == "" {
		opts.SelfID = "buyer-1"
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return NewEngine(fetcher, opts)
}

func TestLoadInitialOrdersHistory(t *testing.T) {
	fetcher := &fakeFetcher{listFn: pageOf(
		models.Message{ID: "m2", RoomID: "r", CreatedAt: ts(2)},
		models.Message{ID: "m1", RoomID: "r", CreatedAt: ts(1)},
		models.Message{ID: "m3", RoomID: "r", CreatedAt: ts(3)},
	)}
	e := newTestEngine(fetcher, Options{})

	msgs, err := e.LoadInitial(context.Background(), "r")
	if err != nil {
		t.Fatalf("LoadInitial() error = %v", err)
	}
	if got := ids(msgs); got != "m1,m2,m3" {
		t.Errorf("order = %s, want m1,m2,m3", got)
	}
	if phase, _ := e.Phase("r"); phase != PhaseLoaded {
		t.Errorf("phase = %v, want loaded", phase)
	}
}

func TestLoadInitialFailureSetsPhaseFailed(t *testing.T) {
	wantErr := errors.New("backend down")
	fetcher := &fakeFetcher{listFn: func(string, int, int) (rest.Page, error) {
		return rest.Page{}, wantErr
	}}
	e := newTestEngine(fetcher, Options{})

	if _, err := e.LoadInitial(context.Background(), "r"); !errors.Is(err, wantErr) {
		t.Fatalf("LoadInitial() error = %v, want %v", err, wantErr)
	}
	phase, lastErr := e.Phase("r")
	if phase != PhaseFailed {
		t.Errorf("phase = %v, want failed", phase)
	}
	if !errors.Is(lastErr, wantErr) {
		t.Errorf("lastErr = %v", lastErr)
	}
}

func TestStaleLoadResponseIsDiscarded(t *testing.T) {
	// The first request's response is held back until a second request for
	// the same room has completed. The slow response must not clobber it.
	firstGate := make(chan struct{})
	var calls int
	var mu sync.Mutex
	fetcher := &fakeFetcher{}
	fetcher.listFn = func(string, int, int) (rest.Page, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-firstGate
			return rest.Page{Messages: []models.Message{{ID: "old", RoomID: "r", CreatedAt: ts(1)}}}, nil
		}
		return rest.Page{Messages: []models.Message{{ID: "new", RoomID: "r", CreatedAt: ts(2)}}}, nil
	}
	e := newTestEngine(fetcher, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := e.LoadInitial(context.Background(), "r")
		errc <- err
	}()
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, "first request never started")

	if _, err := e.LoadInitial(context.Background(), "r"); err != nil {
		t.Fatalf("second LoadInitial() error = %v", err)
	}
	close(firstGate)

	if err := <-errc; !errors.Is(err, ErrStaleLoad) {
		t.Fatalf("first LoadInitial() error = %v, want ErrStaleLoad", err)
	}
	if got := ids(e.Messages("r")); got != "new" {
		t.Errorf("messages = %s, want only the second response", got)
	}
}

func TestEventsDuringLoadAreBufferedAndMerged(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	fetcher := &fakeFetcher{listFn: func(string, int, int) (rest.Page, error) {
		once.Do(func() { close(started) })
		<-gate
		return rest.Page{Messages: []models.Message{
			{ID: "h1", RoomID: "r", CreatedAt: ts(1)},
			{ID: "live1", RoomID: "r", CreatedAt: ts(2)},
		}}, nil
	}}
	e := newTestEngine(fetcher, Options{})

	done := make(chan []models.Message, 1)
	go func() {
		msgs, _ := e.LoadInitial(context.Background(), "r")
		done <- msgs
	}()
	<-started

	// live1 also appears in the history page; live2 does not.
	e.ApplyIncoming(models.Message{ID: "live1", RoomID: "r", CreatedAt: ts(2)})
	e.ApplyIncoming(models.Message{ID: "live2", RoomID: "r", CreatedAt: ts(3)})
	close(gate)

	msgs := <-done
	if got := ids(msgs); got != "h1,live1,live2" {
		t.Errorf("merged list = %s, want h1,live1,live2", got)
	}
}

func TestApplyIncomingDedupesAndOrders(t *testing.T) {
	e := newTestEngine(&fakeFetcher{}, Options{})

	e.ApplyIncoming(models.Message{ID: "b", RoomID: "r", CreatedAt: ts(2)})
	e.ApplyIncoming(models.Message{ID: "a", RoomID: "r", CreatedAt: ts(1)})
	e.ApplyIncoming(models.Message{ID: "b", RoomID: "r", CreatedAt: ts(2)})
	e.ApplyIncoming(models.Message{ID: "c", RoomID: "r", CreatedAt: ts(3)})

	if got := ids(e.Messages("r")); got != "a,b,c" {
		t.Errorf("messages = %s, want a,b,c", got)
	}
}

func TestSendOptimisticLifecycle(t *testing.T) {
	fetcher := &fakeFetcher{sendFn: func(roomID string, req rest.SendRequest) (models.Message, error) {
		return models.Message{
			ID: "srv-1", RoomID: roomID, SenderID: "buyer-1",
			Content: req.Content, IdempotencyKey: req.IdempotencyKey,
			CreatedAt: ts(5),
		}, nil
	}}
	e := newTestEngine(fetcher, Options{Clock: func() time.Time { return ts(4) }})

	pendingID := e.SendOptimistic(context.Background(), "r", "two pallets of oranges")
	if pendingID == "" {
		t.Fatal("no pending id")
	}

	// The provisional bubble is visible immediately.
	msgs := e.Messages("r")
	if len(msgs) != 1 || msgs[0].ID != pendingID || msgs[0].Status != models.StatusSending {
		t.Fatalf("pending entry = %+v", msgs)
	}
	if !msgs[0].Pending {
		t.Error("entry not marked pending")
	}

	eventually(t, func() bool {
		m := e.Messages("r")
		return len(m) == 1 && m[0].ID == "srv-1" && m[0].Status == models.StatusSent
	}, "pending entry never adopted the server identity")
}

func TestSendOptimisticFailureRestoresDraft(t *testing.T) {
	fetcher := &fakeFetcher{sendFn: func(string, rest.SendRequest) (models.Message, error) {
		return models.Message{}, errors.New("503")
	}}

	var mu sync.Mutex
	var restored string
	e := newTestEngine(fetcher, Options{
		OnSendFailed: func(roomID, pendingID, draft string) {
			mu.Lock()
			restored = draft
			mu.Unlock()
		},
	})

	pendingID := e.SendOptimistic(context.Background(), "r", "invoice attached")

	eventually(t, func() bool {
		m := e.Messages("r")
		return len(m) == 1 && m[0].Status == models.StatusFailed
	}, "entry never flipped to failed")

	mu.Lock()
	defer mu.Unlock()
	if restored != "invoice attached" {
		t.Errorf("restored draft = %q", restored)
	}
	if m := e.Messages("r"); m[0].ID != pendingID {
		t.Errorf("failed entry id = %q, want %q", m[0].ID, pendingID)
	}
}

func TestEventArrivingBeforeSendResponseMergesByKey(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{sendFn: func(roomID string, req rest.SendRequest) (models.Message, error) {
		<-release
		return models.Message{
			ID: "srv-1", RoomID: roomID, Content: req.Content,
			IdempotencyKey: req.IdempotencyKey, CreatedAt: ts(5),
		}, nil
	}}
	e := newTestEngine(fetcher, Options{Clock: func() time.Time { return ts(4) }})

	e.SendOptimistic(context.Background(), "r", "hello")

	// The gateway echoes the idempotency key on the confirming event, and
	// that event outruns the REST response.
	eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return len(fetcher.sends) > 0
	}, "send never reached the fetcher")
	fetcher.mu.Lock()
	key := fetcher.sends[0].IdempotencyKey
	fetcher.mu.Unlock()
	e.ApplyIncoming(models.Message{
		ID: "srv-1", RoomID: "r", SenderID: "buyer-1",
		Content: "hello", IdempotencyKey: key, CreatedAt: ts(5),
	})

	if got := ids(e.Messages("r")); got != "srv-1" {
		t.Fatalf("after event = %s, want srv-1 only", got)
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	if got := ids(e.Messages("r")); got != "srv-1" {
		t.Errorf("after send response = %s, want srv-1 only", got)
	}
}

func TestHeuristicMergeWithoutKeyEcho(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{sendFn: func(roomID string, req rest.SendRequest) (models.Message, error) {
		<-release
		return models.Message{ID: "srv-1", RoomID: roomID, Content: req.Content, CreatedAt: ts(5)}, nil
	}}
	e := newTestEngine(fetcher, Options{Clock: func() time.Time { return ts(4) }})
	defer close(release)

	e.SendOptimistic(context.Background(), "r", "hello")

	// No idempotency key on the event: sender, content, and timestamp
	// proximity identify the pending entry.
	e.ApplyIncoming(models.Message{
		ID: "srv-1", RoomID: "r", SenderID: "buyer-1",
		Content: "hello", CreatedAt: ts(5),
	})

	if got := ids(e.Messages("r")); got != "srv-1" {
		t.Errorf("messages = %s, want srv-1 only", got)
	}
}

func TestUnrelatedMessageDoesNotMergeWithPending(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{sendFn: func(string, rest.SendRequest) (models.Message, error) {
		<-release
		return models.Message{}, errors.New("never confirmed")
	}}
	e := newTestEngine(fetcher, Options{Clock: func() time.Time { return ts(4) }})
	defer close(release)

	e.SendOptimistic(context.Background(), "r", "hello")

	// Same content from another user must not consume the pending entry.
	e.ApplyIncoming(models.Message{
		ID: "other-1", RoomID: "r", SenderID: "seller-9",
		Content: "hello", CreatedAt: ts(5),
	})

	msgs := e.Messages("r")
	if len(msgs) != 2 {
		t.Fatalf("messages = %s, want pending and other-1", ids(msgs))
	}
}

func TestRetryFailed(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	fetcher := &fakeFetcher{}
	fetcher.sendFn = func(roomID string, req rest.SendRequest) (models.Message, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return models.Message{}, errors.New("503")
		}
		return models.Message{ID: "srv-2", RoomID: roomID, Content: req.Content, CreatedAt: ts(6)}, nil
	}
	e := newTestEngine(fetcher, Options{Clock: func() time.Time { return ts(4) }})

	failedID := e.SendOptimistic(context.Background(), "r", "retry me")
	eventually(t, func() bool {
		m := e.Messages("r")
		return len(m) == 1 && m[0].Status == models.StatusFailed
	}, "first send never failed")

	if got := e.RetryFailed(context.Background(), "r", failedID); got == "" {
		t.Fatal("RetryFailed() returned empty id")
	}
	eventually(t, func() bool {
		m := e.Messages("r")
		return len(m) == 1 && m[0].ID == "srv-2" && m[0].Status == models.StatusSent
	}, "retry never confirmed")

	// Each attempt carries a distinct idempotency key.
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.sends) != 2 || fetcher.sends[0].IdempotencyKey == fetcher.sends[1].IdempotencyKey {
		t.Errorf("sends = %+v, want two attempts with distinct keys", fetcher.sends)
	}
}

func TestRetryUnknownOrUnfailedIsNoop(t *testing.T) {
	e := newTestEngine(&fakeFetcher{}, Options{})
	if got := e.RetryFailed(context.Background(), "r", "nope"); got != "" {
		t.Errorf("RetryFailed(unknown) = %q, want empty", got)
	}
}

func TestPendingSurvivesLoadInitial(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{
		listFn: pageOf(models.Message{ID: "h1", RoomID: "r", CreatedAt: ts(1)}),
		sendFn: func(string, rest.SendRequest) (models.Message, error) {
			<-release
			return models.Message{}, errors.New("slow")
		},
	}
	e := newTestEngine(fetcher, Options{Clock: func() time.Time { return ts(4) }})
	defer close(release)

	pendingID := e.SendOptimistic(context.Background(), "r", "still sending")

	msgs, err := e.LoadInitial(context.Background(), "r")
	if err != nil {
		t.Fatalf("LoadInitial() error = %v", err)
	}
	if got := ids(msgs); got != "h1,"+pendingID {
		t.Errorf("messages = %s, want history plus pending", got)
	}
}

func TestOnMessageHookFires(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	e := newTestEngine(&fakeFetcher{}, Options{
		OnMessage: func(roomID string, msg models.Message) {
			mu.Lock()
			seen = append(seen, roomID+":"+msg.ID)
			mu.Unlock()
		},
	})

	e.ApplyIncoming(models.Message{ID: "m1", RoomID: "r", CreatedAt: ts(1)})
	e.ApplyIncoming(models.Message{ID: "m1", RoomID: "r", CreatedAt: ts(1)})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "r:m1" {
		t.Errorf("hook calls = %v, want one for r:m1", seen)
	}
}

func TestForgetDropsRoomState(t *testing.T) {
	e := newTestEngine(&fakeFetcher{}, Options{})
	e.ApplyIncoming(models.Message{ID: "m1", RoomID: "r", CreatedAt: ts(1)})

	e.Forget("r")

	if msgs := e.Messages("r"); msgs != nil {
		t.Errorf("messages after Forget = %v, want nil", msgs)
	}
	if phase, _ := e.Phase("r"); phase != PhaseEmpty {
		t.Errorf("phase = %v, want empty", phase)
	}
}

func TestForgetDuringLoadDiscardsResponse(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := &fakeFetcher{listFn: func(string, int, int) (rest.Page, error) {
		close(started)
		<-release
		return rest.Page{Messages: []models.Message{
			{ID: "m1", RoomID: "r", CreatedAt: ts(1)},
		}}, nil
	}}
	e := newTestEngine(fetcher, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := e.LoadInitial(context.Background(), "r")
		errs <- err
	}()

	<-started
	e.Forget("r")
	close(release)

	if err := <-errs; !errors.Is(err, ErrStaleLoad) {
		t.Fatalf("LoadInitial() error = %v, want ErrStaleLoad", err)
	}
	if msgs := e.Messages("r"); msgs != nil {
		t.Errorf("messages = %v after forget, want none", msgs)
	}
	if phase, _ := e.Phase("r"); phase != PhaseEmpty {
		t.Errorf("phase = %v, want empty", phase)
	}
}
