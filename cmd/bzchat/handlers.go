// handlers.go contains the command implementations: build a client from the
// config file and the BAZAAR_TOKEN credential, run the operation, shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/bazaarhq/realtime/internal/client"
	"github.com/bazaarhq/realtime/internal/config"
	"github.com/bazaarhq/realtime/internal/conn"
	"github.com/bazaarhq/realtime/internal/observability"
	"github.com/bazaarhq/realtime/internal/rest"
	"github.com/bazaarhq/realtime/pkg/models"
)

// buildClient loads configuration, reads the credential, and assembles the
// realtime client. The caller owns Close.
func buildClient(configPath string, debug bool, opts ...client.Option) (*client.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	token := os.Getenv("BAZAAR_TOKEN")
	if token == "" {
		return nil, errors.New("BAZAAR_TOKEN is not set")
	}
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

	logger := observability.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	opts = append([]client.Option{
		client.WithLogger(logger),
		client.WithMetrics(observability.NewMetrics(nil)),
	}, opts...)
	return client.New(cfg, tokens, opts...)
}

// printNotifier writes every incoming message to stdout. tail installs it
// and never marks a room active, so nothing is suppressed.
type printNotifier struct{}

func (printNotifier) Notify(roomID string, msg models.Message) {
	lang := ""
	if tag, ok := msg.DetectedLanguage(); ok {
		lang = " (" + tag.String() + ")"
	}
	fmt.Printf("%s  [%s] %s%s: %s\n",
		msg.CreatedAt.Local().Format("15:04:05"), roomID, senderLabel(msg), lang, msg.Content)
}

func senderLabel(msg models.Message) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return msg.SenderID
}

func runTail(ctx context.Context, configPath string, roomIDs []string, debug bool) error {
	c, err := buildClient(configPath, debug, client.WithNotifier(printNotifier{}))
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tunables (reconnect bound, typing windows) follow edits to the
	// config file while tail runs.
	if err := c.WatchConfig(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "-- config watch unavailable: %v\n", err)
	}

	c.OnConnectionChange(func(change conn.StateChange) {
		fmt.Fprintf(os.Stderr, "-- connection: %s -> %s\n", change.From, change.To)
	})
	c.OnNotice(func(msg string) {
		fmt.Fprintln(os.Stderr, "!! "+msg)
	})

	for _, roomID := range roomIDs {
		c.Watch(models.Room{ID: roomID})
		if _, err := c.LoadInitial(ctx, roomID); err != nil {
			fmt.Fprintf(os.Stderr, "-- history unavailable for %s: %v\n", roomID, err)
		}
	}
	c.Connect()

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "-- bye")
	return nil
}

func runSend(ctx context.Context, configPath, roomID, content string) error {
	failed := make(chan string, 1)
	c, err := buildClient(configPath, false,
		client.WithSendFailureHandler(func(_, draft string) { failed <- draft }))
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	id := c.SendMessage(ctx, roomID, content)

	// Wait for the REST send to settle either way.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(30 * time.Second)
	for {
		select {
		case draft := <-failed:
			return fmt.Errorf("delivery failed; draft preserved: %q", draft)
		case <-deadline:
			return errors.New("timed out waiting for delivery confirmation")
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, msg := range c.Messages(roomID) {
			if msg.ID == id && msg.Status == models.StatusFailed {
				return fmt.Errorf("delivery failed: %s", msg.Content)
			}
			if !msg.Pending && (msg.Status == models.StatusSent || msg.Status == models.StatusDelivered) {
				fmt.Printf("delivered as %s\n", msg.ID)
				return nil
			}
		}
	}
}

func runHistory(ctx context.Context, configPath, roomID string, page int) error {
	c, err := buildClient(configPath, false)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	var msgs []models.Message
	if page <= 1 {
		msgs, err = c.LoadInitial(ctx, roomID)
	} else {
		msgs, err = c.LoadOlder(ctx, roomID, page)
	}
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		fmt.Printf("%s  %s: %s\n",
			msg.CreatedAt.Local().Format("2006-01-02 15:04:05"), senderLabel(msg), msg.Content)
	}
	return nil
}

func runRoomsList(ctx context.Context, configPath string) error {
	c, err := buildClient(configPath, false)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	rooms, err := c.Rooms(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		label := room.Name
		if label == "" {
			label = "(direct)"
		}
		fmt.Printf("%-12s %-10s %s\n", room.ID, room.Kind, label)
	}
	return nil
}

func runRoomsCreate(ctx context.Context, configPath string, kind models.RoomKind, name string, members []string) error {
	c, err := buildClient(configPath, false)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	room, err := c.CreateRoom(ctx, rest.CreateRoomRequest{
		Kind:      kind,
		Name:      name,
		MemberIDs: members,
	})
	if err != nil {
		return err
	}
	fmt.Printf("created %s room %s\n", room.Kind, room.ID)
	return nil
}

func runRoomsJoin(ctx context.Context, configPath, roomID string) error {
	c, err := buildClient(configPath, false)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	if err := c.JoinRoom(ctx, roomID); err != nil {
		return err
	}
	fmt.Printf("joined %s\n", roomID)
	return nil
}

func runRoomsLeave(ctx context.Context, configPath, roomID string) error {
	c, err := buildClient(configPath, false)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	if err := c.LeaveRoom(ctx, roomID); err != nil {
		return err
	}
	fmt.Printf("left %s\n", roomID)
	return nil
}
