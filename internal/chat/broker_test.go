package chat

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLocalBroker(t *testing.T) {
	b := NewLocalBroker()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan Envelope, 1)
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, func(env Envelope) { got <- env }) }()
	waitFor(t, func() bool { return b.subscribers() == 1 })

	if err := b.Publish(context.Background(), Envelope{RoomID: "r1", Frame: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if env := <-got; env.RoomID != "r1" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Subscribe returned %v", err)
	}
	if b.subscribers() != 0 {
		t.Fatalf("handler not removed after cancel")
	}

	b.Close()
	if err := b.Publish(context.Background(), Envelope{RoomID: "r1"}); err != ErrBrokerClosed {
		t.Fatalf("expected ErrBrokerClosed, got %v", err)
	}
}

// Runs against a real server when REDIS_URL is set.
func TestRedisBroker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := NewRedisBroker(ctx, url, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisBroker failed: %v", err)
	}
	defer b.Close()

	got := make(chan Envelope, 1)
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	go b.Subscribe(subCtx, func(env Envelope) {
		select {
		case got <- env:
		default:
		}
	})

	// the subscription is confirmed asynchronously; publish until it lands
	want := Envelope{RoomID: "r-redis", Origin: "c1", Frame: json.RawMessage(`{"event":"typing"}`)}
	for {
		if err := b.Publish(ctx, want); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		select {
		case env := <-got:
			if env.RoomID != want.RoomID || env.Origin != want.Origin || string(env.Frame) != string(want.Frame) {
				t.Fatalf("unexpected envelope %+v", env)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			t.Fatalf("no envelope received")
		}
	}
}
