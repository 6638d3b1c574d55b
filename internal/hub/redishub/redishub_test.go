package redishub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shopdesk/deskchat/internal/hub"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, string) {
	s := miniredis.RunT(t)
	return s, "redis://" + s.Addr()
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func TestChannels(t *testing.T) {
	if got := OperatorChannel("shop", 42); got != "shop:operator:42" {
		t.Errorf("OperatorChannel = %q", got)
	}
	if got := InvokeChannel("shop"); got != "shop:invoke" {
		t.Errorf("InvokeChannel = %q", got)
	}
}

func TestConn_ReceivesOperatorFrames(t *testing.T) {
	s, url := setupTestRedis(t)

	conn := New(url, "", 1, nil, nil)
	got := make(chan []json.RawMessage, 1)
	conn.On(hub.EventReceiveMessage, func(args []json.RawMessage) { got <- args })

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Stop(context.Background())

	frame := `{"type":1,"target":"ReceiveMessage","arguments":[{"id":"m1","senderId":7,"receiverId":1,"content":"hi"}]}`
	if n := s.Publish(OperatorChannel(DefaultPrefix, 1), frame); n != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", n)
	}
	// Frames for another operator are not delivered.
	s.Publish(OperatorChannel(DefaultPrefix, 2), frame)

	args := waitFor(t, got, "ReceiveMessage")
	if len(args) != 1 {
		t.Errorf("Expected 1 argument, got %d", len(args))
	}
	select {
	case <-got:
		t.Error("received a frame addressed to another operator")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConn_InvokePublishes(t *testing.T) {
	_, url := setupTestRedis(t)

	opts, _ := redis.ParseURL(url)
	watcher := redis.NewClient(opts)
	defer watcher.Close()
	sub := watcher.Subscribe(context.Background(), InvokeChannel("shop"))
	defer sub.Close()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	conn := New(url, "shop", 5, nil, nil)
	if err := conn.Invoke(context.Background(), hub.MethodSendMessage, 9, "x"); !errors.Is(err, hub.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted before Start, got %v", err)
	}
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Stop(context.Background())

	if err := conn.Invoke(context.Background(), hub.MethodSendMessage, 9, "hello", "ck-1"); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	msg := waitFor(t, sub.Channel(), "published invocation")
	var inv Invocation
	if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
		t.Fatalf("decoding invocation: %v", err)
	}
	if inv.OperatorID != 5 || inv.Target != hub.MethodSendMessage || inv.Type != hub.FrameInvocation {
		t.Errorf("unexpected invocation: %+v", inv)
	}
	if len(inv.Arguments) != 3 || string(inv.Arguments[1]) != `"hello"` {
		t.Errorf("unexpected arguments: %s", inv.Arguments)
	}
}

func TestConn_CloseFrame(t *testing.T) {
	s, url := setupTestRedis(t)

	conn := New(url, "", 1, nil, nil)
	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Publish(OperatorChannel(DefaultPrefix, 1), `{"type":7,"error":"maintenance"}`)

	if err := waitFor(t, closed, "OnClose"); err == nil {
		t.Error("Expected close frame error")
	}
	if err := conn.Invoke(context.Background(), hub.MethodMarkThreadRead, 3); !errors.Is(err, hub.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted after close, got %v", err)
	}
}

func TestConn_StopFiresOnCloseNil(t *testing.T) {
	_, url := setupTestRedis(t)

	conn := New(url, "", 1, nil, nil)
	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := conn.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := waitFor(t, closed, "OnClose"); err != nil {
		t.Errorf("Expected nil error on Stop, got %v", err)
	}
}

func TestConn_StartFailsWhenRedisDown(t *testing.T) {
	s, url := setupTestRedis(t)
	s.Close()

	conn := New(url, "", 1, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Start(ctx); err == nil {
		t.Error("Expected Start to fail when redis is unreachable")
	}
}

func TestDialer_RejectsBadURL(t *testing.T) {
	if _, err := Dialer("", 1, nil)("not-a-redis-url", nil); err == nil {
		t.Error("Expected error for invalid redis url")
	}
}
