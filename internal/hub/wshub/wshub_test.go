package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/shopdesk/deskchat/internal/hub"
)

// wsServer accepts one socket per request and hands it to script.
func wsServer(t *testing.T, script func(ctx context.Context, ws *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "")
		script(r.Context(), ws, r)
	}))
	t.Cleanup(srv.Close)
	return srv
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

func TestNew_MapsScheme(t *testing.T) {
	c, err := New("https://shop.example.com/hubs/chat", nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !strings.HasPrefix(c.url, "wss://") {
		t.Errorf("Expected wss scheme, got %s", c.url)
	}
	if _, err := New("ftp://x", nil, nil); err == nil {
		t.Error("Expected error for unsupported scheme")
	}
}

func TestConn_ReceiveAndInvoke(t *testing.T) {
	invoked := make(chan hub.Frame, 1)
	auth := make(chan string, 1)
	srv := wsServer(t, func(ctx context.Context, ws *websocket.Conn, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		frame := `{"type":1,"target":"ThreadMarkedRead","arguments":[{"contactId":3,"updatedCount":2}]}`
		if err := ws.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			return
		}
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		f, err := hub.DecodeFrame(data)
		if err == nil {
			invoked <- f
		}
		ws.Read(ctx) // hold until the client closes
	})

	conn, err := New(srv.URL, hub.StaticToken("secret"), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	receipts := make(chan []json.RawMessage, 1)
	conn.On(hub.EventThreadMarkedRead, func(args []json.RawMessage) { receipts <- args })

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Stop(context.Background())

	if got := waitFor(t, auth, "handshake"); got != "Bearer secret" {
		t.Errorf("Expected bearer auth, got %q", got)
	}
	args := waitFor(t, receipts, "ThreadMarkedRead")
	var receipt struct {
		ContactID    int `json:"contactId"`
		UpdatedCount int `json:"updatedCount"`
	}
	if err := json.Unmarshal(args[0], &receipt); err != nil || receipt.ContactID != 3 {
		t.Errorf("unexpected receipt %s (err %v)", args[0], err)
	}

	if err := conn.Invoke(context.Background(), hub.MethodMarkThreadRead, 3); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	f := waitFor(t, invoked, "invocation")
	if f.Target != hub.MethodMarkThreadRead || len(f.Arguments) != 1 || string(f.Arguments[0]) != "3" {
		t.Errorf("unexpected invocation frame: %+v", f)
	}
}

func TestConn_ServerDropFiresOnClose(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, ws *websocket.Conn, r *http.Request) {
		ws.Close(websocket.StatusInternalError, "boom")
	})

	conn, _ := New(srv.URL, nil, nil)
	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := waitFor(t, closed, "OnClose"); err == nil {
		t.Error("Expected OnClose with an error on abnormal closure")
	}
	if err := conn.Invoke(context.Background(), hub.MethodSendMessage, 1, "x"); !errors.Is(err, hub.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted after close, got %v", err)
	}
}

func TestConn_CloseFrame(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, ws *websocket.Conn, r *http.Request) {
		ws.Write(ctx, websocket.MessageText, []byte(`{"type":7}`))
		ws.Read(ctx)
	})

	conn, _ := New(srv.URL, nil, nil)
	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := waitFor(t, closed, "OnClose"); err != nil {
		t.Errorf("Expected clean close, got %v", err)
	}
}

func TestConn_StopFiresOnCloseNil(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, ws *websocket.Conn, r *http.Request) {
		ws.Read(ctx)
	})

	conn, _ := New(srv.URL, nil, nil)
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

func TestConn_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	conn, _ := New(srv.URL, nil, nil)
	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })
	if err := conn.Start(context.Background()); err == nil {
		t.Fatal("Expected Start to fail on a non-websocket endpoint")
	}
	if err := waitFor(t, closed, "OnClose"); err == nil {
		t.Error("Expected OnClose with the dial error")
	}
}
