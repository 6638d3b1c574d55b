package ssehub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopdesk/deskchat/internal/client"
	"github.com/shopdesk/deskchat/internal/hub"
)

// hubServer serves a scripted SSE stream per connection and records
// invocations.
type hubServer struct {
	t       *testing.T
	srv     *httptest.Server
	quit    chan struct{}
	streams []func(w http.ResponseWriter, r *http.Request) bool // returns true to hold the stream open
	conns   atomic.Int32

	mu      sync.Mutex
	invokes []client.InvokeRequest
	headers []http.Header
}

func newHubServer(t *testing.T, streams ...func(w http.ResponseWriter, r *http.Request) bool) *hubServer {
	h := &hubServer{t: t, quit: make(chan struct{}), streams: streams}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(func() {
		close(h.quit)
		h.srv.Close()
	})
	return h
}

func (h *hubServer) url() string { return h.srv.URL + "/hub" }

func (h *hubServer) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/hub/invoke":
		var req client.InvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.invokes = append(h.invokes, req)
		h.headers = append(h.headers, r.Header.Clone())
		h.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/hub":
		n := int(h.conns.Add(1)) - 1
		h.mu.Lock()
		h.headers = append(h.headers, r.Header.Clone())
		h.mu.Unlock()
		if n >= len(h.streams) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		if !h.streams[n](w, r) {
			return
		}
		select {
		case <-r.Context().Done():
		case <-h.quit:
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *hubServer) lastHeader() http.Header {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.headers[len(h.headers)-1]
}

func writeFrame(w http.ResponseWriter, id, frame string) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "data: %s\n\n", frame)
	w.(http.Flusher).Flush()
}

const receiveFrame = `{"type":1,"target":"ReceiveMessage","arguments":[{"id":"m1","senderId":7,"receiverId":1,"content":"hi"}]}`

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

func TestConn_DispatchesFrames(t *testing.T) {
	h := newHubServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		writeFrame(w, "", `{"type":6}`)
		writeFrame(w, "1", receiveFrame)
		return true
	})

	conn := New(h.url(), hub.StaticToken("secret"), nil)
	got := make(chan []json.RawMessage, 1)
	conn.On(hub.EventReceiveMessage, func(args []json.RawMessage) { got <- args })

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Stop(context.Background())

	args := waitFor(t, got, "ReceiveMessage")
	if len(args) != 1 {
		t.Fatalf("Expected 1 argument, got %d", len(args))
	}
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args[0], &rec); err != nil || rec.ID != "m1" {
		t.Errorf("unexpected payload %s (err %v)", args[0], err)
	}
	if auth := h.lastHeader().Get("Authorization"); auth != "Bearer secret" {
		t.Errorf("Expected bearer auth on stream, got %q", auth)
	}
}

func TestConn_Invoke(t *testing.T) {
	h := newHubServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		w.(http.Flusher).Flush()
		return true
	})

	conn := New(h.url(), hub.StaticToken("secret"), nil)
	if err := conn.Invoke(context.Background(), hub.MethodSendMessage, 9, "x"); !errors.Is(err, hub.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted before Start, got %v", err)
	}
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := conn.Invoke(context.Background(), hub.MethodSendMessage, 9, "hello", "ck-1"); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	h.mu.Lock()
	if len(h.invokes) != 1 {
		h.mu.Unlock()
		t.Fatalf("Expected 1 invocation, got %d", len(h.invokes))
	}
	req := h.invokes[0]
	h.mu.Unlock()
	if req.Type != hub.FrameInvocation || req.Target != hub.MethodSendMessage || req.InvocationID == "" {
		t.Errorf("unexpected invocation: %+v", req)
	}
	if len(req.Arguments) != 3 || req.Arguments[1] != "hello" {
		t.Errorf("unexpected arguments: %v", req.Arguments)
	}
	if auth := h.lastHeader().Get("Authorization"); auth != "Bearer secret" {
		t.Errorf("Expected bearer auth on invoke, got %q", auth)
	}

	if err := conn.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := conn.Invoke(context.Background(), hub.MethodMarkThreadRead, 9); !errors.Is(err, hub.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted after Stop, got %v", err)
	}
}

func TestConn_ResumesOnceWithLastEventID(t *testing.T) {
	h := newHubServer(t,
		func(w http.ResponseWriter, r *http.Request) bool {
			writeFrame(w, "5", `{"type":6}`)
			return false // drop the stream
		},
		func(w http.ResponseWriter, r *http.Request) bool {
			writeFrame(w, "6", receiveFrame)
			return true
		},
	)

	conn := New(h.url(), nil, nil)
	conn.ResumeDelay = 10 * time.Millisecond
	reconnecting := make(chan error, 1)
	reconnected := make(chan struct{}, 1)
	got := make(chan struct{}, 1)
	conn.OnReconnecting(func(err error) { reconnecting <- err })
	conn.OnReconnected(func() { reconnected <- struct{}{} })
	conn.On(hub.EventReceiveMessage, func([]json.RawMessage) { got <- struct{}{} })

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Stop(context.Background())

	waitFor(t, reconnecting, "OnReconnecting")
	waitFor(t, reconnected, "OnReconnected")
	waitFor(t, got, "event after resume")

	if id := h.lastHeader().Get("Last-Event-ID"); id != "5" {
		t.Errorf("Expected Last-Event-ID 5 on resume, got %q", id)
	}
}

func TestConn_ClosesAfterSecondDrop(t *testing.T) {
	drop := func(w http.ResponseWriter, r *http.Request) bool {
		writeFrame(w, "", `{"type":6}`)
		return false
	}
	h := newHubServer(t, drop, drop)

	conn := New(h.url(), nil, nil)
	conn.ResumeDelay = 10 * time.Millisecond
	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := waitFor(t, closed, "OnClose"); err == nil {
		t.Error("Expected OnClose with an error after the stream dropped twice")
	}
}

func TestConn_CloseFrame(t *testing.T) {
	h := newHubServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		writeFrame(w, "", `{"type":7,"error":"server shutting down"}`)
		return true
	})

	conn := New(h.url(), nil, nil)
	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := waitFor(t, closed, "OnClose"); err == nil {
		t.Error("Expected close frame error to reach OnClose")
	}
}

func TestConn_StopFiresOnCloseNil(t *testing.T) {
	h := newHubServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		w.(http.Flusher).Flush()
		return true
	})

	conn := New(h.url(), nil, nil)
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

func TestConn_StartUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	conn := New(srv.URL, hub.StaticToken("bad"), nil)
	err := conn.Start(context.Background())
	if err == nil {
		t.Fatal("Expected Start to fail")
	}
	if !client.IsUnauthorized(err) {
		t.Errorf("Expected unauthorized error, got %v", err)
	}
	if err := conn.Start(context.Background()); err == nil {
		t.Error("Expected second Start on a used connection to fail")
	}
}

func TestDialer_RejectsEmptyURL(t *testing.T) {
	if _, err := Dialer(nil)("", nil); err == nil {
		t.Error("Expected error for empty hub url")
	}
}
