// Package ssehub implements hub.Conn over Server-Sent Events for inbound
// frames and HTTP POST for outbound invocations.
//
// Each SSE event's data is one JSON hub frame. When the stream drops the
// connection resumes once using Last-Event-ID before reporting close; any
// further recovery belongs to the live client's retry loop.
package ssehub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopdesk/deskchat/internal/client"
	"github.com/shopdesk/deskchat/internal/hub"
)

// DefaultResumeDelay is the wait before resuming a dropped stream when the
// server did not suggest one with a retry field.
const DefaultResumeDelay = time.Second

// errStreamEnded is reported when the server closes the stream without a
// close frame.
var errStreamEnded = errors.New("hub stream ended")

// Conn is a hub connection over SSE.
type Conn struct {
	hub.Callbacks

	url    string
	creds  hub.CredentialProvider
	sse    *client.SSE
	logger *slog.Logger

	// ResumeDelay overrides the server-suggested resume delay when non-zero.
	ResumeDelay time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	invoker *client.Client
	cancel  context.CancelFunc
	loop    chan struct{}
}

// New creates an unstarted connection to url.
func New(url string, creds hub.CredentialProvider, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if creds == nil {
		creds = hub.StaticToken("")
	}
	return &Conn{
		url:    strings.TrimRight(url, "/"),
		creds:  creds,
		sse:    client.NewSSE(logger),
		logger: logger.With("component", "ssehub"),
	}
}

// Dialer returns a hub.Dialer producing SSE connections.
func Dialer(logger *slog.Logger) hub.Dialer {
	return func(url string, creds hub.CredentialProvider) (hub.Conn, error) {
		if url == "" {
			return nil, fmt.Errorf("hub url is empty")
		}
		return New(url, creds, logger), nil
	}
}

// Start opens the event stream.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("ssehub: connection already used")
	}
	c.started = true
	c.mu.Unlock()

	token, err := c.creds(ctx)
	if err != nil {
		c.Closed(err)
		return fmt.Errorf("getting hub credentials: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	// Abort the dial if the caller gives up; the stream itself outlives ctx.
	stopAbort := context.AfterFunc(ctx, cancel)
	events, done, err := c.sse.Connect(streamCtx, c.url, c.header(token, ""))
	stopAbort()
	if err != nil {
		cancel()
		c.Closed(err)
		return fmt.Errorf("connecting to hub: %w", err)
	}

	c.mu.Lock()
	c.invoker = client.NewWithAPIKey(c.url, token)
	c.cancel = cancel
	c.loop = make(chan struct{})
	loop := c.loop
	c.mu.Unlock()

	go c.readLoop(streamCtx, token, events, done, loop)
	return nil
}

// Stop closes the stream and waits for the read loop to exit.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	cancel, loop := c.cancel, c.loop
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if loop != nil {
		select {
		case <-loop:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.Closed(nil)
	return nil
}

// Invoke posts an invocation frame to <url>/invoke.
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	invoker := c.invoker
	live := invoker != nil && !c.stopped && !c.IsClosed()
	c.mu.Unlock()
	if !live {
		return hub.ErrNotStarted
	}
	if args == nil {
		args = []any{}
	}
	_, err := invoker.Invoke(ctx, c.url+"/invoke", &client.InvokeRequest{
		Type:         hub.FrameInvocation,
		InvocationID: uuid.NewString(),
		Target:       method,
		Arguments:    args,
	})
	return err
}

func (c *Conn) header(token, lastEventID string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if lastEventID != "" {
		h.Set("Last-Event-ID", lastEventID)
	}
	return h
}

func (c *Conn) cancelStream() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Conn) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Conn) readLoop(ctx context.Context, token string, events <-chan client.SSEEvent, done <-chan error, loop chan struct{}) {
	defer close(loop)
	defer c.cancelStream()

	var lastID string
	var retry time.Duration
	resumed := false

	for {
		closed, closeErr := c.drain(events, &lastID, &retry)
		if closed {
			c.Closed(closeErr)
			return
		}
		err := <-done
		if c.isStopped() || ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errStreamEnded
		}
		if resumed {
			c.logger.Warn("hub stream dropped again", "error", err)
			c.Closed(err)
			return
		}
		resumed = true

		c.logger.Info("hub stream dropped, resuming", "error", err, "last_event_id", lastID)
		c.Reconnecting(err)

		delay := c.ResumeDelay
		if delay == 0 {
			delay = retry
		}
		if delay == 0 {
			delay = DefaultResumeDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		events, done, err = c.sse.Connect(ctx, c.url, c.header(token, lastID))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("resuming hub stream failed", "error", err)
			c.Closed(err)
			return
		}
		c.Reconnected()
	}
}

// drain dispatches frames until the stream channel closes. It reports whether
// the server sent a close frame, and the error it carried.
func (c *Conn) drain(events <-chan client.SSEEvent, lastID *string, retry *time.Duration) (bool, error) {
	for ev := range events {
		if ev.ID != "" {
			*lastID = ev.ID
		}
		if ev.Retry > 0 {
			*retry = ev.Retry
		}
		frame, err := hub.DecodeFrame([]byte(ev.Data))
		if err != nil {
			c.logger.Warn("skipping malformed hub frame", "error", err)
			continue
		}
		switch frame.Type {
		case hub.FramePing:
		case hub.FrameClose:
			if frame.Error != "" {
				return true, fmt.Errorf("hub closed connection: %s", frame.Error)
			}
			return true, nil
		default:
			if !c.Dispatch(frame) && frame.Type == hub.FrameInvocation {
				c.logger.Debug("no handler for hub event", "target", frame.Target)
			}
		}
	}
	return false, nil
}
