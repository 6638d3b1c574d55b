// Package wshub implements hub.Conn over a single WebSocket carrying JSON
// hub frames as text messages in both directions.
package wshub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/shopdesk/deskchat/internal/hub"
)

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 1024 * 1024

// Conn is a hub connection over WebSocket. It does not resume on its own:
// a dropped socket fires OnClose and the live client dials a new Conn.
type Conn struct {
	hub.Callbacks

	url    string
	creds  hub.CredentialProvider
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	ws      *websocket.Conn
	cancel  context.CancelFunc
	loop    chan struct{}
}

// New creates an unstarted connection. http(s) URLs are mapped to ws(s).
func New(rawURL string, creds hub.CredentialProvider, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if creds == nil {
		creds = hub.StaticToken("")
	}
	return &Conn{
		url:    u.String(),
		creds:  creds,
		logger: logger.With("component", "wshub"),
	}, nil
}

// Dialer returns a hub.Dialer producing WebSocket connections.
func Dialer(logger *slog.Logger) hub.Dialer {
	return func(url string, creds hub.CredentialProvider) (hub.Conn, error) {
		return New(url, creds, logger)
	}
}

func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("wshub: connection already used")
	}
	c.started = true
	c.mu.Unlock()

	token, err := c.creds(ctx)
	if err != nil {
		c.Closed(err)
		return fmt.Errorf("getting hub credentials: %w", err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		c.Closed(err)
		return fmt.Errorf("dial websocket: %w", err)
	}
	ws.SetReadLimit(MaxFrameSize)

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ws = ws
	c.cancel = cancel
	c.loop = make(chan struct{})
	loop := c.loop
	c.mu.Unlock()

	go c.readLoop(readCtx, ws, loop)
	return nil
}

func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	ws, cancel, loop := c.ws, c.cancel, c.loop
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "closing")
	}
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

// Invoke writes an invocation frame. It does not wait for a completion.
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	ws := c.ws
	live := ws != nil && !c.stopped && !c.IsClosed()
	c.mu.Unlock()
	if !live {
		return hub.ErrNotStarted
	}
	data, err := hub.EncodeInvocation(uuid.NewString(), method, args...)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s: %w", method, err)
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn, loop chan struct{}) {
	defer close(loop)
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			stopped := c.stopped
			c.mu.Unlock()
			if stopped {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.Closed(nil)
			} else {
				c.Closed(err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary hub message", "bytes", len(data))
			continue
		}
		frame, err := hub.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("skipping malformed hub frame", "error", err)
			continue
		}
		switch frame.Type {
		case hub.FramePing:
		case hub.FrameClose:
			var closeErr error
			if frame.Error != "" {
				closeErr = fmt.Errorf("hub closed connection: %s", frame.Error)
			}
			_ = ws.Close(websocket.StatusNormalClosure, "")
			c.Closed(closeErr)
			return
		default:
			if !c.Dispatch(frame) && frame.Type == hub.FrameInvocation {
				c.logger.Debug("no handler for hub event", "target", frame.Target)
			}
		}
	}
}
