// Package hub defines the transport-agnostic push channel used by the live
// channel client, plus the JSON frame codec shared by the transports.
//
// A hub connection delivers named events carrying positional JSON arguments
// and accepts named invocations. Delivery is at-least-once with no ordering
// guarantee across calls. Concrete transports live in subpackages (ssehub,
// wshub, redishub); the live client only sees Conn.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Inbound event and outbound method names of the storefront chat hub.
const (
	EventReceiveMessage   = "ReceiveMessage"
	EventThreadMarkedRead = "ThreadMarkedRead"

	MethodSendMessage    = "SendMessage"
	MethodMarkThreadRead = "MarkThreadRead"
)

// Frame types of the JSON hub protocol.
const (
	FrameInvocation = 1
	FrameCompletion = 3
	FramePing       = 6
	FrameClose      = 7
)

// ErrNotStarted is returned by Invoke before Start succeeds or after Stop.
var ErrNotStarted = errors.New("hub: connection not started")

// Frame is one message of the JSON hub protocol.
type Frame struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// NewInvocation builds an invocation frame with each argument marshaled.
func NewInvocation(invocationID, target string, args ...any) (Frame, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return Frame{}, fmt.Errorf("marshaling argument %d of %s: %w", i, target, err)
		}
		raw = append(raw, b)
	}
	return Frame{
		Type:         FrameInvocation,
		InvocationID: invocationID,
		Target:       target,
		Arguments:    raw,
	}, nil
}

// EncodeInvocation builds and marshals an invocation frame.
func EncodeInvocation(invocationID, target string, args ...any) ([]byte, error) {
	f, err := NewInvocation(invocationID, target, args...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// DecodeFrame parses a frame. Unknown frame types are returned as-is so the
// caller can ignore them.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding hub frame: %w", err)
	}
	return f, nil
}

// Handler receives the positional arguments of an inbound event.
type Handler func(args []json.RawMessage)

// CredentialProvider returns the bearer token used to authenticate a
// connection. It is called on every connect so tokens can rotate.
type CredentialProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields token.
func StaticToken(token string) CredentialProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// Conn is one hub connection. A Conn is single-use: once closed it cannot be
// restarted; dial a new one instead.
type Conn interface {
	// Start connects and begins delivering events. It returns once the
	// connection is established or has failed.
	Start(ctx context.Context) error
	// Stop closes the connection. OnClose fires with a nil error.
	Stop(ctx context.Context) error
	// On registers the handler for an inbound event name, replacing any
	// previous handler. Register handlers before Start.
	On(event string, h Handler)
	// Invoke calls a hub method.
	Invoke(ctx context.Context, method string, args ...any) error

	// OnReconnecting fires when a transport that retries internally has lost
	// its connection and is trying to resume it.
	OnReconnecting(func(err error))
	// OnReconnected fires after such a resume succeeds.
	OnReconnected(func())
	// OnClose fires exactly once when the connection is finished.
	OnClose(func(err error))
}

// Dialer creates an unstarted connection to url.
type Dialer func(url string, creds CredentialProvider) (Conn, error)

// Callbacks is the handler bookkeeping shared by every transport. Embed it and
// call Dispatch / Reconnecting / Reconnected / Closed from the read loop.
type Callbacks struct {
	mu             sync.Mutex
	handlers       map[string]Handler
	onReconnecting func(error)
	onReconnected  func()
	onClose        func(error)
	closed         bool
}

func (c *Callbacks) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]Handler)
	}
	c.handlers[event] = h
}

func (c *Callbacks) OnReconnecting(f func(error)) {
	c.mu.Lock()
	c.onReconnecting = f
	c.mu.Unlock()
}

func (c *Callbacks) OnReconnected(f func()) {
	c.mu.Lock()
	c.onReconnected = f
	c.mu.Unlock()
}

func (c *Callbacks) OnClose(f func(error)) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

// Dispatch routes an invocation frame to its handler. Frames without a
// registered handler are dropped. It reports whether a handler ran.
func (c *Callbacks) Dispatch(f Frame) bool {
	if f.Type != FrameInvocation {
		return false
	}
	c.mu.Lock()
	h := c.handlers[f.Target]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(f.Arguments)
	return true
}

// Reconnecting fires the reconnecting callback.
func (c *Callbacks) Reconnecting(err error) {
	c.mu.Lock()
	f := c.onReconnecting
	c.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// Reconnected fires the reconnected callback.
func (c *Callbacks) Reconnected() {
	c.mu.Lock()
	f := c.onReconnected
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

// Closed fires the close callback the first time it is called; later calls
// are ignored.
func (c *Callbacks) Closed(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	f := c.onClose
	c.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// IsClosed reports whether Closed has been called.
func (c *Callbacks) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
