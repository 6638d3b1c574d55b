// Package live implements the live channel client: one hub connection with
// bounded automatic reconnection and a permanent degraded mode.
//
// State machine:
//
//	disconnected --connect--> connecting --ok--> connected
//	     ^                        |                  |
//	     |                     failure            close
//	     |                        v                  |
//	     +---- retry after RetryDelay <--------------+
//
// A connection that closes before it has been up for StableAfter counts as a
// failed connect. After MaxAttempts consecutive failures the client disables
// itself for the rest of its life: it reports Disconnected, never dials again
// and fires OnDegraded once.
//
// Every method except WaitIdle must run on the owner's event queue. Transport
// callbacks and connect outcomes are posted back through Dispatch, so no field
// of Client is touched concurrently.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/hub"
	"github.com/shopdesk/deskchat/internal/metrics"
)

// Defaults for Config.
const (
	DefaultMaxAttempts    = 3
	DefaultRetryDelay     = 5 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	DefaultInvokeTimeout  = 10 * time.Second
	DefaultStableAfter    = 30 * time.Second
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a Client. Dial is required; everything else has a
// default.
type Config struct {
	URL         string
	Credentials hub.CredentialProvider
	Dial        hub.Dialer

	MaxAttempts    int
	RetryDelay     time.Duration
	ConnectTimeout time.Duration
	InvokeTimeout  time.Duration
	// StableAfter is how long a connection must stay up before its close
	// no longer counts as a failed attempt.
	StableAfter time.Duration

	// Dispatch posts f onto the owner's event queue. Defaults to calling f
	// directly.
	Dispatch func(f func())
	// Spawn runs blocking work off the queue. Defaults to a goroutine.
	Spawn func(f func())
	// After schedules f after d. Defaults to time.AfterFunc.
	After func(d time.Duration, f func())
	// Now defaults to time.Now.
	Now func() time.Time

	// OpenContacts lists the contacts whose windows are open; their threads
	// are re-marked read after every reconnect.
	OpenContacts func() []chat.UserID

	OnMessage     func(chat.MessageRecord)
	OnReadReceipt func(chat.ReadReceipt)
	OnStateChange func(State)
	OnDegraded    func()

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client owns the hub connection.
type Client struct {
	cfg    Config
	logger *slog.Logger
	ctx    context.Context

	state    State
	disabled bool
	stopped  bool
	failures int

	// gen identifies the current connection attempt; callbacks from older
	// connections are ignored.
	gen           int
	conn          hub.Conn
	live          bool
	closedEarly   bool
	everConnected bool
	connectedAt   time.Time

	pending inflight
}

// inflight counts outbound calls still running. Unlike a WaitGroup it may
// grow again while someone is waiting for it to drain.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

// drained returns a channel closed once no call is in flight.
func (f *inflight) drained() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return f.idle
}

// New creates a disconnected client. Call Start to begin connecting.
func New(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = DefaultInvokeTimeout
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	if cfg.Spawn == nil {
		cfg.Spawn = func(f func()) { go f() }
	}
	if cfg.After == nil {
		cfg.After = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	if cfg.Credentials == nil {
		cfg.Credentials = hub.StaticToken("")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "live"),
		ctx:    context.Background(),
		state:  Disconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() State { return c.state }

// Disabled reports whether the client gave up reconnecting.
func (c *Client) Disabled() bool { return c.disabled }

// Start begins the first connect attempt. ctx bounds the client's lifetime:
// outbound calls and connect attempts derive from it.
func (c *Client) Start(ctx context.Context) {
	if c.stopped || c.disabled || c.state != Disconnected {
		return
	}
	c.ctx = ctx
	c.connect()
}

// Stop closes the current connection and prevents further attempts.
func (c *Client) Stop() {
	if c.stopped {
		return
	}
	c.stopped = true
	c.gen++
	conn := c.conn
	c.conn = nil
	c.live = false
	c.setState(Disconnected)
	if conn != nil {
		timeout := c.cfg.ConnectTimeout
		c.cfg.Spawn(func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			_ = conn.Stop(ctx)
		})
	}
}

// WaitIdle blocks until no outbound call is in flight. Safe to call from any
// goroutine.
func (c *Client) WaitIdle(ctx context.Context) error {
	select {
	case <-c.pending.drained():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send invokes SendMessage. It is a logged no-op unless connected. The client
// key travels as a third argument so the hub can echo it back.
func (c *Client) Send(ctx context.Context, receiverID chat.UserID, content, clientKey string) {
	args := []any{receiverID, content}
	if clientKey != "" {
		args = append(args, clientKey)
	}
	c.invoke(ctx, hub.MethodSendMessage, args...)
}

// MarkRead invokes MarkThreadRead. It is a logged no-op unless connected.
func (c *Client) MarkRead(ctx context.Context, contactID chat.UserID) {
	c.invoke(ctx, hub.MethodMarkThreadRead, contactID)
}

func (c *Client) invoke(ctx context.Context, method string, args ...any) {
	if c.state != Connected || c.conn == nil {
		c.logger.Debug("skipping hub call while not connected", "method", method, "state", c.state.String())
		c.cfg.Metrics.OutboundSkip(method)
		return
	}
	conn := c.conn
	timeout := c.cfg.InvokeTimeout
	c.pending.add()
	c.cfg.Spawn(func() {
		defer c.pending.done()
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := conn.Invoke(callCtx, method, args...)
		c.cfg.Metrics.OutboundCall(method, err)
		if err != nil {
			c.logger.Warn("hub call failed", "method", method, "error", err)
		}
	})
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("connection state", "from", c.state.String(), "to", s.String())
	c.state = s
	c.cfg.Metrics.SetConnection(int(s), c.disabled)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// connect starts one attempt. Runs on the queue.
func (c *Client) connect() {
	if c.stopped || c.disabled {
		return
	}
	c.gen++
	gen := c.gen
	c.live = false
	c.closedEarly = false
	c.setState(Connecting)
	c.cfg.Metrics.ConnectAttempt()

	conn, err := c.cfg.Dial(c.cfg.URL, c.cfg.Credentials)
	if err != nil {
		c.connectFailed(err)
		return
	}
	c.conn = conn
	c.register(conn, gen)

	ctx := c.ctx
	timeout := c.cfg.ConnectTimeout
	c.cfg.Spawn(func() {
		startCtx, cancel := context.WithTimeout(ctx, timeout)
		err := conn.Start(startCtx)
		cancel()
		c.cfg.Dispatch(func() { c.connectDone(gen, conn, err) })
	})
}

func (c *Client) register(conn hub.Conn, gen int) {
	conn.On(hub.EventReceiveMessage, func(args []json.RawMessage) {
		rec, err := decodeMessage(args)
		if err != nil {
			c.logger.Warn("dropping malformed message event", "error", err)
			return
		}
		c.cfg.Dispatch(func() {
			if gen != c.gen || c.cfg.OnMessage == nil {
				return
			}
			c.cfg.OnMessage(rec)
		})
	})
	conn.On(hub.EventThreadMarkedRead, func(args []json.RawMessage) {
		receipt, err := decodeReceipt(args)
		if err != nil {
			c.logger.Warn("dropping malformed read receipt", "error", err)
			return
		}
		c.cfg.Dispatch(func() {
			if gen != c.gen || c.cfg.OnReadReceipt == nil {
				return
			}
			c.cfg.OnReadReceipt(receipt)
		})
	})
	conn.OnReconnecting(func(err error) {
		c.cfg.Dispatch(func() {
			if gen != c.gen || !c.live {
				return
			}
			c.logger.Info("hub reconnecting", "error", err)
			c.setState(Connecting)
		})
	})
	conn.OnReconnected(func() {
		c.cfg.Dispatch(func() {
			if gen != c.gen || !c.live {
				return
			}
			c.logger.Info("hub reconnected")
			c.setState(Connected)
			c.remarkOpenWindows()
		})
	})
	conn.OnClose(func(err error) {
		c.cfg.Dispatch(func() { c.closed(gen, err) })
	})
}

func (c *Client) connectDone(gen int, conn hub.Conn, err error) {
	if gen != c.gen || c.stopped {
		if err == nil {
			c.cfg.Spawn(func() { _ = conn.Stop(context.Background()) })
		}
		return
	}
	if err == nil && c.closedEarly {
		err = fmt.Errorf("hub connection closed during start")
	}
	if err != nil {
		c.conn = nil
		c.connectFailed(err)
		return
	}

	c.live = true
	c.connectedAt = c.cfg.Now()
	reconnect := c.everConnected
	c.everConnected = true
	c.logger.Info("hub connected", "url", c.cfg.URL)
	c.setState(Connected)
	if reconnect {
		c.remarkOpenWindows()
	}
}

func (c *Client) connectFailed(err error) {
	c.failures++
	c.cfg.Metrics.ConnectFailure()
	c.logger.Warn("hub connect failed", "attempt", c.failures, "max_attempts", c.cfg.MaxAttempts, "error", err)

	if c.failures >= c.cfg.MaxAttempts {
		c.disable()
		return
	}
	c.scheduleReconnect()
}

// scheduleReconnect dials again after RetryDelay.
func (c *Client) scheduleReconnect() {
	c.setState(Disconnected)
	gen := c.gen
	c.cfg.After(c.cfg.RetryDelay, func() {
		c.cfg.Dispatch(func() {
			if gen != c.gen || c.state != Disconnected {
				return
			}
			c.connect()
		})
	})
}

func (c *Client) closed(gen int, err error) {
	if gen != c.gen || c.stopped {
		return
	}
	if !c.live {
		// Closed before Start reported back; connectDone turns it into a failure.
		c.closedEarly = true
		return
	}
	// Callbacks from the dead connection are stale from here on.
	c.gen++
	c.live = false
	c.conn = nil
	up := c.cfg.Now().Sub(c.connectedAt)
	c.logger.Info("hub connection closed", "uptime", up, "error", err)
	if up < c.cfg.StableAfter {
		c.connectFailed(fmt.Errorf("hub connection dropped after %s", up.Round(time.Millisecond)))
		return
	}
	c.failures = 0
	c.scheduleReconnect()
}

func (c *Client) disable() {
	c.disabled = true
	c.conn = nil
	c.live = false
	c.logger.Warn("live updates disabled after repeated connect failures", "attempts", c.failures)
	c.cfg.Metrics.SetConnection(int(Disconnected), true)
	c.setState(Disconnected)
	if c.cfg.OnDegraded != nil {
		c.cfg.OnDegraded()
	}
}

func (c *Client) remarkOpenWindows() {
	if c.cfg.OpenContacts == nil {
		return
	}
	for _, id := range c.cfg.OpenContacts() {
		c.MarkRead(c.ctx, id)
	}
}

func decodeMessage(args []json.RawMessage) (chat.MessageRecord, error) {
	var rec chat.MessageRecord
	if len(args) == 0 {
		return rec, fmt.Errorf("missing message argument")
	}
	if err := json.Unmarshal(args[0], &rec); err != nil {
		return rec, fmt.Errorf("decoding message: %w", err)
	}
	return rec, nil
}

// decodeReceipt accepts {contactId, updatedCount} or a bare contact id.
func decodeReceipt(args []json.RawMessage) (chat.ReadReceipt, error) {
	var receipt chat.ReadReceipt
	if len(args) == 0 {
		return receipt, fmt.Errorf("missing receipt argument")
	}
	if err := json.Unmarshal(args[0], &receipt); err == nil && receipt.ContactID != 0 {
		return receipt, nil
	}
	var id chat.UserID
	if err := json.Unmarshal(args[0], &id); err != nil || id == 0 {
		return receipt, fmt.Errorf("decoding read receipt %s", string(args[0]))
	}
	receipt = chat.ReadReceipt{ContactID: id}
	if len(args) > 1 {
		_ = json.Unmarshal(args[1], &receipt.UpdatedCount)
	}
	return receipt, nil
}
