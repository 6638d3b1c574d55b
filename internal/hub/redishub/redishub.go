// Package redishub implements hub.Conn over Redis pub/sub.
//
// The hub fans pushed frames out on one channel per operator
// (<prefix>:operator:<id>) and consumes invocations from a shared
// <prefix>:invoke channel. Invocations carry the operator id alongside the
// frame fields since pub/sub has no notion of an authenticated sender.
package redishub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/hub"
)

// DefaultPrefix is the channel prefix used when none is configured.
const DefaultPrefix = "deskchat"

var errSubscriptionClosed = errors.New("hub subscription closed")

// Invocation is the payload published on the invoke channel.
type Invocation struct {
	OperatorID chat.UserID `json:"operatorId"`
	hub.Frame
}

// OperatorChannel returns the channel carrying frames for operator.
func OperatorChannel(prefix string, operator chat.UserID) string {
	return fmt.Sprintf("%s:operator:%d", prefix, operator)
}

// InvokeChannel returns the channel invocations are published on.
func InvokeChannel(prefix string) string {
	return prefix + ":invoke"
}

// Conn is a hub connection over Redis pub/sub. go-redis re-establishes a
// dropped subscription by itself, so the connection only closes on Stop or a
// close frame.
type Conn struct {
	hub.Callbacks

	redisURL string
	prefix   string
	operator chat.UserID
	creds    hub.CredentialProvider
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	rdb     *redis.Client
	pubsub  *redis.PubSub
	loop    chan struct{}
}

// New creates an unstarted connection.
func New(redisURL, prefix string, operator chat.UserID, creds hub.CredentialProvider, logger *slog.Logger) *Conn {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if creds == nil {
		creds = hub.StaticToken("")
	}
	return &Conn{
		redisURL: redisURL,
		prefix:   prefix,
		operator: operator,
		creds:    creds,
		logger:   logger.With("component", "redishub"),
	}
}

// Dialer returns a hub.Dialer producing Redis connections for operator. The
// dialed url is the Redis URL.
func Dialer(prefix string, operator chat.UserID, logger *slog.Logger) hub.Dialer {
	return func(url string, creds hub.CredentialProvider) (hub.Conn, error) {
		if _, err := redis.ParseURL(url); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return New(url, prefix, operator, creds, logger), nil
	}
}

func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("redishub: connection already used")
	}
	c.started = true
	c.mu.Unlock()

	fail := func(err error) error {
		c.Closed(err)
		return err
	}

	opts, err := redis.ParseURL(c.redisURL)
	if err != nil {
		return fail(fmt.Errorf("parse redis url: %w", err))
	}
	token, err := c.creds(ctx)
	if err != nil {
		return fail(fmt.Errorf("getting hub credentials: %w", err))
	}
	if opts.Password == "" && token != "" {
		opts.Password = token
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fail(fmt.Errorf("redis ping: %w", err))
	}

	channel := OperatorChannel(c.prefix, c.operator)
	pubsub := rdb.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no frame published after
	// Start returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = rdb.Close()
		return fail(fmt.Errorf("subscribe %s: %w", channel, err))
	}

	c.mu.Lock()
	c.rdb = rdb
	c.pubsub = pubsub
	c.loop = make(chan struct{})
	loop := c.loop
	c.mu.Unlock()

	go c.readLoop(pubsub.Channel(), loop)
	c.logger.Debug("subscribed", "channel", channel)
	return nil
}

func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	rdb, pubsub, loop := c.rdb, c.pubsub, c.loop
	c.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	if loop != nil {
		select {
		case <-loop:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	c.Closed(nil)
	return nil
}

// Invoke publishes an invocation on the invoke channel.
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	rdb := c.rdb
	live := rdb != nil && !c.stopped && !c.IsClosed()
	c.mu.Unlock()
	if !live {
		return hub.ErrNotStarted
	}

	frame, err := hub.NewInvocation(uuid.NewString(), method, args...)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Invocation{OperatorID: c.operator, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshaling invocation: %w", err)
	}
	if err := rdb.Publish(ctx, InvokeChannel(c.prefix), payload).Err(); err != nil {
		return fmt.Errorf("publishing %s: %w", method, err)
	}
	return nil
}

func (c *Conn) readLoop(msgs <-chan *redis.Message, loop chan struct{}) {
	defer close(loop)
	for msg := range msgs {
		frame, err := hub.DecodeFrame([]byte(msg.Payload))
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
			c.shutdown()
			c.Closed(closeErr)
			return
		default:
			if !c.Dispatch(frame) && frame.Type == hub.FrameInvocation {
				c.logger.Debug("no handler for hub event", "target", frame.Target)
			}
		}
	}
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if !stopped {
		c.Closed(errSubscriptionClosed)
	}
}

// shutdown releases the subscription and client after a server-side close.
func (c *Conn) shutdown() {
	c.mu.Lock()
	rdb, pubsub := c.rdb, c.pubsub
	c.mu.Unlock()
	if pubsub != nil {
		_ = pubsub.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}
