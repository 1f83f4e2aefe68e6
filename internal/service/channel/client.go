// Package channel owns the connection to the pub/sub broker that mirrors
// conversation turns between instances.
package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/config"
	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
)

// Sink receives decoded envelopes. Push must not block. A nil Sink discards
// them.
type Sink interface {
	Push(env chat.Envelope)
}

// Options identifies the session and bounds network calls.
type Options struct {
	ClientID       string
	Topic          string
	Broker         string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// Tap, when set, sees every inbound payload before decoding, including
	// ones that are then dropped. It runs on the delivery goroutine and must
	// not block.
	Tap func(topic string, payload []byte)
}

func OptionsFromConfig(cfg config.BrokerConfig) Options {
	return Options{
		ClientID:       cfg.ClientID,
		Topic:          cfg.Topic,
		Broker:         cfg.URL(),
		ConnectTimeout: cfg.ConnectTimeout,
		PublishTimeout: cfg.PublishTimeout,
	}
}

// Client drives a Transport: it keeps the session identity and the topic
// subscriptions across reconnects and turns inbound payloads into envelopes.
type Client struct {
	transport Transport
	opts      Options
	sink      Sink
	logger    *zap.Logger

	// mu guards topics only and is never held across a network call.
	mu          sync.Mutex
	topics      []string
	connectedAt atomic.Pointer[time.Time]

	// reconnectMu serializes connect, reconnect, subscribe and close.
	reconnectMu sync.Mutex
	live        atomic.Bool
	closed      atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a client to transport without connecting.
func New(transport Transport, opts Options, sink Sink, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: transport,
		opts:      opts,
		sink:      sink,
		logger:    logging.OrNop(logger).Named("channel"),
		ctx:       ctx,
		cancel:    cancel,
	}
	transport.SetConnectionLostHandler(c.handleConnectionLost)
	return c
}

// Connect establishes the transport connection. Delivery runs on the
// transport's own goroutines from here on.
func (c *Client) Connect(ctx context.Context) (chat.Session, error) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return c.Session(), err
	}
	c.logger.Info("connected to broker",
		zap.String("broker", c.opts.Broker),
		zap.String("client_id", c.opts.ClientID))
	return c.Session(), nil
}

// Subscribe registers interest in topic. Subscribing twice is a no-op. A topic
// subscribed while the connection is down is applied on the next reconnect.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	for _, existing := range c.snapshotTopics() {
		if existing == topic {
			return nil
		}
	}

	if c.live.Load() {
		attemptCtx, cancel := c.attemptContext(ctx)
		err := c.subscribe(attemptCtx, topic)
		cancel()
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.mu.Unlock()
	c.logger.Info("subscribed", zap.String("topic", topic))
	return nil
}

// Publish sends payload to topic, at most once.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.closed.Load() {
		return &PublishError{Topic: topic, Err: ErrClosed}
	}
	if !c.live.Load() {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}

	if c.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.PublishTimeout)
		defer cancel()
	}

	if err := c.transport.Publish(ctx, topic, payload); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// PublishTurn encodes turn and publishes it to the session topic.
func (c *Client) PublishTurn(ctx context.Context, turn chat.Turn) error {
	payload, err := chat.EncodeTurn(turn)
	if err != nil {
		return &PublishError{Topic: c.opts.Topic, Err: err}
	}
	return c.Publish(ctx, c.opts.Topic, payload)
}

// Session returns a snapshot of the session identity and liveness.
func (c *Client) Session() chat.Session {
	var connectedAt time.Time
	if at := c.connectedAt.Load(); at != nil {
		connectedAt = *at
	}

	return chat.Session{
		ClientID:    c.opts.ClientID,
		Topic:       c.opts.Topic,
		Broker:      c.opts.Broker,
		Live:        c.live.Load(),
		ConnectedAt: connectedAt,
	}
}

// Live reports whether the transport connection is currently up.
func (c *Client) Live() bool {
	return c.live.Load()
}

// Reconnect makes one connection attempt with the same session identity and
// resubscribes every known topic. It is a no-op while the session is live.
func (c *Client) Reconnect(ctx context.Context) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.live.Load() {
		return nil
	}
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	c.logger.Info("reconnected to broker",
		zap.String("broker", c.opts.Broker),
		zap.String("client_id", c.opts.ClientID))
	return nil
}

// MaintainSession retries Reconnect every interval while the session is down,
// until ctx is done or the client is closed.
func (c *Client) MaintainSession(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.live.Load() {
				continue
			}
			attemptCtx, cancel := c.attemptContext(ctx)
			if err := c.Reconnect(attemptCtx); err != nil {
				c.logger.Warn("reconnect attempt failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close disconnects and stops all reconnect activity.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	// Waits out an in-flight attempt, which c.cancel has already aborted.
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.live.Store(false)
	return c.transport.Disconnect()
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed.Load() {
		return &ConnectError{Broker: c.opts.Broker, Err: ErrClosed}
	}

	attemptCtx, cancel := c.attemptContext(ctx)
	defer cancel()

	if err := c.transport.Connect(attemptCtx); err != nil {
		return &ConnectError{Broker: c.opts.Broker, Err: err}
	}
	if c.closed.Load() {
		_ = c.transport.Disconnect()
		return &ConnectError{Broker: c.opts.Broker, Err: ErrClosed}
	}

	for _, topic := range c.snapshotTopics() {
		if err := c.subscribe(attemptCtx, topic); err != nil {
			_ = c.transport.Disconnect()
			return &ConnectError{Broker: c.opts.Broker, Err: err}
		}
	}

	now := time.Now().UTC()
	c.connectedAt.Store(&now)
	c.live.Store(true)
	return nil
}

func (c *Client) snapshotTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

func (c *Client) subscribe(ctx context.Context, topic string) error {
	if err := c.transport.Subscribe(ctx, topic, c.deliver); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// attemptContext bounds one network attempt by ConnectTimeout and aborts it
// when the client is closed.
func (c *Client) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if c.opts.ConnectTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	stop := context.AfterFunc(c.ctx, cancel)
	return attemptCtx, func() {
		stop()
		cancel()
	}
}

// handleConnectionLost runs on a transport goroutine. It makes exactly one
// reconnect attempt; on failure the session stays down until Reconnect
// succeeds.
func (c *Client) handleConnectionLost(cause error) {
	if c.closed.Load() {
		return
	}
	c.live.Store(false)
	c.logger.Warn("broker connection lost", zap.String("client_id", c.opts.ClientID), zap.Error(cause))

	if err := c.Reconnect(c.ctx); err != nil {
		c.logger.Error("reconnect failed, session offline", zap.String("client_id", c.opts.ClientID), zap.Error(err))
	}
}

// deliver runs on a transport goroutine. Nothing may escape it: a panic or an
// error here would take the subscription down.
func (c *Client) deliver(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("delivery callback panicked", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()

	if c.opts.Tap != nil {
		c.opts.Tap(topic, payload)
	}

	turn, err := chat.DecodeTurn(payload)
	if err != nil {
		c.logger.Warn("dropping undecodable message",
			zap.String("topic", topic),
			zap.Int("bytes", len(payload)),
			zap.Error(err))
		return
	}

	if c.sink != nil {
		c.sink.Push(chat.Envelope{Topic: topic, Turn: turn})
	}
}
