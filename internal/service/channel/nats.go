package channel

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zhouzirui/chatmirror/backend/internal/config"
)

type natsConn interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

type natsDialer func(url string, options ...nats.Option) (natsConn, error)

func dialNATS(url string, options ...nats.Option) (natsConn, error) {
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// natsHandle lets the disconnect callback identify the connection it belongs
// to. Guarded by NATSTransport.mu.
type natsHandle struct {
	conn natsConn
}

// NATSTransport publishes turns as NATS core messages. NATS echoes a
// connection's own publishes back to its subscriptions, matching the MQTT
// fan-out behavior the transcript dedup relies on.
type NATSTransport struct {
	url            string
	name           string
	connectTimeout time.Duration
	pingInterval   time.Duration
	dial           natsDialer

	mu     sync.Mutex
	conn   natsConn
	onLost func(error)
}

func NewNATSTransport(cfg config.BrokerConfig) *NATSTransport {
	return &NATSTransport{
		url:            cfg.URL(),
		name:           cfg.ClientID,
		connectTimeout: cfg.ConnectTimeout,
		pingInterval:   cfg.Keepalive,
		dial:           dialNATS,
	}
}

func (t *NATSTransport) SetConnectionLostHandler(fn func(error)) {
	t.mu.Lock()
	t.onLost = fn
	t.mu.Unlock()
}

func (t *NATSTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	options := []nats.Option{
		nats.Name(t.name),
		nats.NoReconnect(),
	}
	if t.connectTimeout > 0 {
		options = append(options, nats.Timeout(t.connectTimeout))
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && (t.connectTimeout <= 0 || remaining < t.connectTimeout) {
			options = append(options, nats.Timeout(remaining))
		}
	}
	if t.pingInterval > 0 {
		options = append(options, nats.PingInterval(t.pingInterval))
	}

	handle := &natsHandle{}
	options = append(options, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		t.connectionLost(handle, err)
	}))

	conn, err := t.dial(t.url, options...)
	if err != nil {
		return err
	}
	handle.conn = conn
	t.conn = conn
	return nil
}

func (t *NATSTransport) Subscribe(_ context.Context, topic string, handler MessageHandler) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	_, err := conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	return err
}

func (t *NATSTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.Publish(topic, payload); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); ok {
		return conn.FlushWithContext(ctx)
	}
	return nil
}

func (t *NATSTransport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// connectionLost ignores callbacks for connections that were already
// replaced or closed deliberately.
func (t *NATSTransport) connectionLost(handle *natsHandle, err error) {
	t.mu.Lock()
	conn := handle.conn
	if conn == nil || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	onLost := t.onLost
	t.mu.Unlock()

	conn.Close()
	if onLost != nil {
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		go onLost(err)
	}
}
