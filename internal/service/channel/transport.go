package channel

import (
	"context"
	"fmt"

	"github.com/zhouzirui/chatmirror/backend/internal/config"
)

// MessageHandler receives raw payloads on a transport-owned goroutine.
type MessageHandler func(topic string, payload []byte)

// Transport is a single broker connection. Implementations must deliver
// messages without blocking the caller of Connect and must report unsolicited
// disconnects through the connection-lost handler, never for Disconnect.
//
// Connect may be called again after a lost connection; the new connection
// starts with no subscriptions.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect() error
	SetConnectionLostHandler(func(error))
}

// NewTransport builds the transport for cfg.Kind. The memory kind uses a
// process-local broker, so only clients of the same process see each other.
func NewTransport(cfg config.BrokerConfig) (Transport, error) {
	switch cfg.Kind {
	case config.BrokerMQTT, "":
		return NewMQTTTransport(cfg), nil
	case config.BrokerNATS:
		return NewNATSTransport(cfg), nil
	case config.BrokerRedis:
		return NewRedisTransport(cfg), nil
	case config.BrokerMemory:
		return sharedMemoryBroker.NewTransport(), nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Kind)
	}
}
