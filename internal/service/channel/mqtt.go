package channel

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/zhouzirui/chatmirror/backend/internal/config"
)

// MQTT quality of service: at most once.
const mqttQoS byte = 0

// MQTTTransport speaks MQTT 3.1.1 through paho. Paho's own auto-reconnect is
// disabled; the Client decides when to reconnect.
type MQTTTransport struct {
	client mqtt.Client

	mu     sync.RWMutex
	onLost func(error)
}

func NewMQTTTransport(cfg config.BrokerConfig) *MQTTTransport {
	return newMQTTTransport(cfg, mqtt.NewClient)
}

func newMQTTTransport(cfg config.BrokerConfig, newClient func(*mqtt.ClientOptions) mqtt.Client) *MQTTTransport {
	t := &MQTTTransport{}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.Keepalive).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.PublishTimeout > 0 {
		opts.SetWriteTimeout(cfg.PublishTimeout)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.mu.RLock()
		onLost := t.onLost
		t.mu.RUnlock()
		if onLost != nil {
			onLost(err)
		}
	})

	t.client = newClient(opts)
	return t
}

func (t *MQTTTransport) SetConnectionLostHandler(fn func(error)) {
	t.mu.Lock()
	t.onLost = fn
	t.mu.Unlock()
}

func (t *MQTTTransport) Connect(ctx context.Context) error {
	return waitToken(ctx, t.client.Connect())
}

func (t *MQTTTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	token := t.client.Subscribe(topic, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return waitToken(ctx, token)
}

func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return waitToken(ctx, t.client.Publish(topic, mqttQoS, false, payload))
}

func (t *MQTTTransport) Disconnect() error {
	if t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt operation did not complete: %w", ctx.Err())
	}
}
