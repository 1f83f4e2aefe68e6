package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatmirror/backend/internal/config"
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
	"github.com/zhouzirui/chatmirror/backend/internal/service/inbox"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeMQTTClient implements the parts of mqtt.Client the transport uses;
// anything else panics through the nil embedded interface.
type fakeMQTTClient struct {
	mqtt.Client
	opts *mqtt.ClientOptions

	mu         sync.Mutex
	connected  bool
	connects   int
	connectErr error
	handlers   map[string]mqtt.MessageHandler
	published  [][]byte
}

func (c *fakeMQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeMQTTClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeMQTTClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return doneToken(c.connectErr)
	}
	c.connected = true
	c.handlers = make(map[string]mqtt.MessageHandler)
	return doneToken(nil)
}

func (c *fakeMQTTClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeMQTTClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return doneToken(nil)
}

func (c *fakeMQTTClient) Publish(_ string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, payload.([]byte))
	return doneToken(nil)
}

func (c *fakeMQTTClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	if handler != nil {
		handler(c, fakeMessage{topic: topic, payload: payload})
	}
}

// dropConnection mimics paho: mark the connection down, then fire the
// connection-lost handler on its own goroutine.
func (c *fakeMQTTClient) dropConnection(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	go c.opts.OnConnectionLost(c, err)
}

func newFakeMQTT(t *testing.T) (*MQTTTransport, *fakeMQTTClient) {
	t.Helper()
	fake := &fakeMQTTClient{}
	cfg := config.BrokerConfig{
		Kind:           config.BrokerMQTT,
		Host:           "test.mosquitto.org",
		Port:           1883,
		Topic:          testTopic,
		ClientID:       "console-1",
		Keepalive:      60 * time.Second,
		ConnectTimeout: time.Second,
		PublishTimeout: time.Second,
	}
	transport := newMQTTTransport(cfg, func(opts *mqtt.ClientOptions) mqtt.Client {
		fake.opts = opts
		return fake
	})
	return transport, fake
}

func TestMQTTTransportOptions(t *testing.T) {
	_, fake := newFakeMQTT(t)

	require.Len(t, fake.opts.Servers, 1)
	assert.Equal(t, "tcp://test.mosquitto.org:1883", fake.opts.Servers[0].String())
	assert.Equal(t, "console-1", fake.opts.ClientID)
	assert.Equal(t, int64(60), fake.opts.KeepAlive)
	assert.False(t, fake.opts.AutoReconnect)
	assert.False(t, fake.opts.CleanSession)
	assert.NotNil(t, fake.opts.OnConnectionLost)
}

func TestMQTTTransportPublishRequiresOpenConnection(t *testing.T) {
	transport, _ := newFakeMQTT(t)
	err := transport.Publish(context.Background(), testTopic, []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMQTTTransportConnectError(t *testing.T) {
	transport, fake := newFakeMQTT(t)
	fake.connectErr = errors.New("not authorized")
	assert.EqualError(t, transport.Connect(context.Background()), "not authorized")
}

func TestMQTTClientReconnectsAndResubscribes(t *testing.T) {
	transport, fake := newFakeMQTT(t)
	queue := inbox.New()
	client := New(transport, testOptions("console-1"), queue, nil)
	defer client.Close()
	connectAndSubscribe(t, client)

	require.NoError(t, client.PublishTurn(context.Background(), chat.UserTurn("status?")))
	require.Len(t, fake.published, 1)
	assert.JSONEq(t, `{"role":"user","content":"status?"}`, string(fake.published[0]))

	fake.dropConnection(errors.New("pingresp not received"))
	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.connects == 2 && fake.handlers[testTopic] != nil
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, client.Live, time.Second, 5*time.Millisecond)

	fake.deliver(testTopic, []byte(`{"role":"assistant","content":"All lines nominal."}`))
	require.Equal(t, 1, queue.Len())
	assert.Equal(t, chat.AssistantTurn("All lines nominal."), queue.DrainAll()[0].Turn)
}
