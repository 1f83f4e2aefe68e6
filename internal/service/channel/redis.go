package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/chatmirror/backend/internal/config"
)

// RedisTransport mirrors turns over Redis PUBLISH/SUBSCRIBE. go-redis
// reconnects pub/sub connections on its own, so liveness is tracked with a
// keepalive PING: the first failed ping reports the connection lost.
type RedisTransport struct {
	url            string
	clientName     string
	connectTimeout time.Duration
	keepalive      time.Duration

	mu      sync.Mutex
	client  *redis.Client
	pubsubs []*redis.PubSub
	stop    chan struct{}
	wg      sync.WaitGroup
	onLost  func(error)
}

func NewRedisTransport(cfg config.BrokerConfig) *RedisTransport {
	return &RedisTransport{
		url:            cfg.URL(),
		clientName:     cfg.ClientID,
		connectTimeout: cfg.ConnectTimeout,
		keepalive:      cfg.Keepalive,
	}
}

func (t *RedisTransport) SetConnectionLostHandler(fn func(error)) {
	t.mu.Lock()
	t.onLost = fn
	t.mu.Unlock()
}

func (t *RedisTransport) Connect(ctx context.Context) error {
	options, err := redis.ParseURL(t.url)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	options.ClientName = t.clientName
	if t.connectTimeout > 0 {
		options.DialTimeout = t.connectTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return err
	}

	t.client = client
	t.stop = make(chan struct{})
	if t.keepalive > 0 {
		t.wg.Add(1)
		go t.watch(client, t.stop)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	t.mu.Lock()
	client, stop := t.client, t.stop
	t.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	pubsub := client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	t.mu.Lock()
	if t.client != client {
		t.mu.Unlock()
		_ = pubsub.Close()
		return ErrNotConnected
	}
	t.pubsubs = append(t.pubsubs, pubsub)
	t.wg.Add(1)
	t.mu.Unlock()

	messages := pubsub.Channel()
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return client.Publish(ctx, topic, payload).Err()
}

func (t *RedisTransport) Disconnect() error {
	client := t.teardown()
	t.wg.Wait()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (t *RedisTransport) teardown() *redis.Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	client := t.client
	if client == nil {
		return nil
	}
	t.client = nil
	close(t.stop)
	for _, pubsub := range t.pubsubs {
		_ = pubsub.Close()
	}
	t.pubsubs = nil
	return client
}

func (t *RedisTransport) watch(client *redis.Client, stop <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.keepalive)
			err := client.Ping(ctx).Err()
			cancel()
			if err == nil {
				continue
			}

			t.mu.Lock()
			current := t.client == client
			onLost := t.onLost
			t.mu.Unlock()
			if !current {
				return
			}

			// Disconnect waits on this goroutine, so it runs elsewhere.
			go func() {
				_ = t.Disconnect()
				if onLost != nil {
					onLost(err)
				}
			}()
			return
		}
	}
}
