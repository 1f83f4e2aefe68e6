package channel

import (
	"context"
	"errors"
	"sync"
)

var errBrokerOffline = errors.New("memory broker offline")

// sharedMemoryBroker backs BROKER_KIND=memory.
var sharedMemoryBroker = NewMemoryBroker()

type memoryMessage struct {
	topic   string
	payload []byte
}

// MemoryBroker is an in-process broker. Like a real broker it fans every
// publish out to all subscribers of the topic, the publisher included, and
// delivers asynchronously on each connection's own goroutine.
type MemoryBroker struct {
	mu      sync.RWMutex
	conns   map[*MemoryTransport]struct{}
	offline bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{conns: make(map[*MemoryTransport]struct{})}
}

// NewTransport returns an unconnected transport attached to b.
func (b *MemoryBroker) NewTransport() *MemoryTransport {
	return &MemoryTransport{broker: b}
}

// SetOffline makes new connections fail while offline is true. Existing
// connections are unaffected; use DropAll to sever them.
func (b *MemoryBroker) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// DropAll severs every open connection as an unsolicited disconnect.
func (b *MemoryBroker) DropAll(cause error) {
	b.mu.RLock()
	conns := make([]*MemoryTransport, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		conn.drop(cause)
	}
}

// Inject publishes on behalf of a client outside this process.
func (b *MemoryBroker) Inject(topic string, payload []byte) {
	b.route(memoryMessage{topic: topic, payload: append([]byte(nil), payload...)})
}

func (b *MemoryBroker) route(msg memoryMessage) {
	b.mu.RLock()
	conns := make([]*MemoryTransport, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		conn.offer(msg)
	}
}

func (b *MemoryBroker) attach(t *MemoryTransport) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return errBrokerOffline
	}
	b.conns[t] = struct{}{}
	return nil
}

func (b *MemoryBroker) detach(t *MemoryTransport) {
	b.mu.Lock()
	delete(b.conns, t)
	b.mu.Unlock()
}

// MemoryTransport is one connection to a MemoryBroker.
type MemoryTransport struct {
	broker *MemoryBroker

	mu        sync.Mutex
	connected bool
	handlers  map[string]MessageHandler
	inbound   chan memoryMessage
	stop      chan struct{}
	wg        sync.WaitGroup
	onLost    func(error)
	published int
}

func (t *MemoryTransport) SetConnectionLostHandler(fn func(error)) {
	t.mu.Lock()
	t.onLost = fn
	t.mu.Unlock()
}

func (t *MemoryTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if err := t.broker.attach(t); err != nil {
		t.mu.Unlock()
		return err
	}
	t.connected = true
	t.handlers = make(map[string]MessageHandler)
	t.inbound = make(chan memoryMessage, 256)
	t.stop = make(chan struct{})
	inbound, stop := t.inbound, t.stop
	t.wg.Add(1)
	t.mu.Unlock()

	go t.pump(inbound, stop)
	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, topic string, handler MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.handlers[topic] = handler
	return nil
}

func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.published++
	t.mu.Unlock()

	t.broker.route(memoryMessage{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (t *MemoryTransport) Disconnect() error {
	t.close()
	return nil
}

// Published counts successful publishes across connections.
func (t *MemoryTransport) Published() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published
}

// Connected reports whether the transport is attached to its broker.
func (t *MemoryTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *MemoryTransport) offer(msg memoryMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}
	select {
	case t.inbound <- msg:
	default:
	}
}

func (t *MemoryTransport) pump(inbound <-chan memoryMessage, stop <-chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-stop:
			return
		case msg := <-inbound:
			t.mu.Lock()
			handler := t.handlers[msg.topic]
			t.mu.Unlock()
			if handler != nil {
				handler(msg.topic, msg.payload)
			}
		}
	}
}

func (t *MemoryTransport) close() bool {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return false
	}
	t.connected = false
	t.handlers = nil
	close(t.stop)
	t.mu.Unlock()

	t.broker.detach(t)
	t.wg.Wait()
	return true
}

func (t *MemoryTransport) drop(cause error) {
	if !t.close() {
		return
	}

	t.mu.Lock()
	onLost := t.onLost
	t.mu.Unlock()
	if onLost != nil {
		go onLost(cause)
	}
}
