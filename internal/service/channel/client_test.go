package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
	"github.com/zhouzirui/chatmirror/backend/internal/service/inbox"
)

const testTopic = "hackaton-test"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testOptions(clientID string) Options {
	return Options{
		ClientID:       clientID,
		Topic:          testTopic,
		Broker:         "memory://" + testTopic,
		ConnectTimeout: time.Second,
		PublishTimeout: time.Second,
	}
}

func newTestClient(t *testing.T, broker *MemoryBroker, clientID string) (*Client, *inbox.Queue, *MemoryTransport) {
	t.Helper()
	transport := broker.NewTransport()
	queue := inbox.New()
	client := New(transport, testOptions(clientID), queue, nil)
	t.Cleanup(func() { _ = client.Close() })
	return client, queue, transport
}

func connectAndSubscribe(t *testing.T, client *Client) {
	t.Helper()
	ctx := context.Background()
	session, err := client.Connect(ctx)
	require.NoError(t, err)
	require.True(t, session.Live)
	require.NoError(t, client.Subscribe(ctx, testTopic))
}

func eventuallyLen(t *testing.T, q *inbox.Queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Len() == n }, time.Second, 5*time.Millisecond)
}

func TestPublishedTurnIsEchoedToPublisher(t *testing.T) {
	broker := NewMemoryBroker()
	client, queue, _ := newTestClient(t, broker, "a")
	connectAndSubscribe(t, client)

	require.NoError(t, client.PublishTurn(context.Background(), chat.UserTurn("status?")))

	eventuallyLen(t, queue, 1)
	env := queue.DrainAll()[0]
	assert.Equal(t, chat.UserTurn("status?"), env.Turn)
	assert.Equal(t, testTopic, env.Topic)
}

func TestTurnsReachOtherClients(t *testing.T) {
	broker := NewMemoryBroker()
	a, _, _ := newTestClient(t, broker, "a")
	b, bQueue, _ := newTestClient(t, broker, "b")
	connectAndSubscribe(t, a)
	connectAndSubscribe(t, b)

	require.NoError(t, a.PublishTurn(context.Background(), chat.AssistantTurn("All lines nominal.")))

	eventuallyLen(t, bQueue, 1)
	assert.Equal(t, chat.AssistantTurn("All lines nominal."), bQueue.DrainAll()[0].Turn)
}

type countingTransport struct {
	*MemoryTransport
	subscribes atomic.Int32
}

func (c *countingTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	c.subscribes.Add(1)
	return c.MemoryTransport.Subscribe(ctx, topic, handler)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	broker := NewMemoryBroker()
	transport := &countingTransport{MemoryTransport: broker.NewTransport()}
	client := New(transport, testOptions("a"), inbox.New(), nil)
	defer client.Close()

	ctx := context.Background()
	_, err := client.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, client.Subscribe(ctx, testTopic))
	require.NoError(t, client.Subscribe(ctx, testTopic))

	assert.Equal(t, int32(1), transport.subscribes.Load())
}

func TestUndecodablePayloadIsDroppedAndSubscriptionSurvives(t *testing.T) {
	broker := NewMemoryBroker()
	client, queue, _ := newTestClient(t, broker, "a")
	connectAndSubscribe(t, client)

	broker.Inject(testTopic, []byte("Enter message to publish"))
	broker.Inject(testTopic, []byte(`{"role":"wizard","content":"x"}`))
	broker.Inject(testTopic, []byte(`{"role":"user","content":"still here"}`))

	eventuallyLen(t, queue, 1)
	assert.Equal(t, chat.UserTurn("still here"), queue.DrainAll()[0].Turn)
	assert.True(t, client.Live())
}

type panickySink struct {
	once  sync.Once
	queue *inbox.Queue
}

func (p *panickySink) Push(env chat.Envelope) {
	p.once.Do(func() { panic("sink exploded") })
	p.queue.Push(env)
}

func TestSinkPanicDoesNotKillDelivery(t *testing.T) {
	broker := NewMemoryBroker()
	queue := inbox.New()
	client := New(broker.NewTransport(), testOptions("a"), &panickySink{queue: queue}, nil)
	defer client.Close()
	connectAndSubscribe(t, client)

	broker.Inject(testTopic, []byte(`{"role":"user","content":"first"}`))
	broker.Inject(testTopic, []byte(`{"role":"user","content":"second"}`))

	eventuallyLen(t, queue, 1)
	assert.Equal(t, "second", queue.DrainAll()[0].Turn.Content)
}

func TestConnectFailureIsConnectError(t *testing.T) {
	broker := NewMemoryBroker()
	broker.SetOffline(true)
	client, _, _ := newTestClient(t, broker, "a")

	session, err := client.Connect(context.Background())
	var connectErr *ConnectError
	require.True(t, errors.As(err, &connectErr), "got %v", err)
	assert.Equal(t, "memory://"+testTopic, connectErr.Broker)
	assert.False(t, session.Live)
}

func TestReconnectAfterDropKeepsSessionAndSubscription(t *testing.T) {
	broker := NewMemoryBroker()
	client, queue, transport := newTestClient(t, broker, "console-1")
	connectAndSubscribe(t, client)
	before := client.Session()

	broker.DropAll(errors.New("keepalive timeout"))
	require.Eventually(t, func() bool {
		return transport.Connected() && client.Live()
	}, time.Second, 5*time.Millisecond)

	broker.Inject(testTopic, []byte(`{"role":"assistant","content":"back online"}`))
	eventuallyLen(t, queue, 1)
	assert.Equal(t, chat.AssistantTurn("back online"), queue.DrainAll()[0].Turn)

	after := client.Session()
	assert.Equal(t, before.ClientID, after.ClientID)
	assert.Equal(t, before.Topic, after.Topic)
	assert.True(t, after.Live)
}

func TestFailedReconnectLeavesSessionDownUntilRetry(t *testing.T) {
	broker := NewMemoryBroker()
	client, queue, transport := newTestClient(t, broker, "a")
	connectAndSubscribe(t, client)

	broker.SetOffline(true)
	broker.DropAll(errors.New("network unreachable"))
	require.Eventually(t, func() bool { return !client.Live() }, time.Second, 5*time.Millisecond)

	err := client.PublishTurn(context.Background(), chat.UserTurn("anyone?"))
	var publishErr *PublishError
	require.True(t, errors.As(err, &publishErr), "got %v", err)
	assert.ErrorIs(t, err, ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.MaintainSession(ctx, 10*time.Millisecond)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, client.Live(), "broker still offline")

	broker.SetOffline(false)
	require.Eventually(t, func() bool {
		return transport.Connected() && client.Live()
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.NoError(t, client.PublishTurn(context.Background(), chat.UserTurn("anyone?")))
	eventuallyLen(t, queue, 1)
}

func TestReconnectIsNoopWhileLive(t *testing.T) {
	broker := NewMemoryBroker()
	transport := &countingTransport{MemoryTransport: broker.NewTransport()}
	client := New(transport, testOptions("a"), inbox.New(), nil)
	defer client.Close()
	connectAndSubscribe(t, client)

	require.NoError(t, client.Reconnect(context.Background()))
	assert.Equal(t, int32(1), transport.subscribes.Load())
}

func TestSubscribeWhileDownAppliesOnReconnect(t *testing.T) {
	broker := NewMemoryBroker()
	broker.SetOffline(true)
	client, queue, _ := newTestClient(t, broker, "a")

	require.NoError(t, client.Subscribe(context.Background(), testTopic))
	broker.SetOffline(false)
	require.NoError(t, client.Reconnect(context.Background()))

	broker.Inject(testTopic, []byte(`{"role":"user","content":"late joiner"}`))
	eventuallyLen(t, queue, 1)
}

func TestCloseStopsPublishingAndReconnects(t *testing.T) {
	broker := NewMemoryBroker()
	client, _, transport := newTestClient(t, broker, "a")
	connectAndSubscribe(t, client)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.False(t, transport.Connected())

	err := client.PublishTurn(context.Background(), chat.UserTurn("late"))
	assert.ErrorIs(t, err, ErrClosed)

	err = client.Reconnect(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

type gatedSubscribeTransport struct {
	*MemoryTransport
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedSubscribeTransport(broker *MemoryBroker) *gatedSubscribeTransport {
	return &gatedSubscribeTransport{
		MemoryTransport: broker.NewTransport(),
		entered:         make(chan struct{}, 1),
		release:         make(chan struct{}),
	}
}

func (g *gatedSubscribeTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	if g.armed.Load() {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.MemoryTransport.Subscribe(ctx, topic, handler)
}

func waitEntered(t *testing.T, g *gatedSubscribeTransport) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(time.Second):
		t.Fatal("subscribe was never attempted")
	}
}

func TestSessionDoesNotWaitOnResubscribe(t *testing.T) {
	broker := NewMemoryBroker()
	transport := newGatedSubscribeTransport(broker)
	client := New(transport, testOptions("a"), inbox.New(), nil)
	t.Cleanup(func() { _ = client.Close() })
	connectAndSubscribe(t, client)

	transport.armed.Store(true)
	broker.DropAll(errors.New("connection reset"))
	waitEntered(t, transport)

	start := time.Now()
	session := client.Session()
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, session.Live)
	assert.Equal(t, "a", session.ClientID)

	close(transport.release)
	require.Eventually(t, client.Live, time.Second, 5*time.Millisecond)
	assert.False(t, client.Session().ConnectedAt.IsZero())
}

func TestSubscribeIsBoundedByConnectTimeout(t *testing.T) {
	broker := NewMemoryBroker()
	transport := newGatedSubscribeTransport(broker)
	opts := testOptions("a")
	opts.ConnectTimeout = 50 * time.Millisecond
	client := New(transport, opts, inbox.New(), nil)
	t.Cleanup(func() { _ = client.Close() })

	_, err := client.Connect(context.Background())
	require.NoError(t, err)

	transport.armed.Store(true)
	start := time.Now()
	err = client.Subscribe(context.Background(), testTopic)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	transport.armed.Store(false)
	require.NoError(t, client.Subscribe(context.Background(), testTopic))
}

func TestCloseAbortsReconnectInFlight(t *testing.T) {
	broker := NewMemoryBroker()
	transport := newGatedSubscribeTransport(broker)
	client := New(transport, testOptions("a"), inbox.New(), nil)
	connectAndSubscribe(t, client)

	transport.armed.Store(true)
	broker.DropAll(errors.New("connection reset"))
	waitEntered(t, transport)

	start := time.Now()
	require.NoError(t, client.Close())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, transport.Connected())
	assert.False(t, client.Live())
}

func TestTapSeesUndecodablePayloads(t *testing.T) {
	broker := NewMemoryBroker()
	var (
		mu   sync.Mutex
		seen []string
	)
	opts := testOptions("a")
	opts.Tap = func(_ string, payload []byte) {
		mu.Lock()
		seen = append(seen, string(payload))
		mu.Unlock()
	}
	queue := inbox.New()
	client := New(broker.NewTransport(), opts, queue, nil)
	t.Cleanup(func() { _ = client.Close() })
	connectAndSubscribe(t, client)

	broker.Inject(testTopic, []byte("not json"))
	broker.Inject(testTopic, []byte(`{"role":"user","content":"status?"}`))
	eventuallyLen(t, queue, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"not json", `{"role":"user","content":"status?"}`}, seen)
}
