package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatmirror/backend/internal/service/chat"
	"github.com/zhouzirui/chatmirror/backend/internal/service/conversation"
)

// ErrStopped is returned once Run has exited.
var ErrStopped = errors.New("relay stopped")

// SessionSource reports channel liveness. *channel.Client satisfies it.
type SessionSource interface {
	Session() chat.Session
}

// Snapshot is the transcript as seen by one loop iteration.
type Snapshot struct {
	Version uint64       `json:"version"`
	Turns   []chat.Turn  `json:"turns"`
	State   string       `json:"state"`
	Session chat.Session `json:"session"`
}

// RunnerOptions wires a Runner.
type RunnerOptions struct {
	Source     Source
	Notify     <-chan struct{}
	Transcript *chatservice.Transcript
	Driver     *conversation.Driver
	Session    SessionSource
	Interval   time.Duration
	Logger     *zap.Logger
}

// Runner owns the transcript for front-ends with many concurrent callers.
// Every transcript access happens on the Run goroutine; callers hand it
// closures over the commands channel.
type Runner struct {
	loop       *Loop
	transcript *chatservice.Transcript
	driver     *conversation.Driver
	session    SessionSource
	notify     <-chan struct{}
	interval   time.Duration
	logger     *zap.Logger

	commands chan func()
	stopped  chan struct{}
	version  uint64

	mu          sync.Mutex
	subscribers map[int]chan Snapshot
	nextID      int
	closed      bool
}

func NewRunner(opts RunnerOptions) *Runner {
	logger := logging.OrNop(opts.Logger)
	interval := opts.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Runner{
		loop:        NewLoop(opts.Source, opts.Transcript, logger),
		transcript:  opts.Transcript,
		driver:      opts.Driver,
		session:     opts.Session,
		notify:      opts.Notify,
		interval:    interval,
		logger:      logger.Named("runner"),
		commands:    make(chan func()),
		stopped:     make(chan struct{}),
		subscribers: make(map[int]chan Snapshot),
	}
}

// Run ticks until ctx is done. It must be called exactly once.
func (r *Runner) Run(ctx context.Context) {
	defer r.shutdown()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("relay loop started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay loop stopped")
			return
		case <-ticker.C:
			r.tick()
		case <-r.notify:
			r.tick()
		case cmd := <-r.commands:
			cmd()
		}
	}
}

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} {
	return r.stopped
}

// Submit runs one conversation turn. The completion call runs on the
// caller's goroutine so the loop keeps draining meanwhile.
func (r *Runner) Submit(ctx context.Context, text string) (string, error) {
	var (
		pending *conversation.Pending
		err     error
	)
	if doErr := r.do(ctx, func() {
		pending, err = r.driver.Begin(ctx, text)
		if pending != nil {
			r.broadcast()
		}
	}); doErr != nil {
		return "", doErr
	}
	if err != nil || pending == nil {
		return "", err
	}

	reply, completeErr := r.driver.Complete(ctx, pending)

	// Finish must run even if the caller gave up, or the driver stays pending.
	finishCtx := context.WithoutCancel(ctx)
	var result string
	if doErr := r.do(finishCtx, func() {
		result, err = r.driver.Finish(finishCtx, pending, reply, completeErr)
		r.broadcast()
	}); doErr != nil {
		return "", doErr
	}
	return result, err
}

// Clear empties the transcript. Pending inbound turns are not filtered.
func (r *Runner) Clear(ctx context.Context) error {
	return r.do(ctx, func() {
		r.transcript.Clear()
		r.broadcast()
	})
}

// Snapshot returns the current transcript state.
func (r *Runner) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := r.do(ctx, func() {
		snap = r.snapshot()
	})
	return snap, err
}

func (r *Runner) Session() chat.Session {
	return r.session.Session()
}

// Subscribe returns a channel receiving the latest snapshot after every
// change. A subscriber that falls behind only sees the newest snapshot. The
// channel is closed by cancel or when Run exits.
func (r *Runner) Subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if r.closed {
		close(ch)
		return ch, func() {}
	}

	id := r.nextID
	r.nextID++
	r.subscribers[id] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (r *Runner) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}

	select {
	case r.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}

	<-done
	return nil
}

func (r *Runner) tick() {
	if appended := r.loop.Tick(); len(appended) > 0 {
		r.broadcast()
	}
}

func (r *Runner) snapshot() Snapshot {
	return Snapshot{
		Version: r.version,
		Turns:   r.transcript.Turns(),
		State:   r.driver.State().String(),
		Session: r.session.Session(),
	}
}

// broadcast runs on the loop, the only sender.
func (r *Runner) broadcast() {
	r.version++
	snap := r.snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (r *Runner) shutdown() {
	r.mu.Lock()
	r.closed = true
	for id, ch := range r.subscribers {
		delete(r.subscribers, id)
		close(ch)
	}
	r.mu.Unlock()
	close(r.stopped)
}
