// Package conversation turns user input into transcript entries, broadcasts
// and completion calls.
package conversation

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
	"github.com/zhouzirui/chatmirror/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/chatmirror/backend/internal/service/chat"
)

// ErrSubmissionPending rejects a submission while another awaits its reply.
var ErrSubmissionPending = errors.New("a submission is already awaiting completion")

// Publisher broadcasts turns. *channel.Client satisfies it.
type Publisher interface {
	PublishTurn(ctx context.Context, turn chat.Turn) error
}

// Completer calls the completion backend. *ai.Service satisfies it.
type Completer interface {
	Complete(ctx context.Context, req ai.Request) (string, error)
}

// State of the most recent submission.
type State int

const (
	StateIdle State = iota
	StateAwaitingCompletion
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pending is a submission between Begin and Finish.
type Pending struct {
	Request ai.Request
	User    chat.Turn
}

// Driver runs submissions against a transcript. Begin, Finish, Submit and
// State belong to the loop that owns the transcript; Complete touches no
// driver state and may run anywhere.
type Driver struct {
	transcript *chatservice.Transcript
	publisher  Publisher
	completer  Completer
	system     string
	logger     *zap.Logger

	state State
}

// NewDriver builds a driver whose requests open with system.
func NewDriver(transcript *chatservice.Transcript, publisher Publisher, completer Completer, system string, logger *zap.Logger) *Driver {
	return &Driver{
		transcript: transcript,
		publisher:  publisher,
		completer:  completer,
		system:     system,
		logger:     logging.OrNop(logger).Named("conversation"),
	}
}

func (d *Driver) State() State {
	return d.state
}

// Submit runs a whole submission inline and returns the assistant's reply.
// Whitespace-only input is ignored.
func (d *Driver) Submit(ctx context.Context, text string) (string, error) {
	pending, err := d.Begin(ctx, text)
	if err != nil || pending == nil {
		return "", err
	}
	reply, err := d.Complete(ctx, pending)
	return d.Finish(ctx, pending, reply, err)
}

// Begin records and broadcasts the user turn and returns the request to
// complete. It returns nil for whitespace-only input.
func (d *Driver) Begin(ctx context.Context, text string) (*Pending, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if d.state == StateAwaitingCompletion {
		return nil, ErrSubmissionPending
	}

	user := chat.UserTurn(text)
	pending := &Pending{
		Request: ai.Request{
			System:  d.system,
			History: d.transcript.Turns(),
			Query:   text,
		},
		User: user,
	}

	d.transcript.AppendLocal(user)
	d.publish(ctx, user)
	d.state = StateAwaitingCompletion
	return pending, nil
}

// Complete calls the completion backend for pending.
func (d *Driver) Complete(ctx context.Context, pending *Pending) (string, error) {
	return d.completer.Complete(ctx, pending.Request)
}

// Finish records the outcome of Complete. On failure the transcript keeps
// the user turn and gains nothing; the error is a *ai.CompletionError.
func (d *Driver) Finish(ctx context.Context, pending *Pending, reply string, err error) (string, error) {
	if err != nil {
		d.state = StateFailed
		d.logger.Warn("submission failed", zap.Int("query_length", len(pending.User.Content)), zap.Error(err))
		return "", ai.AsCompletionError(err)
	}

	assistant := chat.AssistantTurn(reply)
	d.transcript.AppendLocal(assistant)
	d.publish(ctx, assistant)
	d.state = StateCompleted
	return reply, nil
}

// publish failures only cost remote visibility.
func (d *Driver) publish(ctx context.Context, turn chat.Turn) {
	if err := d.publisher.PublishTurn(ctx, turn); err != nil {
		d.logger.Warn("publish failed, turn kept locally", zap.String("role", string(turn.Role)), zap.Error(err))
	}
}
