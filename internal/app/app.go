// Package app assembles the conversation core shared by the HTTP server and
// the terminal client.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/config"
	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/model/persona"
	"github.com/zhouzirui/chatmirror/backend/internal/service/ai"
	"github.com/zhouzirui/chatmirror/backend/internal/service/channel"
	chatservice "github.com/zhouzirui/chatmirror/backend/internal/service/chat"
	"github.com/zhouzirui/chatmirror/backend/internal/service/conversation"
	"github.com/zhouzirui/chatmirror/backend/internal/service/inbox"
	"github.com/zhouzirui/chatmirror/backend/internal/service/journal"
	"github.com/zhouzirui/chatmirror/backend/internal/service/relay"
)

// App holds one wired session. The transcript it exposes belongs to whoever
// runs the refresh loop: either Runner or the terminal model.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Personas   persona.Store
	Persona    persona.Persona
	Queue      *inbox.Queue
	Client     *channel.Client
	Journal    *journal.Store
	Transcript *chatservice.Transcript
	Driver     *conversation.Driver
}

// Build wires every component from cfg. A broker that cannot be reached is
// not fatal: the session starts offline and the caller is expected to run
// MaintainSession.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)

	personas := persona.NewMemoryStore(persona.Seed())
	active, err := persona.Resolve(personas, cfg.AI.PersonaID)
	if err != nil {
		return nil, err
	}

	aiSvc, err := ai.NewService(ctx, cfg.AI, logger)
	if err != nil {
		return nil, fmt.Errorf("init completion service: %w", err)
	}

	transport, err := channel.NewTransport(cfg.Broker)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Personas: personas,
		Persona:  active,
		Queue:    inbox.New(inbox.WithLimit(cfg.Relay.QueueLimit)),
	}

	var observers []chatservice.Observer
	if cfg.Journal.Enabled() {
		a.Journal, err = journal.Open(cfg.Journal.Path, cfg.Broker.ClientID, logger)
		if err != nil {
			return nil, err
		}
		observers = append(observers, a.Journal)
	}
	a.Transcript = chatservice.NewTranscript(observers...)

	a.Client = channel.New(transport, channel.OptionsFromConfig(cfg.Broker), a.Queue, logger)
	if _, err := a.Client.Connect(ctx); err != nil {
		var connectErr *channel.ConnectError
		if !errors.As(err, &connectErr) {
			_ = a.Close()
			return nil, err
		}
		logger.Warn("broker unreachable, starting offline", zap.Error(err))
	}
	// Recorded even when offline; applied on the next reconnect.
	if err := a.Client.Subscribe(ctx, cfg.Broker.Topic); err != nil {
		logger.Warn("subscribe failed", zap.String("topic", cfg.Broker.Topic), zap.Error(err))
	}

	a.Driver = conversation.NewDriver(a.Transcript, a.Client, aiSvc, active.Instructions, logger)

	logger.Info("session ready",
		zap.String("persona", active.ID),
		zap.String("topic", cfg.Broker.Topic),
		zap.Bool("live", a.Client.Live()))
	return a, nil
}

// Loop returns a refresh loop over this session's queue and transcript.
func (a *App) Loop() *relay.Loop {
	return relay.NewLoop(a.Queue, a.Transcript, a.Logger)
}

// Runner returns an actor that owns the transcript. Call Run on it before use.
func (a *App) Runner() *relay.Runner {
	return relay.NewRunner(relay.RunnerOptions{
		Source:     a.Queue,
		Notify:     a.Queue.Notify(),
		Transcript: a.Transcript,
		Driver:     a.Driver,
		Session:    a.Client,
		Interval:   a.Config.Relay.TickInterval,
		Logger:     a.Logger,
	})
}

// MaintainSession blocks, retrying the broker connection while it is down.
func (a *App) MaintainSession(ctx context.Context) {
	a.Client.MaintainSession(ctx, a.Config.Broker.ReconnectInterval)
}

// Close disconnects from the broker and closes the journal.
func (a *App) Close() error {
	var errs []error
	if a.Client != nil {
		errs = append(errs, a.Client.Close())
	}
	if a.Journal != nil {
		errs = append(errs, a.Journal.Close())
	}
	return errors.Join(errs...)
}
