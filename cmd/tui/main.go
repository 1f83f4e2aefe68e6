package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/app"
	"github.com/zhouzirui/chatmirror/backend/internal/config"
	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/tui"
)

type options struct {
	topic     string
	clientID  string
	broker    string
	host      string
	port      int
	personaID string
	logFile   string
	altScreen bool
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatmirror",
		Short: "Terminal chat client mirrored over a pub/sub topic",
		Long: `chatmirror is an interactive chat console. Every turn typed here or
answered by the model is published to the session topic, and turns published
by other instances on that topic show up in this transcript.

Configuration comes from the environment (and .env); flags override it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.topic, "topic", "", "Session topic (BROKER_TOPIC)")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "Broker client id (BROKER_CLIENT_ID)")
	cmd.Flags().StringVar(&opts.broker, "broker", "", "Broker kind: mqtt, nats, redis or memory (BROKER_KIND)")
	cmd.Flags().StringVar(&opts.host, "host", "", "Broker host (BROKER_HOST)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Broker port (BROKER_PORT); defaults to the broker kind's port")
	cmd.Flags().StringVar(&opts.personaID, "persona", "", "Persona id (PERSONA_ID)")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "Write logs to this file; logs are discarded when empty (LOG_FILE)")
	cmd.Flags().BoolVar(&opts.altScreen, "alt-screen", true, "Use the terminal alternate screen")
	return cmd
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyFlags overrides cfg with the flags that were set. Switching the broker
// kind also switches to that kind's port unless a port was given explicitly.
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("topic") {
		cfg.Broker.Topic = opts.topic
	}
	if flags.Changed("client-id") {
		cfg.Broker.ClientID = opts.clientID
	}
	if flags.Changed("broker") {
		kind, err := config.ParseBrokerKind(opts.broker)
		if err != nil {
			return err
		}
		cfg.Broker.Kind = kind
		if !flags.Changed("port") && os.Getenv("BROKER_PORT") == "" {
			cfg.Broker.Port = config.DefaultPort(kind)
		}
	}
	if flags.Changed("host") {
		cfg.Broker.Host = opts.host
	}
	if flags.Changed("port") {
		if opts.port <= 0 || opts.port > 65535 {
			return fmt.Errorf("invalid --port value %d", opts.port)
		}
		cfg.Broker.Port = opts.port
	}
	if flags.Changed("persona") {
		cfg.AI.PersonaID = opts.personaID
	}
	if flags.Changed("log-file") {
		cfg.Log.File = opts.logFile
	}
	return nil
}

func runConsole(cmd *cobra.Command, opts *options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := applyFlags(cmd, opts, cfg); err != nil {
		return err
	}

	// stderr belongs to the terminal UI.
	logger := zap.NewNop()
	if cfg.Log.File != "" {
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return err
		}
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	session, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	go session.MaintainSession(ctx)

	model := tui.New(tui.Deps{
		Context:     ctx,
		Loop:        session.Loop(),
		Driver:      session.Driver,
		Transcript:  session.Transcript,
		Session:     session.Client,
		Notify:      session.Queue.Notify(),
		Interval:    cfg.Relay.TickInterval,
		PersonaName: session.Persona.Name,
	})

	programOpts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithMouseCellMotion()}
	if opts.altScreen {
		programOpts = append(programOpts, tea.WithAltScreen())
	}
	if _, err := tea.NewProgram(model, programOpts...).Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("console exited: %w", err)
	}
	return nil
}
