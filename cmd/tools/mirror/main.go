// mirror 是一个调试工具：订阅会话主题，打印收到的每条消息，
// 并把标准输入的每一行作为轮次发布出去。
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/config"
	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
	"github.com/zhouzirui/chatmirror/backend/internal/service/channel"
)

var (
	topic    string
	clientID string
	role     string
	raw      bool
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Watch a session topic and publish turns from stdin",
	Long: `mirror subscribes to the session topic and prints every payload it receives.
Each line read from stdin is published as a turn with --role, or verbatim with
--raw so malformed payloads can be exercised against other instances.`,
	Args: cobra.NoArgs,
	RunE: runMirror,
}

func init() {
	rootCmd.Flags().StringVar(&topic, "topic", "", "Session topic (defaults to BROKER_TOPIC)")
	rootCmd.Flags().StringVar(&clientID, "client-id", "", "Broker client id (defaults to a generated mirror id)")
	rootCmd.Flags().StringVar(&role, "role", string(chat.RoleUser), "Role for published turns")
	rootCmd.Flags().BoolVar(&raw, "raw", false, "Publish stdin lines verbatim instead of encoding them")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log broker activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMirror(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("配置加载失败: %w", err)
	}
	if topic != "" {
		cfg.Broker.Topic = topic
	}
	cfg.Broker.ClientID = fmt.Sprintf("mirror-%d", time.Now().UnixNano())
	if clientID != "" {
		cfg.Broker.ClientID = clientID
	}

	publishRole, err := chat.ParseRole(role)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if verbose {
		cfg.Log.Level = "debug"
		if logger, err = logging.New(cfg.Log); err != nil {
			return err
		}
	}
	defer func() { _ = logger.Sync() }()

	transport, err := channel.NewTransport(cfg.Broker)
	if err != nil {
		return err
	}
	messages := make(chan message, messageBuffer)
	opts := channel.OptionsFromConfig(cfg.Broker)
	opts.Tap = tap(messages)

	// Decoded turns are not needed: every payload arrives through the tap.
	client := channel.New(transport, opts, nil, logger)
	defer func() { _ = client.Close() }()
	if _, err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.Subscribe(ctx, cfg.Broker.Topic); err != nil {
		return err
	}
	go client.MaintainSession(ctx, cfg.Broker.ReconnectInterval)

	fmt.Fprintf(cmd.OutOrStdout(), "mirroring %s on %s as %s\n", cfg.Broker.Topic, cfg.Broker.URL(), cfg.Broker.ClientID)

	m := &mirror{client: client, messages: messages, topic: cfg.Broker.Topic, role: publishRole, raw: raw, out: cmd.OutOrStdout()}
	return m.run(ctx, cmd.InOrStdin())
}

const messageBuffer = 256

type message struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

// tap copies payloads into messages, dropping them when the printer lags.
func tap(messages chan<- message) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		select {
		case messages <- message{topic: topic, payload: append([]byte(nil), payload...), receivedAt: time.Now()}:
		default:
		}
	}
}

type publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	PublishTurn(ctx context.Context, turn chat.Turn) error
}

type mirror struct {
	client   publisher
	messages <-chan message
	topic    string
	role     chat.Role
	raw      bool
	out      io.Writer
}

// run prints delivered payloads and publishes stdin lines until ctx is done,
// stdin reaches EOF or an "exit" line is read.
func (m *mirror) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			m.printPending()
			return nil
		case msg := <-m.messages:
			m.print(msg)
		case line, ok := <-lines:
			if !ok {
				m.printPending()
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if strings.EqualFold(trimmed, "exit") {
				m.printPending()
				return nil
			}
			if err := m.publish(ctx, line); err != nil {
				fmt.Fprintf(m.out, "! publish failed: %v\n", err)
			}
		}
	}
}

func (m *mirror) publish(ctx context.Context, line string) error {
	if m.raw {
		return m.client.Publish(ctx, m.topic, []byte(line))
	}
	return m.client.PublishTurn(ctx, chat.Turn{Role: m.role, Content: line})
}

func (m *mirror) printPending() {
	for {
		select {
		case msg := <-m.messages:
			m.print(msg)
		default:
			return
		}
	}
}

// print shows turns as role and content, and anything else verbatim.
func (m *mirror) print(msg message) {
	stamp := msg.receivedAt.Format("15:04:05.000")
	if turn, err := chat.DecodeTurn(msg.payload); err == nil {
		fmt.Fprintf(m.out, "[%s] %s %s: %s\n", stamp, msg.topic, turn.Role, turn.Content)
		return
	}
	fmt.Fprintf(m.out, "[%s] %s raw: %s\n", stamp, msg.topic, msg.payload)
}
