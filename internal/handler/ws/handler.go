// Package ws mirrors the transcript to browsers over a websocket and accepts
// turns and clear requests from them.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/service/ai"
	"github.com/zhouzirui/chatmirror/backend/internal/service/relay"
)

const (
	defaultPongWait = 60 * time.Second
	writeWait       = 10 * time.Second
)

// Conversation is what a socket can drive. *relay.Runner implements it.
type Conversation interface {
	Submit(ctx context.Context, text string) (string, error)
	Clear(ctx context.Context) error
	Snapshot(ctx context.Context) (relay.Snapshot, error)
	Subscribe() (<-chan relay.Snapshot, func())
}

// Handler WebSocket 处理器
type Handler struct {
	conversation Conversation
	upgrader     websocket.Upgrader
	pongWait     time.Duration
	logger       *zap.Logger
}

func New(conversation Conversation, logger *zap.Logger) *Handler {
	return &Handler{
		conversation: conversation,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pongWait: defaultPongWait,
		logger:   logging.OrNop(logger).Named("http.ws"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// socket serializes writes; gorilla allows one concurrent writer.
type socket struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *zap.Logger
}

func (s *socket) send(msgType string, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := s.conn.WriteJSON(outgoingMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Debug("websocket write failed", zap.String("type", msgType), zap.Error(err))
	}
	return err
}

func (s *socket) sendError(message string) {
	_ = s.send("error", map[string]string{"message": message})
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sock := &socket{conn: conn, logger: h.logger}
	h.logger.Info("websocket connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	updates, unsubscribe := h.conversation.Subscribe()
	defer unsubscribe()

	initial, err := h.conversation.Snapshot(ctx)
	if err != nil {
		sock.sendError("conversation unavailable")
		return
	}
	if err := sock.send("snapshot", initial); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		h.pingLoop(ctx, sock)
	}()
	go func() {
		defer wg.Done()
		h.pushLoop(ctx, sock, updates, initial.Version)
	}()

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))

		switch msg.Type {
		case "text":
			var text TextMessage
			if err := json.Unmarshal(msg.Data, &text); err != nil {
				sock.sendError("invalid text payload")
				continue
			}
			// Completion can outlast the read deadline, so it runs beside the read loop.
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.submit(ctx, sock, text.Text)
			}()
		case "clear":
			if err := h.conversation.Clear(ctx); err != nil {
				sock.sendError("conversation unavailable")
			}
		default:
			sock.sendError("unsupported message type: " + msg.Type)
		}
	}
}

func (h *Handler) submit(ctx context.Context, sock *socket, text string) {
	reply, err := h.conversation.Submit(ctx, text)
	if err != nil {
		var completionErr *ai.CompletionError
		if errors.As(err, &completionErr) {
			_ = sock.send("error", map[string]any{
				"message": completionErr.Error(),
				"status":  completionErr.Status,
				"raw":     completionErr.Body,
			})
			return
		}
		sock.sendError(err.Error())
		return
	}
	if reply == "" {
		return
	}
	_ = sock.send("reply", map[string]string{"text": reply})
}

func (h *Handler) pushLoop(ctx context.Context, sock *socket, updates <-chan relay.Snapshot, lastVersion uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Version <= lastVersion {
				continue
			}
			lastVersion = snap.Version
			if err := sock.send("snapshot", snap); err != nil {
				return
			}
		}
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, sock *socket) {
	ticker := time.NewTicker(h.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sock.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
