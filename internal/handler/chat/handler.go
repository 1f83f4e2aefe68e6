package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
	"github.com/zhouzirui/chatmirror/backend/internal/service/ai"
	"github.com/zhouzirui/chatmirror/backend/internal/service/conversation"
	"github.com/zhouzirui/chatmirror/backend/internal/service/relay"
	"github.com/zhouzirui/chatmirror/backend/pkg/utils"
)

// Conversation 是处理器依赖的会话操作，*relay.Runner 实现了它。
type Conversation interface {
	Submit(ctx context.Context, text string) (string, error)
	Clear(ctx context.Context) error
	Snapshot(ctx context.Context) (relay.Snapshot, error)
	Session() chat.Session
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	conversation Conversation
	logger       *zap.Logger
}

// New 创建聊天处理器
func New(conversation Conversation, logger *zap.Logger) *Handler {
	return &Handler{
		conversation: conversation,
		logger:       logging.OrNop(logger).Named("http.chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleSubmit)
	r.Get("/transcript", h.handleTranscript)
	r.Delete("/transcript", h.handleClear)
	r.Get("/session", h.handleSession)
}

type completionFailure struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
	Raw    string `json:"raw"`
}

// handleSubmit 提交一条用户消息并等待助手回复
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(payload.Content) == "" {
		utils.RespondError(w, http.StatusBadRequest, "content is required")
		return
	}

	reply, err := h.conversation.Submit(r.Context(), payload.Content)
	if err != nil {
		h.respondSubmitError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (h *Handler) respondSubmitError(w http.ResponseWriter, err error) {
	var completionErr *ai.CompletionError
	switch {
	case errors.Is(err, conversation.ErrSubmissionPending):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &completionErr):
		h.logger.Warn("completion failed", zap.Int("status", completionErr.Status), zap.Error(completionErr.Err))
		utils.RespondJSON(w, http.StatusBadGateway, completionFailure{
			Error:  completionErr.Error(),
			Status: completionErr.Status,
			Raw:    completionErr.Body,
		})
	default:
		h.respondUnavailable(w, err)
	}
}

// handleTranscript 返回当前对话记录
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.conversation.Snapshot(r.Context())
	if err != nil {
		h.respondUnavailable(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snapshot)
}

// handleClear 清空对话记录，不影响频道订阅
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.conversation.Clear(r.Context()); err != nil {
		h.respondUnavailable(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSession 返回频道会话状态
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.conversation.Session())
}

func (h *Handler) respondUnavailable(w http.ResponseWriter, err error) {
	h.logger.Error("conversation unavailable", zap.Error(err))
	utils.RespondError(w, http.StatusServiceUnavailable, "conversation unavailable")
}
