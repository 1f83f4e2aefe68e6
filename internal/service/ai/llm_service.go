package ai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatmirror/backend/internal/config"
	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
)

// Request is one completion call: fixed instructions, the prior transcript
// and the new user input.
type Request struct {
	System  string
	History []chat.Turn
	Query   string
}

// Service encapsulates the completion backend behind an eino chat template.
type Service struct {
	chatModel    model.BaseChatModel
	template     prompt.ChatTemplate
	historyLimit int
	timeout      time.Duration
	modelName    string
	logger       *zap.Logger
}

// NewService builds the chat model selected by cfg.Provider.
func NewService(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("completion backend not configured: API_KEY and AI_MODEL are required")
	}

	var chatModel model.BaseChatModel
	switch cfg.Provider {
	case config.ProviderArk:
		arkModel, err := cfg.NewArkChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		chatModel = arkModel
	default:
		chatModel = NewHTTPModel(HTTPModelConfig{
			URL:    cfg.APIURL,
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
			Client: &http.Client{},
		})
	}

	return NewServiceWithModel(chatModel, cfg, logger), nil
}

// NewServiceWithModel wires an existing chat model.
func NewServiceWithModel(chatModel model.BaseChatModel, cfg config.AIConfig, logger *zap.Logger) *Service {
	return &Service{
		chatModel: chatModel,
		template: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.MessagesPlaceholder("history", true),
			schema.UserMessage("{query}"),
		),
		historyLimit: cfg.HistoryLimit,
		timeout:      cfg.Timeout,
		modelName:    cfg.Model,
		logger:       logging.OrNop(logger).Named("ai"),
	}
}

// Complete renders req and returns the assistant's reply text. Every error is
// a *CompletionError.
func (s *Service) Complete(ctx context.Context, req Request) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	messages, err := s.template.Format(ctx, s.buildInput(req))
	if err != nil {
		return "", &CompletionError{Err: fmt.Errorf("format prompt: %w", err)}
	}

	start := time.Now()
	response, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		completionErr := AsCompletionError(err)
		s.logger.Warn("completion failed",
			zap.String("model", s.modelName),
			zap.Int("status", completionErr.Status),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(completionErr.Err))
		return "", completionErr
	}
	if response == nil {
		return "", &CompletionError{Err: fmt.Errorf("%w: empty message", ErrMalformedResponse)}
	}

	s.logger.Debug("completion succeeded",
		zap.String("model", s.modelName),
		zap.Int("messages", len(messages)),
		zap.Int("length", len(response.Content)),
		zap.Duration("elapsed", time.Since(start)))
	return response.Content, nil
}

func (s *Service) buildInput(req Request) map[string]any {
	return map[string]any{
		"system":  req.System,
		"history": s.buildHistoryMessages(req.History),
		"query":   req.Query,
	}
}

func (s *Service) buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	startIdx := 0
	if s.historyLimit > 0 && len(turns) > s.historyLimit {
		startIdx = len(turns) - s.historyLimit
	}

	history := make([]*schema.Message, 0, len(turns)-startIdx)
	for _, turn := range turns[startIdx:] {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		case chat.RoleSystem:
			history = append(history, schema.SystemMessage(turn.Content))
		}
	}
	return history
}
