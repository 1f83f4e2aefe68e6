package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const maxResponseBody = 1 << 20

// HTTPModelConfig points HTTPModel at an OpenAI-style chat completions endpoint.
type HTTPModelConfig struct {
	URL    string
	APIKey string
	Model  string
	Client *http.Client
}

// HTTPModel is an eino chat model speaking the plain chat-completions
// contract: a bearer-authenticated POST of {"model","messages"} answered by
// 200 and choices[0].message.content.
type HTTPModel struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

var _ model.BaseChatModel = (*HTTPModel)(nil)

func NewHTTPModel(cfg HTTPModelConfig) *HTTPModel {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPModel{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		client: client,
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message *struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate posts input and returns the first choice. Every failure is a
// *CompletionError carrying the raw body when one was read.
func (m *HTTPModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{Model: &m.model}, opts...)

	reqBody := completionRequest{
		Model:       m.model,
		Messages:    make([]wireMessage, 0, len(input)),
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	}
	if options.Model != nil && *options.Model != "" {
		reqBody.Model = *options.Model
	}
	for _, msg := range input {
		if msg == nil {
			continue
		}
		reqBody.Messages = append(reqBody.Messages, wireMessage{Role: string(msg.Role), Content: msg.Content})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &CompletionError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &CompletionError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &CompletionError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &CompletionError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &CompletionError{Status: resp.StatusCode, Body: string(body), Err: ErrUnexpectedStatus}
	}

	var decoded completionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &CompletionError{Status: resp.StatusCode, Body: string(body), Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if len(decoded.Choices) == 0 {
		return nil, &CompletionError{Status: resp.StatusCode, Body: string(body), Err: fmt.Errorf("%w: no choices", ErrMalformedResponse)}
	}
	message := decoded.Choices[0].Message
	if message == nil || message.Content == nil {
		return nil, &CompletionError{Status: resp.StatusCode, Body: string(body), Err: fmt.Errorf("%w: choice has no message content", ErrMalformedResponse)}
	}

	return schema.AssistantMessage(*message.Content, nil), nil
}

// Stream delivers the whole reply as a single chunk; the endpoint contract
// has no incremental mode.
func (m *HTTPModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}
