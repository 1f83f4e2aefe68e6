package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatmirror/backend/internal/config"
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
)

const nominalReply = `{"choices":[{"message":{"role":"assistant","content":"All lines nominal."}}]}`

type capturedRequest struct {
	Authorization string
	ContentType   string
	Body          completionRequest
}

func newCompletionServer(t *testing.T, status int, body string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			captured.Authorization = r.Header.Get("Authorization")
			captured.ContentType = r.Header.Get("Content-Type")
			raw, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(raw, &captured.Body))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func testAIConfig(url string) config.AIConfig {
	return config.AIConfig{
		Provider: config.ProviderOpenAI,
		APIURL:   url,
		APIKey:   "sk-test",
		Model:    "gpt-4-turbo-2024-04-09",
		Timeout:  5 * time.Second,
	}
}

func newTestService(t *testing.T, url string, mutate ...func(*config.AIConfig)) *Service {
	t.Helper()
	cfg := testAIConfig(url)
	for _, fn := range mutate {
		fn(&cfg)
	}
	svc, err := NewService(context.Background(), cfg, nil)
	require.NoError(t, err)
	return svc
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	var captured capturedRequest
	server := newCompletionServer(t, http.StatusOK, nominalReply, &captured)
	svc := newTestService(t, server.URL)

	reply, err := svc.Complete(context.Background(), Request{
		System: "You plan production.",
		History: []chat.Turn{
			chat.UserTurn("hello"),
			chat.AssistantTurn("Planning hub online."),
		},
		Query: "status?",
	})
	require.NoError(t, err)
	assert.Equal(t, "All lines nominal.", reply)

	assert.Equal(t, "Bearer sk-test", captured.Authorization)
	assert.Equal(t, "application/json", captured.ContentType)
	assert.Equal(t, "gpt-4-turbo-2024-04-09", captured.Body.Model)
	assert.Equal(t, []wireMessage{
		{Role: "system", Content: "You plan production."},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "Planning hub online."},
		{Role: "user", Content: "status?"},
	}, captured.Body.Messages)
}

func TestCompleteTrimsHistoryToLimit(t *testing.T) {
	var captured capturedRequest
	server := newCompletionServer(t, http.StatusOK, nominalReply, &captured)
	svc := newTestService(t, server.URL, func(cfg *config.AIConfig) { cfg.HistoryLimit = 1 })

	_, err := svc.Complete(context.Background(), Request{
		System:  "sys",
		History: []chat.Turn{chat.UserTurn("old"), chat.AssistantTurn("recent")},
		Query:   "next",
	})
	require.NoError(t, err)

	require.Len(t, captured.Body.Messages, 3)
	assert.Equal(t, wireMessage{Role: "assistant", Content: "recent"}, captured.Body.Messages[1])
}

func TestCompleteKeepsBracesInContent(t *testing.T) {
	var captured capturedRequest
	server := newCompletionServer(t, http.StatusOK, nominalReply, &captured)
	svc := newTestService(t, server.URL)

	_, err := svc.Complete(context.Background(), Request{System: "sys", Query: `reply with {"ok": true}`})
	require.NoError(t, err)
	assert.Equal(t, `reply with {"ok": true}`, captured.Body.Messages[len(captured.Body.Messages)-1].Content)
}

func TestCompleteNonSuccessStatus(t *testing.T) {
	server := newCompletionServer(t, http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, nil)
	svc := newTestService(t, server.URL)

	_, err := svc.Complete(context.Background(), Request{System: "sys", Query: "status?"})

	var completionErr *CompletionError
	require.True(t, errors.As(err, &completionErr), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, completionErr.Status)
	assert.Equal(t, `{"error":{"message":"bad key"}}`, completionErr.Body)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestCompleteMalformedBodies(t *testing.T) {
	cases := map[string]string{
		"not json":        `<html>gateway</html>`,
		"no choices":      `{"choices":[]}`,
		"missing message": `{"choices":[{}]}`,
		"missing content": `{"choices":[{"message":{"role":"assistant"}}]}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			server := newCompletionServer(t, http.StatusOK, body, nil)
			svc := newTestService(t, server.URL)

			_, err := svc.Complete(context.Background(), Request{Query: "status?"})

			var completionErr *CompletionError
			require.True(t, errors.As(err, &completionErr), "got %v", err)
			assert.ErrorIs(t, err, ErrMalformedResponse)
			assert.Equal(t, http.StatusOK, completionErr.Status)
			assert.Equal(t, body, completionErr.Body)
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	svc := newTestService(t, server.URL, func(cfg *config.AIConfig) { cfg.Timeout = 50 * time.Millisecond })

	_, err := svc.Complete(context.Background(), Request{Query: "status?"})

	var completionErr *CompletionError
	require.True(t, errors.As(err, &completionErr), "got %v", err)
	assert.Zero(t, completionErr.Status)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompleteTransportFailure(t *testing.T) {
	server := newCompletionServer(t, http.StatusOK, nominalReply, nil)
	url := server.URL
	server.Close()

	svc := newTestService(t, url)
	_, err := svc.Complete(context.Background(), Request{Query: "status?"})

	var completionErr *CompletionError
	require.True(t, errors.As(err, &completionErr), "got %v", err)
	assert.Zero(t, completionErr.Status)
}

type failingModel struct{}

func (failingModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, errors.New("quota exhausted")
}

func (failingModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("quota exhausted")
}

func TestCompleteWrapsForeignModelErrors(t *testing.T) {
	svc := NewServiceWithModel(failingModel{}, testAIConfig(""), nil)

	_, err := svc.Complete(context.Background(), Request{Query: "status?"})

	var completionErr *CompletionError
	require.True(t, errors.As(err, &completionErr), "got %v", err)
	assert.EqualError(t, completionErr.Err, "quota exhausted")
}

func TestNewServiceRequiresCredentials(t *testing.T) {
	cfg := testAIConfig("https://api.openai.com/v1/chat/completions")
	cfg.APIKey = ""

	_, err := NewService(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestHTTPModelStreamYieldsSingleChunk(t *testing.T) {
	server := newCompletionServer(t, http.StatusOK, nominalReply, nil)
	m := NewHTTPModel(HTTPModelConfig{URL: server.URL, APIKey: "k", Model: "m"})

	stream, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("status?")})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "All lines nominal.", chunk.Content)
	assert.Equal(t, schema.Assistant, chunk.Role)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHTTPModelHonoursModelOption(t *testing.T) {
	var captured capturedRequest
	server := newCompletionServer(t, http.StatusOK, nominalReply, &captured)
	m := NewHTTPModel(HTTPModelConfig{URL: server.URL, APIKey: "k", Model: "default-model"})

	_, err := m.Generate(context.Background(),
		[]*schema.Message{schema.UserMessage("status?")},
		model.WithModel("override-model"), model.WithTemperature(0.2))
	require.NoError(t, err)

	assert.Equal(t, "override-model", captured.Body.Model)
	require.NotNil(t, captured.Body.Temperature)
	assert.InDelta(t, 0.2, *captured.Body.Temperature, 0.0001)
}
