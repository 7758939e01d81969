package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/streamtap/llm"
	"github.com/BaSui01/streamtap/llm/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func boolPtr(b bool) *bool { return &b }

func collect(t *testing.T, ch <-chan llm.StreamChunk) []llm.StreamChunk {
	t.Helper()
	var out []llm.StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
			return nil
		}
	}
}

func sseServer(t *testing.T, events []string, check func(body providers.OpenAICompatRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body providers.OpenAICompatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if check != nil {
			check(body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

// ---------------------------------------------------------------------------
// New() constructor
// ---------------------------------------------------------------------------

func TestNew_Defaults(t *testing.T) {
	tests := []struct {
		name             string
		cfg              Config
		logger           *zap.Logger
		wantEndpoint     string
		wantModels       string
		wantToolsSupport bool
		wantStreamUsage  bool
	}{
		{
			name:             "all defaults applied",
			cfg:              Config{ProviderName: "test"},
			wantEndpoint:     "/v1/chat/completions",
			wantModels:       "/v1/models",
			wantToolsSupport: true,
			wantStreamUsage:  true,
		},
		{
			name: "custom endpoint paths preserved",
			cfg: Config{
				ProviderName:   "custom",
				EndpointPath:   "/api/chat",
				ModelsEndpoint: "/api/models",
			},
			logger:           zap.NewNop(),
			wantEndpoint:     "/api/chat",
			wantModels:       "/api/models",
			wantToolsSupport: true,
			wantStreamUsage:  true,
		},
		{
			name: "capabilities disabled",
			cfg: Config{
				ProviderName:        "legacy",
				SupportsTools:       boolPtr(false),
				SupportsStreamUsage: boolPtr(false),
			},
			wantEndpoint:     "/v1/chat/completions",
			wantModels:       "/v1/models",
			wantToolsSupport: false,
			wantStreamUsage:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, tt.logger)
			require.NotNil(t, p)
			assert.Equal(t, tt.wantEndpoint, p.Cfg.EndpointPath)
			assert.Equal(t, tt.wantModels, p.Cfg.ModelsEndpoint)
			assert.Equal(t, tt.cfg.ProviderName, p.Name())
			assert.Equal(t, tt.wantToolsSupport, p.SupportsNativeFunctionCalling())
			assert.Equal(t, tt.wantStreamUsage, p.SupportsStreamUsage())
			assert.NotNil(t, p.Logger)
		})
	}
}

func TestNew_Timeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, New(Config{ProviderName: "t"}, nil).Client.Timeout)
	assert.Equal(t, 10*time.Second, New(Config{ProviderName: "t", Timeout: 10 * time.Second}, nil).Client.Timeout)
}

func TestSetBuildHeaders(t *testing.T) {
	p := New(Config{ProviderName: "test", APIKey: "key"}, nil)

	called := false
	p.SetBuildHeaders(func(r *http.Request, apiKey string) {
		called = true
		r.Header.Set("X-Custom", apiKey)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	p.buildHeaders(req, "key")
	assert.True(t, called)
	assert.Equal(t, "key", req.Header.Get("X-Custom"))
}

// ---------------------------------------------------------------------------
// Completion
// ---------------------------------------------------------------------------

func TestProvider_Completion_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body providers.OpenAICompatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.False(t, body.Stream)
		assert.Nil(t, body.StreamOptions)
		assert.Equal(t, "gpt-test", body.Model)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(providers.OpenAICompatResponse{
			ID:      "resp-1",
			Model:   "gpt-test",
			Created: 1234567890,
			Choices: []providers.OpenAICompatChoice{{
				Index:        0,
				FinishReason: "stop",
				Message:      providers.OpenAICompatMessage{Role: "assistant", Content: "Hello!"},
			}},
			Usage: &providers.OpenAICompatUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		})
	}))
	defer server.Close()

	p := New(Config{ProviderName: "test", APIKey: "test-key", BaseURL: server.URL, DefaultModel: "gpt-test"}, nil)
	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages:      []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		StreamOptions: &llm.StreamOptions{IncludeUsage: true},
	})
	require.NoError(t, err)

	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, "test", resp.Provider)
	assert.Equal(t, time.Unix(1234567890, 0), resp.CreatedAt)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello!", resp.Choices[0].Message.Content)
	assert.Equal(t, llm.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestProvider_Completion_HTTPErrors(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  llm.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, llm.ErrUnauthorized, false},
		{http.StatusTooManyRequests, llm.ErrRateLimited, true},
		{http.StatusBadRequest, llm.ErrInvalidRequest, false},
		{http.StatusServiceUnavailable, llm.ErrUpstreamError, true},
		{http.StatusGatewayTimeout, llm.ErrUpstreamTimeout, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"test_error"}}`)
			}))
			defer server.Close()

			p := New(Config{ProviderName: "test", BaseURL: server.URL}, nil)
			_, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
			require.Error(t, err)

			var llmErr *llm.Error
			require.ErrorAs(t, err, &llmErr)
			assert.Equal(t, tt.wantCode, llmErr.Code)
			assert.Equal(t, tt.retryable, llmErr.Retryable)
			assert.Equal(t, "nope (type: test_error)", llmErr.Message)
		})
	}
}

func TestProvider_NilRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("nil request must not reach the upstream, got %s %s", r.Method, r.URL.Path)
	}))
	defer server.Close()
	p := New(Config{ProviderName: "test", BaseURL: server.URL}, nil)

	_, err := p.Completion(context.Background(), nil)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrInvalidRequest, llmErr.Code)
	assert.Equal(t, http.StatusBadRequest, llmErr.HTTPStatus)
	assert.False(t, llmErr.Retryable)

	ch, err := p.Stream(context.Background(), nil)
	assert.Nil(t, ch)
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrInvalidRequest, llmErr.Code)
}

func TestProvider_Completion_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	p := New(Config{ProviderName: "test", BaseURL: url}, nil)
	_, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})

	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrUpstreamError, llmErr.Code)
	assert.True(t, llmErr.Retryable)
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

func TestProvider_Stream_ContentAndUsage(t *testing.T) {
	events := []string{
		`{"id":"c1","model":"gpt-test","created":1700000000,"choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c1","model":"gpt-test","created":1700000000,"choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`{"id":"c1","model":"gpt-test","created":1700000000,"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		`[DONE]`,
	}
	server := sseServer(t, events, func(body providers.OpenAICompatRequest) {
		assert.True(t, body.Stream)
		require.NotNil(t, body.StreamOptions)
		assert.True(t, body.StreamOptions.IncludeUsage)
	})
	defer server.Close()

	p := New(Config{ProviderName: "test", BaseURL: server.URL}, nil)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Model:         "gpt-test",
		StreamOptions: &llm.StreamOptions{IncludeUsage: true},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Delta.Content)
	assert.Equal(t, time.Unix(1700000000, 0), chunks[0].CreatedAt)
	assert.Equal(t, "lo", chunks[1].Delta.Content)
	assert.Equal(t, "stop", chunks[1].FinishReason)
	assert.Empty(t, chunks[2].Delta.Content)
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 5, chunks[2].Usage.TotalTokens)
	for _, c := range chunks {
		assert.Nil(t, c.Err)
		assert.Equal(t, "c1", c.ID)
	}
}

func TestProvider_Stream_OmitsUnsupportedStreamOptions(t *testing.T) {
	server := sseServer(t, []string{`[DONE]`}, func(body providers.OpenAICompatRequest) {
		assert.True(t, body.Stream)
		assert.Nil(t, body.StreamOptions)
	})
	defer server.Close()

	p := New(Config{ProviderName: "legacy", BaseURL: server.URL, SupportsStreamUsage: boolPtr(false)}, nil)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Model:         "m",
		StreamOptions: &llm.StreamOptions{IncludeUsage: true},
	})
	require.NoError(t, err)
	assert.Empty(t, collect(t, ch))
}

func TestProvider_Stream_ToolCallFragments(t *testing.T) {
	events := []string{
		`{"id":"c2","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":""}}]}}]}`,
		`{"id":"c2","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`{"id":"c2","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}
	server := sseServer(t, events, nil)
	defer server.Close()

	p := New(Config{ProviderName: "test", BaseURL: server.URL}, nil)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0].Delta.ToolCalls, 1)
	assert.Equal(t, "call_1", chunks[0].Delta.ToolCalls[0].ID)
	assert.Equal(t, "lookup", chunks[0].Delta.ToolCalls[0].Name)
	assert.Equal(t, `{"q":`, string(chunks[1].Delta.ToolCalls[0].Arguments))
	assert.Equal(t, `"x"}`, string(chunks[2].Delta.ToolCalls[0].Arguments))
	assert.Equal(t, "tool_calls", chunks[2].FinishReason)
}

func TestProvider_Stream_MalformedEvent(t *testing.T) {
	server := sseServer(t, []string{
		`{"id":"c3","model":"m","choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		`{not json`,
	}, nil)
	defer server.Close()

	p := New(Config{ProviderName: "test", BaseURL: server.URL}, nil)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "ok", chunks[0].Delta.Content)
	require.NotNil(t, chunks[1].Err)
	assert.Equal(t, llm.ErrStreamInterrupted, chunks[1].Err.Code)
}

func TestProvider_Stream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"stream_options not supported"}}`)
	}))
	defer server.Close()

	p := New(Config{ProviderName: "test", BaseURL: server.URL}, nil)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	assert.Nil(t, ch)

	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrInvalidRequest, llmErr.Code)
}

func TestStreamSSE_ContextCancelClosesChannel(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	ch := StreamSSE(ctx, pr, "test")
	go func() {
		_, _ = io.WriteString(pw, "data: {\"id\":\"c\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n")
	}()

	first := <-ch
	assert.Equal(t, "a", first.Delta.Content)

	cancel()
	_, _ = io.WriteString(pw, "data: {\"id\":\"c\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"b\"}}]}\n\n")
	_ = pw.Close()

	for range ch {
	}
}

func TestStreamSSE_IgnoresCommentsAndTrailingLine(t *testing.T) {
	body := io.NopCloser(strings.NewReader(": keep-alive\n\nevent: message\ndata: {\"id\":\"c\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}"))
	chunks := collect(t, StreamSSE(context.Background(), body, "test"))
	require.Len(t, chunks, 1)
	assert.Equal(t, "x", chunks[0].Delta.Content)
}

// ---------------------------------------------------------------------------
// HealthCheck / ListModels
// ---------------------------------------------------------------------------

func TestProvider_HealthCheckAndListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"gpt-test","object":"model","owned_by":"me"}]}`)
	}))
	defer server.Close()

	p := New(Config{ProviderName: "test", BaseURL: server.URL}, nil)

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-test", models[0].ID)
}

func TestProvider_HealthCheckUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := New(Config{ProviderName: "test", BaseURL: server.URL}, nil)
	status, err := p.HealthCheck(context.Background())
	require.Error(t, err)
	assert.False(t, status.Healthy)
}
