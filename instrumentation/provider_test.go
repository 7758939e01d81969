package instrumentation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/streamtap/instrumentation/attribution"
	"github.com/BaSui01/streamtap/instrumentation/tracestore"
	"github.com/BaSui01/streamtap/internal/ctxkeys"
	"github.com/BaSui01/streamtap/llm"
	"github.com/BaSui01/streamtap/llm/providers/openaicompat"
	"github.com/BaSui01/streamtap/testutil"
	"github.com/BaSui01/streamtap/testutil/mocks"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func userRequest(content string) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model:    "gpt-test",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: content}},
	}
}

// bareProvider 只实现 llm.Provider，不声明任何可选能力
type bareProvider struct {
	stream func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

func (b *bareProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{ID: "bare"}, nil
}
func (b *bareProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return b.stream(ctx, req)
}
func (b *bareProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (b *bareProvider) Name() string                        { return "bare" }
func (b *bareProvider) SupportsNativeFunctionCalling() bool { return false }

func TestProvider_CompletionReconstructsStream(t *testing.T) {
	store := tracestore.New()
	inner := mocks.NewStreamProvider([]string{"Hello", " ", "world", "!"})
	p := New(inner, store)

	ctx := attribution.WithAgentID(testutil.TestContext(t), "Planner")
	req := userRequest("hi")
	resp, err := p.Completion(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "Hello world!", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, "gpt-test", resp.Model)
	assert.NotEmpty(t, resp.ID)

	turns := store.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "Planner", turns[0].AgentID)
	assert.Equal(t, "Hello world!", turns[0].Content)
	assert.Len(t, turns[0].TokenEmissions, 4)
	testutil.AssertTurnConsistent(t, turns[0])

	assert.Equal(t, 1, inner.GetCallCount(mocks.CallStream))
	assert.Equal(t, 0, inner.GetCallCount(mocks.CallCompletion))
}

func TestProvider_ForcedStreamingRequest(t *testing.T) {
	tests := []struct {
		name          string
		inner         *mocks.MockProvider
		opts          []Option
		callerOptions *llm.StreamOptions
		want          *llm.StreamOptions
	}{
		{
			name:  "usage requested by default",
			inner: mocks.NewStreamProvider([]string{"x"}),
			want:  &llm.StreamOptions{IncludeUsage: true},
		},
		{
			name:          "caller stream options preserved",
			inner:         mocks.NewStreamProvider([]string{"x"}),
			callerOptions: &llm.StreamOptions{IncludeUsage: false},
			want:          &llm.StreamOptions{IncludeUsage: false},
		},
		{
			name:  "provider without stream usage",
			inner: mocks.NewStreamProvider([]string{"x"}).WithStreamUsageSupport(false),
			want:  nil,
		},
		{
			name:  "usage disabled by option",
			inner: mocks.NewStreamProvider([]string{"x"}),
			opts:  []Option{WithIncludeUsage(false)},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.inner, tracestore.New(), tt.opts...)
			req := userRequest("hi")
			req.StreamOptions = tt.callerOptions

			_, err := p.Completion(testutil.TestContext(t), req)
			require.NoError(t, err)

			call := tt.inner.GetLastCall()
			require.NotNil(t, call)
			assert.Equal(t, mocks.CallStream, call.Kind)
			assert.Equal(t, tt.want, call.Request.StreamOptions)
			assert.NotSame(t, req, call.Request)
			assert.Equal(t, tt.callerOptions, req.StreamOptions)
		})
	}
}

func TestProvider_UsesStreamUsage(t *testing.T) {
	inner := mocks.NewStreamProvider([]string{"one", " two"}).WithTokenUsage(12, 2)
	p := New(inner, tracestore.New())

	resp, err := p.Completion(testutil.TestContext(t), userRequest("count"))
	require.NoError(t, err)
	assert.Equal(t, llm.ChatUsage{PromptTokens: 12, CompletionTokens: 2, TotalTokens: 14}, resp.Usage)
}

func TestProvider_EstimatesUsageWithoutStreamUsage(t *testing.T) {
	inner := mocks.NewStreamProvider([]string{"one", " two", " three"}).
		WithTokenUsage(12, 3).
		WithStreamUsageSupport(false)
	p := New(inner, tracestore.New())

	resp, err := p.Completion(testutil.TestContext(t), userRequest("count"))
	require.NoError(t, err)
	assert.Equal(t, llm.ChatUsage{PromptTokens: 0, CompletionTokens: 3, TotalTokens: 3}, resp.Usage)
}

func TestProvider_StreamPassThrough(t *testing.T) {
	store := tracestore.New()
	want := make(chan llm.StreamChunk)
	var gotReq *llm.ChatRequest
	inner := mocks.NewMockProvider().WithStreamFunc(func(_ context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		gotReq = req
		return want, nil
	})
	p := New(inner, store)

	req := userRequest("stream please")
	ch, err := p.Stream(testutil.TestContext(t), req)
	require.NoError(t, err)
	assert.Equal(t, (<-chan llm.StreamChunk)(want), ch)
	assert.Same(t, req, gotReq)
	assert.Nil(t, req.StreamOptions)
	assert.Equal(t, 0, store.TurnCount())
	assert.False(t, store.InProgress())
}

func TestProvider_StreamPassThroughError(t *testing.T) {
	sentinel := errors.New("explicit stream failed")
	inner := mocks.NewMockProvider().WithStreamOpenError(sentinel)
	store := tracestore.New()

	ch, err := New(inner, store).Stream(testutil.TestContext(t), userRequest("x"))
	assert.Nil(t, ch)
	assert.Same(t, sentinel, err)
	assert.Equal(t, 0, store.TurnCount())
	assert.Equal(t, 0, inner.GetCallCount(mocks.CallCompletion))
}

func TestProvider_Fallback(t *testing.T) {
	tests := []struct {
		name      string
		inner     *mocks.MockProvider
		wantEmits int
	}{
		{
			name:      "stream open error",
			inner:     mocks.NewMockProvider().WithResponse("fallback answer").WithStreamOpenError(errors.New("stream not supported")),
			wantEmits: 0,
		},
		{
			name:      "mid-stream error",
			inner:     mocks.NewBrokenStreamProvider(1, "fallback answer"),
			wantEmits: 1,
		},
		{
			name:      "error before any content",
			inner:     mocks.NewBrokenStreamProvider(0, "fallback answer"),
			wantEmits: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tracestore.New()
			reg := prometheus.NewRegistry()
			metrics := NewMetrics("test", reg)
			core, logs := observer.New(zap.WarnLevel)
			p := New(tt.inner, store, WithMetrics(metrics), WithLogger(zap.New(core)))

			ctx := attribution.WithAgentID(testutil.TestContext(t), "Coder")
			req := userRequest("hi")
			resp, err := p.Completion(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, "fallback answer", resp.Choices[0].Message.Content)

			turns := store.Turns()
			require.Len(t, turns, 1)
			assert.Equal(t, "", turns[0].Content)
			assert.Equal(t, "Coder", turns[0].AgentID)
			assert.Len(t, turns[0].TokenEmissions, tt.wantEmits)
			assert.False(t, store.InProgress())

			last := tt.inner.GetLastCall()
			require.NotNil(t, last)
			assert.Equal(t, mocks.CallCompletion, last.Kind)
			assert.Same(t, req, last.Request)

			assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.fallbacksTotal.WithLabelValues("mock")))
			assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.turnsTotal.WithLabelValues("Coder", OutcomeFallback)))
			assert.Equal(t, 1, logs.FilterMessage("streaming failed, falling back to non-streaming completion").Len())
		})
	}
}

func TestProvider_FallbackErrorPropagatesUnchanged(t *testing.T) {
	fallbackErr := &llm.Error{Code: llm.ErrRateLimited, Message: "slow down", Retryable: true}
	inner := mocks.NewMockProvider().
		WithStreamOpenError(errors.New("no streaming")).
		WithError(fallbackErr)
	store := tracestore.New()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)

	resp, err := New(inner, store, WithMetrics(metrics)).Completion(testutil.TestContext(t), userRequest("x"))
	assert.Nil(t, resp)
	assert.Same(t, fallbackErr, err)
	assert.False(t, errors.Is(err, ErrStreamInterrupted))

	assert.Equal(t, 1, store.TurnCount())
	assert.Equal(t, "", store.Turns()[0].Content)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.turnsTotal.WithLabelValues(attribution.Unknown, OutcomeFailed)))
}

func TestProvider_CancelsStreamContextOnReturn(t *testing.T) {
	var streamCtx context.Context
	inner := mocks.NewMockProvider().WithStreamFunc(func(ctx context.Context, _ *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		streamCtx = ctx
		return testutil.SendChunksToChannel(testutil.ContentChunks("c", "m", "done")), nil
	})

	_, err := New(inner, tracestore.New()).Completion(testutil.TestContext(t), userRequest("x"))
	require.NoError(t, err)
	require.NotNil(t, streamCtx)
	assert.ErrorIs(t, streamCtx.Err(), context.Canceled)
}

func TestProvider_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	inner := mocks.NewMockProvider().WithStreamFunc(func(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		cancel()
		return make(chan llm.StreamChunk), nil
	}).WithCompletionFunc(func(ctx context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, ctx.Err()
	})
	store := tracestore.New()

	_, err := New(inner, store).Completion(ctx, userRequest("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.TurnCount())
	assert.False(t, store.InProgress())
}

func TestProvider_HolderAttribution(t *testing.T) {
	store := tracestore.New()
	p := New(mocks.NewStreamProvider([]string{"ok"}), store)

	holder := attribution.NewHolder()
	ctx := attribution.WithHolder(testutil.TestContext(t), holder)

	for _, agent := range []string{"Planner", "Coder"} {
		err := holder.Scoped(agent, func() error {
			_, err := p.Completion(ctx, userRequest("x"))
			return err
		})
		require.NoError(t, err)
	}
	_, err := p.Completion(ctx, userRequest("x"))
	require.NoError(t, err)

	turns := store.Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, "Planner", turns[0].AgentID)
	assert.Equal(t, "Coder", turns[1].AgentID)
	assert.Equal(t, attribution.Unknown, turns[2].AgentID)
	assert.Less(t, turns[0].TurnID, turns[1].TurnID)
}

func TestProvider_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("streamtap", reg)
	p := New(mocks.NewStreamProvider([]string{"a", "b", "c"}), tracestore.New(), WithMetrics(metrics))

	ctx := attribution.WithAgentID(testutil.TestContext(t), "Reviewer")
	for i := 0; i < 2; i++ {
		_, err := p.Completion(ctx, userRequest("x"))
		require.NoError(t, err)
	}

	assert.Equal(t, 2.0, promtestutil.ToFloat64(metrics.turnsTotal.WithLabelValues("Reviewer", OutcomeStreamed)))
	assert.Equal(t, 6.0, promtestutil.ToFloat64(metrics.tokenEmissions.WithLabelValues("Reviewer")))
	assert.Equal(t, 1, promtestutil.CollectAndCount(metrics.turnDuration))
	assert.Equal(t, 0, promtestutil.CollectAndCount(metrics.fallbacksTotal))
}

func TestProvider_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	inner := mocks.NewMockProvider().
		WithStreamOpenError(errors.New("no streaming")).
		WithResponse("ok").
		WithFinishReason("length")
	p := New(inner, tracestore.New(), WithTracerProvider(tp))

	ctx := ctxkeys.WithTraceID(attribution.WithAgentID(testutil.TestContext(t), "Planner"), "trace-1")
	_, err := p.Completion(ctx, userRequest("x"))
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "streamtap.turn", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	attrs := map[string]any{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "Planner", attrs["streamtap.agent_id"])
	assert.Equal(t, int64(1), attrs["streamtap.turn_id"])
	assert.Equal(t, "gpt-test", attrs["llm.model"])
	assert.Equal(t, "length", attrs["llm.finish_reason"])

	var events []string
	for _, ev := range span.Events() {
		events = append(events, ev.Name)
	}
	assert.Contains(t, events, "fallback")
}

func TestNew_DoesNotRewrap(t *testing.T) {
	inner := mocks.NewMockProvider()
	p := New(inner, tracestore.New())
	again := New(p, tracestore.New())
	assert.Same(t, p, again)
	assert.Same(t, inner, p.Unwrap())
}

func TestNew_DefaultStore(t *testing.T) {
	p := New(mocks.NewMockProvider(), nil)
	assert.Same(t, tracestore.Default(), p.Store())
}

func TestProvider_ForwardsCapabilities(t *testing.T) {
	inner := mocks.NewMockProvider().WithName("scripted").WithModel("m-1")
	p := New(inner, tracestore.New())

	assert.Equal(t, "scripted", p.Name())
	assert.True(t, p.SupportsNativeFunctionCalling())
	assert.True(t, p.SupportsStreamUsage())

	status, err := p.HealthCheck(testutil.TestContext(t))
	require.NoError(t, err)
	assert.True(t, status.Healthy)

	models, err := p.ListModels(testutil.TestContext(t))
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "m-1", models[0].ID)
}

func TestProvider_ListModelsUnsupported(t *testing.T) {
	p := New(&bareProvider{}, tracestore.New())
	assert.True(t, p.SupportsStreamUsage())
	assert.False(t, p.SupportsNativeFunctionCalling())

	_, err := p.ListModels(testutil.TestContext(t))
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrProviderUnavailable, llmErr.Code)
}

func TestProvider_NilStreamFallsBack(t *testing.T) {
	inner := &bareProvider{stream: func(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		return nil, nil
	}}
	store := tracestore.New()

	resp, err := New(inner, store).Completion(testutil.TestContext(t), userRequest("x"))
	require.NoError(t, err)
	assert.Equal(t, "bare", resp.ID)
	assert.Equal(t, 1, store.TurnCount())
}

func TestProvider_NilRequestFallsBackToTransportError(t *testing.T) {
	var posts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"messages is required","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	inner := openaicompat.New(openaicompat.Config{ProviderName: "compat", BaseURL: server.URL}, nil)
	store := tracestore.New()
	p := New(inner, store)

	resp, err := p.Completion(testutil.TestContext(t), nil)
	assert.Nil(t, resp)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrInvalidRequest, llmErr.Code)
	assert.Equal(t, "chat request is nil", llmErr.Message)

	// 只有强制流式的空请求到达上游，降级调用在传输层被拒绝
	assert.Equal(t, 1, posts)
	assert.Equal(t, 1, store.TurnCount())
	assert.False(t, store.InProgress())
}
