package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/streamtap/instrumentation/attribution"
	"github.com/BaSui01/streamtap/instrumentation/tracestore"
	"github.com/BaSui01/streamtap/internal/ctxkeys"
	"github.com/BaSui01/streamtap/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Provider 是 llm.Provider 的拦截装饰器。
//
// Completion 在内部强制走流式调用，逐片记录 token 时间并重建非流式响应；
// 流式失败时结束当前 turn 并降级为一次普通的非流式调用。
// Stream 原样透传，不记录 turn.
type Provider struct {
	inner  llm.Provider
	store  *tracestore.Store
	opts   options
	tracer trace.Tracer
	logger *zap.Logger
}

var (
	_ llm.Provider           = (*Provider)(nil)
	_ llm.ModelLister        = (*Provider)(nil)
	_ llm.StreamUsageCapable = (*Provider)(nil)
)

// New 包装 inner。inner 已经是 *Provider 时原样返回；store 为 nil 时使用 tracestore.Default().
func New(inner llm.Provider, store *tracestore.Store, opts ...Option) *Provider {
	if p, ok := inner.(*Provider); ok {
		return p
	}
	if store == nil {
		store = tracestore.Default()
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Provider{
		inner:  inner,
		store:  store,
		opts:   o,
		tracer: o.tracer(),
		logger: o.logger.With(zap.String("component", "instrumentation"), zap.String("provider", inner.Name())),
	}
}

// Unwrap 返回被包装的原始 Provider
func (p *Provider) Unwrap() llm.Provider { return p.inner }

// Store 返回记录轨迹的 Store
func (p *Provider) Store() *tracestore.Store { return p.store }

// Completion 以强制流式的方式执行一次 turn，返回重建后的非流式响应
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	agentID := attribution.AgentID(ctx)
	turnID := p.store.StartTurn(agentID)
	start := time.Now()

	model := ""
	if req != nil {
		model = req.Model
	}
	ctx, span := p.tracer.Start(ctx, "streamtap.turn",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64("streamtap.turn_id", turnID),
			attribute.String("streamtap.agent_id", agentID),
			attribute.String("llm.provider", p.inner.Name()),
			attribute.String("llm.model", model),
		))
	defer span.End()

	logger := p.logger.With(zap.Int64("turn_id", turnID), zap.String("agent_id", agentID))
	if traceID, ok := ctxkeys.TraceID(ctx); ok {
		logger = logger.With(zap.String("trace_id", traceID))
	}
	if runID, ok := ctxkeys.RunID(ctx); ok {
		logger = logger.With(zap.String("run_id", runID))
	}

	resp, streamErr := p.streamTurn(ctx, req)
	if streamErr == nil {
		span.SetAttributes(
			attribute.Int("streamtap.token_emissions", resp.emissions),
			attribute.String("llm.finish_reason", llm.FinishReason(resp.response)),
		)
		span.SetStatus(codes.Ok, "")
		p.opts.metrics.recordTurn(agentID, OutcomeStreamed, resp.emissions, time.Since(start))
		logger.Debug("turn reconstructed",
			zap.String("model", resp.response.Model),
			zap.Int("tokens", resp.emissions))
		return resp.response, nil
	}

	// 流式失败：以空内容结束 turn，再执行一次原始请求
	ended, _ := p.store.EndTurn("")
	p.opts.metrics.recordFallback(p.inner.Name())
	span.RecordError(streamErr)
	span.AddEvent("fallback")
	logger.Warn("streaming failed, falling back to non-streaming completion",
		zap.Error(streamErr),
		zap.Int("tokens", len(ended.TokenEmissions)))

	fallback, err := p.inner.Completion(ctx, req)
	if err != nil {
		p.opts.metrics.recordTurn(agentID, OutcomeFailed, len(ended.TokenEmissions), time.Since(start))
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("fallback completion failed", zap.Error(err))
		return nil, err
	}
	p.opts.metrics.recordTurn(agentID, OutcomeFallback, len(ended.TokenEmissions), time.Since(start))
	span.SetAttributes(attribute.String("llm.finish_reason", llm.FinishReason(fallback)))
	span.SetStatus(codes.Ok, "")
	return fallback, nil
}

type streamResult struct {
	response  *llm.ChatResponse
	emissions int
}

// streamTurn 发起强制流式调用并重建响应。返回时取消子 context，确保上游读取协程退出.
func (p *Provider) streamTurn(ctx context.Context, req *llm.ChatRequest) (*streamResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := p.inner.Stream(streamCtx, p.streamingRequest(req))
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %w", ErrStreamInterrupted, err)
	}
	if chunks == nil {
		return nil, fmt.Errorf("%w: provider returned no stream", ErrStreamInterrupted)
	}

	r := &Reconstructor{
		store:     p.store,
		estimator: p.opts.estimator,
		provider:  p.inner.Name(),
		now:       p.opts.now,
	}
	resp, turn, err := r.reconstruct(streamCtx, chunks)
	if err != nil {
		return nil, err
	}
	return &streamResult{response: resp, emissions: len(turn.TokenEmissions)}, nil
}

// streamingRequest 返回用于强制流式调用的请求副本，调用方的请求不会被修改
func (p *Provider) streamingRequest(req *llm.ChatRequest) *llm.ChatRequest {
	out := req.Clone()
	if out.StreamOptions == nil && p.opts.includeUsage && p.SupportsStreamUsage() {
		out.StreamOptions = &llm.StreamOptions{IncludeUsage: true}
	}
	return out
}

// Stream 透传显式的流式调用
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return p.inner.Stream(ctx, req)
}

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

func (p *Provider) Name() string { return p.inner.Name() }

func (p *Provider) SupportsNativeFunctionCalling() bool {
	return p.inner.SupportsNativeFunctionCalling()
}

// SupportsStreamUsage 转发 inner 的声明；inner 未声明时视为支持
func (p *Provider) SupportsStreamUsage() bool {
	if c, ok := p.inner.(llm.StreamUsageCapable); ok {
		return c.SupportsStreamUsage()
	}
	return true
}

// ListModels 转发到 inner；inner 不支持列出模型时返回错误
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	if l, ok := p.inner.(llm.ModelLister); ok {
		return l.ListModels(ctx)
	}
	return nil, &llm.Error{
		Code:       llm.ErrProviderUnavailable,
		Message:    fmt.Sprintf("%s does not support listing models", p.inner.Name()),
		HTTPStatus: http.StatusNotImplemented,
		Provider:   p.inner.Name(),
	}
}
