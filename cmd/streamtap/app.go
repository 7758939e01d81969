package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/streamtap/config"
	"github.com/BaSui01/streamtap/instrumentation"
	"github.com/BaSui01/streamtap/instrumentation/attribution"
	"github.com/BaSui01/streamtap/instrumentation/tracestore"
	"github.com/BaSui01/streamtap/internal/ctxkeys"
	"github.com/BaSui01/streamtap/llm"
	"github.com/BaSui01/streamtap/llm/providers"
	"github.com/BaSui01/streamtap/llm/providers/openaicompat"
	"github.com/BaSui01/streamtap/testutil/mocks"
)

// mockReply 是 --mock 上游逐词流式输出的内容
const mockReply = "Streaming instrumentation records every token of this reply."

// constructor 与 llm.DefaultProviderFactory 的注册签名一致
type constructor func(apiKey, baseURL string) (llm.Provider, error)

// app 组装一次运行所需的工厂、安装器、轨迹存储与指标注册表
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	factory   *llm.DefaultProviderFactory
	installer *instrumentation.Installer
	store     *tracestore.Store
	registry  *prometheus.Registry
	provider  llm.Provider
	handler   llm.Handler
}

func newApp(cfg *config.Config, logger *zap.Logger, tp trace.TracerProvider, upstream constructor) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := tracestore.New(tracestore.WithLogger(logger))
	factory := llm.NewDefaultProviderFactory()
	factory.RegisterProvider(cfg.Provider.Name, upstream)

	installer := instrumentation.NewInstaller(factory, store,
		instrumentation.WithLogger(logger),
		instrumentation.WithMetrics(instrumentation.NewMetrics(cfg.Instrumentation.MetricsNamespace, registry)),
		instrumentation.WithTracerProvider(tp),
		instrumentation.WithUsageEstimator(newEstimator(cfg.Instrumentation.UsageEstimator, logger)),
		instrumentation.WithIncludeUsage(cfg.Instrumentation.IncludeUsage),
	)
	if cfg.Instrumentation.Enabled {
		installer.Install()
	}

	provider, err := factory.CreateProvider(cfg.Provider.Name, cfg.Provider.APIKey, cfg.Provider.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	handler := llm.NewChain(
		llm.RecoveryMiddleware(func(v any) { logger.Error("completion panicked", zap.Any("panic", v)) }),
		llm.LoggingMiddleware(logger),
	).Then(llm.CompletionHandler(provider))

	return &app{
		cfg:       cfg,
		logger:    logger,
		factory:   factory,
		installer: installer,
		store:     store,
		registry:  registry,
		provider:  provider,
		handler:   handler,
	}, nil
}

func newEstimator(name string, logger *zap.Logger) instrumentation.UsageEstimator {
	if name == config.EstimatorTiktoken {
		return instrumentation.NewTokenizerEstimator(logger)
	}
	return instrumentation.WordCountEstimator{}
}

// openAICompatConstructor 构造指向配置上游的 OpenAI 兼容 provider，
// MaxRetries > 0 时在外层包一层重试
func openAICompatConstructor(cfg config.ProviderConfig, logger *zap.Logger) constructor {
	return func(apiKey, baseURL string) (llm.Provider, error) {
		if baseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required", cfg.Name)
		}
		streamUsage := cfg.SupportsStreamUsage
		var p llm.Provider = openaicompat.New(openaicompat.Config{
			ProviderName:        cfg.Name,
			APIKey:              apiKey,
			BaseURL:             baseURL,
			DefaultModel:        cfg.Model,
			Timeout:             cfg.Timeout,
			SupportsStreamUsage: &streamUsage,
		}, logger)
		if cfg.MaxRetries > 0 {
			retry := providers.DefaultRetryConfig()
			retry.MaxRetries = cfg.MaxRetries
			p = providers.NewRetryableProvider(p, retry, logger)
		}
		return p, nil
	}
}

// mockConstructor 构造逐词流式输出 mockReply 的本地上游
func mockConstructor(cfg config.ProviderConfig, delay time.Duration) constructor {
	return func(_, _ string) (llm.Provider, error) {
		return mocks.NewMockProvider().
			WithName(cfg.Name).
			WithModel(cfg.Model).
			WithResponse(mockReply).
			WithStreamChunks(splitWords(mockReply)).
			WithStreamUsageSupport(cfg.SupportsStreamUsage).
			WithDelay(delay), nil
	}
}

// splitWords 按空格切分并保留分隔符，拼接后与原文一致
func splitWords(s string) []string {
	words := strings.SplitAfter(s, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// runAgents 为每个 agent 依次执行一次 completion。
// 同一 Store 同时只有一个进行中的 turn，因此不并发。
func (a *app) runAgents(ctx context.Context, agents []string, prompt string) error {
	runID := uuid.NewString()
	ctx = ctxkeys.WithRunID(ctx, runID)
	logger := a.logger.With(zap.String("run_id", runID))

	for _, agentID := range agents {
		err := attribution.Scoped(ctx, agentID, func(ctx context.Context) error {
			resp, err := a.handler(ctx, &llm.ChatRequest{
				TraceID:  uuid.NewString(),
				Model:    a.cfg.Provider.Model,
				Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			})
			if err != nil {
				return err
			}
			choice, err := llm.FirstChoice(resp)
			if err != nil {
				return err
			}
			logger.Info("turn completed",
				zap.String("agent_id", agentID),
				zap.String("response_id", resp.ID),
				zap.String("finish_reason", choice.FinishReason),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens))
			return nil
		})
		if err != nil {
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
	}
	return nil
}

// parseAgents 解析逗号分隔的 agent 列表，空项被忽略
func parseAgents(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return []string{"assistant"}
	}
	return out
}
