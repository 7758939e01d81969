package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/BaSui01/streamtap/llm"
	"go.uber.org/zap"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries"`    // 最大重试次数
	InitialDelay  time.Duration `json:"initial_delay"`  // 首次退避延迟
	MaxDelay      time.Duration `json:"max_delay"`      // 退避上限
	BackoffFactor float64       `json:"backoff_factor"` // 指数退避因子
	RetryableOnly bool          `json:"retryable_only"` // 只重试标记为 Retryable 的 llm.Error
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		RetryableOnly: true,
	}
}

// RetryableProvider 为 llm.Provider 的 Completion 与建立流式连接增加指数退避重试。
// 流建立之后的中途错误不重试。
type RetryableProvider struct {
	inner  llm.Provider
	config RetryConfig
	logger *zap.Logger
}

var (
	_ llm.Provider           = (*RetryableProvider)(nil)
	_ llm.ModelLister        = (*RetryableProvider)(nil)
	_ llm.StreamUsageCapable = (*RetryableProvider)(nil)
)

// NewRetryableProvider 创建重试包装
func NewRetryableProvider(inner llm.Provider, config RetryConfig, logger *zap.Logger) *RetryableProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryableProvider{
		inner:  inner,
		config: config,
		logger: logger.With(zap.String("component", "retry_provider"), zap.String("provider", inner.Name())),
	}
}

func (p *RetryableProvider) Name() string { return p.inner.Name() }

func (p *RetryableProvider) SupportsNativeFunctionCalling() bool {
	return p.inner.SupportsNativeFunctionCalling()
}

func (p *RetryableProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

// SupportsStreamUsage 转发 inner 的声明，未声明时视为支持
func (p *RetryableProvider) SupportsStreamUsage() bool {
	if c, ok := p.inner.(llm.StreamUsageCapable); ok {
		return c.SupportsStreamUsage()
	}
	return true
}

// ListModels 转发到 inner
func (p *RetryableProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	if l, ok := p.inner.(llm.ModelLister); ok {
		return l.ListModels(ctx)
	}
	return nil, fmt.Errorf("%s does not support listing models", p.inner.Name())
}

// Completion 在瞬时错误上重试
func (p *RetryableProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	var resp *llm.ChatResponse
	err := p.retry(ctx, "completion", func() error {
		var err error
		resp, err = p.inner.Completion(ctx, req)
		return err
	})
	return resp, err
}

// Stream 只重试建立连接阶段
func (p *RetryableProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	var ch <-chan llm.StreamChunk
	err := p.retry(ctx, "stream", func() error {
		var err error
		ch, err = p.inner.Stream(ctx, req)
		return err
	})
	return ch, err
}

func (p *RetryableProvider) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.calculateDelay(attempt)
			p.logger.Debug("retrying "+op,
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		// 不可重试的错误原样返回
		if !p.shouldRetry(err) {
			return err
		}
		p.logger.Warn(op+" failed, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return fmt.Errorf("%s failed after %d retries: %w", op, p.config.MaxRetries, lastErr)
}

func (p *RetryableProvider) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if !p.config.RetryableOnly {
		return true
	}
	var llmErr *llm.Error
	return errors.As(err, &llmErr) && llmErr.Retryable
}

func (p *RetryableProvider) calculateDelay(attempt int) time.Duration {
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffFactor, float64(attempt-1))
	if delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}
	return time.Duration(delay)
}
