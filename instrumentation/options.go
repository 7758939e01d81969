package instrumentation

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/streamtap/instrumentation"

// Option 配置拦截层
type Option func(*options)

type options struct {
	logger         *zap.Logger
	metrics        *Metrics
	tracerProvider trace.TracerProvider
	estimator      UsageEstimator
	includeUsage   bool
	now            func() time.Time
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		estimator:    WordCountEstimator{},
		includeUsage: true,
		now:          time.Now,
	}
}

func (o options) tracer() trace.Tracer {
	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics 设置 Prometheus 指标；默认不记录指标
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracerProvider 设置 span 使用的 TracerProvider；默认使用全局 provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithUsageEstimator 设置上游未返回用量时的估算器
func WithUsageEstimator(e UsageEstimator) Option {
	return func(o *options) {
		if e != nil {
			o.estimator = e
		}
	}
}

// WithIncludeUsage 控制强制流式请求是否附带 stream_options.include_usage（默认 true）
func WithIncludeUsage(include bool) Option {
	return func(o *options) { o.includeUsage = include }
}

// WithClock 替换响应 created 回退值使用的时间源
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
