// =============================================================================
// 📦 streamtap 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Provider:        DefaultProviderConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
		Log:             DefaultLogConfig(),
		Telemetry:       DefaultTelemetryConfig(),
	}
}

// DefaultProviderConfig 返回默认上游配置
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Name:                "openai",
		BaseURL:             "https://api.openai.com",
		APIKey:              "",
		Model:               "gpt-4o-mini",
		Timeout:             2 * time.Minute,
		SupportsStreamUsage: true,
		MaxRetries:          2,
	}
}

// DefaultInstrumentationConfig 返回默认埋点配置
func DefaultInstrumentationConfig() InstrumentationConfig {
	return InstrumentationConfig{
		Enabled:          true,
		IncludeUsage:     true,
		UsageEstimator:   EstimatorWords,
		MetricsNamespace: "streamtap",
		MetricsAddr:      "",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "streamtap",
		SampleRate:   0.1,
	}
}
