// =============================================================================
// streamtap 主入口
// =============================================================================
// 安装流式埋点后按 agent 依次执行 completion，输出逐 token 的 turn 轨迹
//
// 使用方法:
//
//	streamtap run --prompt "hello"                    # 调用配置中的上游
//	streamtap run --mock --agents planner,critic      # 使用内置 mock 上游
//	streamtap run --config streamtap.yaml --serve     # 运行后保持 /metrics 与 /turns
//	streamtap version                                 # 显示版本信息
// =============================================================================

package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/streamtap/config"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		if err := runTurns(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "streamtap: %v\n", err)
			os.Exit(1)
		}
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("streamtap %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`streamtap - per-token timing for LLM chat completions

Usage:
  streamtap <command> [options]

Commands:
  run       Run one instrumented completion per agent and print the turn traces
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>        Path to configuration file (YAML)
  --agents <a,b,...>     Agent ids, one turn each (default "assistant")
  --prompt <text>        User message sent on every turn
  --mock                 Use the built-in mock upstream instead of the configured provider
  --metrics-addr <addr>  Serve /metrics and /turns on this address
  --serve                Keep serving after the turns finish, until SIGINT/SIGTERM

Examples:
  streamtap run --mock --agents planner,critic
  STREAMTAP_PROVIDER_API_KEY=sk-... streamtap run --prompt "Say hi"
  streamtap run --mock --metrics-addr :9090 --serve`)
}

// initLogger 根据日志配置构建 zap logger
func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
