package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/streamtap/config"
	"github.com/BaSui01/streamtap/internal/server"
	"github.com/BaSui01/streamtap/internal/telemetry"
)

// runTurns 实现 run 子命令
func runTurns(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	agents := fs.String("agents", "assistant", "Comma separated agent ids, one turn each")
	prompt := fs.String("prompt", "Explain token streaming in one sentence.", "User message sent on every turn")
	useMock := fs.Bool("mock", false, "Use the built-in mock upstream")
	metricsAddr := fs.String("metrics-addr", "", "Serve /metrics and /turns on this address")
	serve := fs.Bool("serve", false, "Keep serving after the turns finish")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader := config.NewLoader().WithValidator(func(c *config.Config) error { return c.Validate() })
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *metricsAddr != "" {
		cfg.Instrumentation.MetricsAddr = *metricsAddr
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting streamtap",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.String("provider", cfg.Provider.Name),
		zap.Bool("mock", *useMock),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	upstream := openAICompatConstructor(cfg.Provider, logger)
	if *useMock {
		upstream = mockConstructor(cfg.Provider, 20*time.Millisecond)
	}

	a, err := newApp(cfg, logger, otelProviders.TracerProvider(), upstream)
	if err != nil {
		return err
	}
	defer a.installer.Uninstall()

	var srv *server.Manager
	if cfg.Instrumentation.MetricsAddr != "" {
		srvCfg := server.DefaultConfig()
		srvCfg.Addr = cfg.Instrumentation.MetricsAddr
		srv = server.NewManager(newExportHandler(a.store, a.registry, logger), srvCfg, logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	ctx := context.Background()
	if err := a.runAgents(ctx, parseAgents(*agents), *prompt); err != nil {
		return err
	}
	if err := writeTurns(os.Stdout, a.store); err != nil {
		return err
	}

	if srv != nil && *serve {
		logger.Info("serving turn traces", zap.String("addr", srv.Addr()))
		srv.WaitForShutdown(ctx)
	}
	return nil
}

// writeTurns 以缩进 JSON 输出已完成的 turn
func writeTurns(w io.Writer, store turnSource) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(store.TurnMaps())
}
