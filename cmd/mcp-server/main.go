package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/app"
	"github.com/patrickwarner/adguard/internal/config"
	"github.com/patrickwarner/adguard/internal/observability"
)

const serverVersion = "1.0.0"

func main() {
	cfg := config.Load()

	// stdout carries the protocol, so logs go to stderr
	logger, err := observability.InitStderrLogger(cfg.ServiceName + "-mcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, cfg); err != nil {
		logger.Error("mcp server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, nil, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	server := newServer(a, logger)
	logger.Info("MCP server running via stdio")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run mcp server: %w", err)
	}
	return nil
}

func newServer(a *app.App, logger *zap.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "adguard",
		Version: serverVersion,
	}, nil)
	tools := &GuardrailTools{app: a, logger: logger.Named("tools")}
	tools.register(server)
	return server
}
