package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"mnemo/internal/agent"
	"mnemo/internal/config"
	"mnemo/internal/logger"
	"mnemo/internal/trace"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mnemo",
		Short:         "mnemo is a conversational agent with long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(gatewayCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// setup loads config, installs the logger and tracer and connects every
// backend. The returned func releases them.
func setup(ctx context.Context) (*agent.Services, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	shutdownTrace, err := trace.Init(ctx, trace.Config{
		Enabled:  cfg.Trace.Enabled,
		Endpoint: cfg.Trace.Endpoint,
		URLPath:  cfg.Trace.URLPath,
		APIKey:   cfg.Trace.APIKey,
	})
	if err != nil {
		return nil, nil, err
	}

	svc, err := agent.Init(ctx, cfg)
	if err != nil {
		_ = shutdownTrace(context.Background())
		return nil, nil, err
	}

	cleanup := func() {
		if err := svc.Shutdown(context.Background()); err != nil {
			slog.Warn("shutdown failed", slog.Any("error", err))
		}
		if err := shutdownTrace(context.Background()); err != nil {
			slog.Warn("trace shutdown failed", slog.Any("error", err))
		}
	}
	return svc, cleanup, nil
}
