package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mnemo/internal/channels"
	"mnemo/internal/config"
	"mnemo/internal/gateway"
)

var gatewayAddr string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, cleanup, err := setup(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		cfg := svc.Config
		if gatewayAddr != "" {
			cfg.Gateway.Addr = gatewayAddr
		}

		chs, err := buildChannels(cfg, svc.Handler)
		if err != nil {
			return err
		}

		srv := gateway.NewServer(svc.Handler,
			gateway.WithToken(cfg.Gateway.Token),
			gateway.WithMetrics(svc.Metrics),
			gateway.WithChannels(chs...),
		)
		slog.Info("starting gateway", slog.String("addr", cfg.Gateway.Addr), slog.Int("channels", len(chs)))
		return srv.ListenAndServe(ctx, cfg.Gateway.Addr)
	},
}

func init() {
	gatewayCmd.Flags().StringVarP(&gatewayAddr, "addr", "a", "", "override gateway listen address")
}

func buildChannels(cfg *config.Config, replier channels.Replier) ([]channels.Channel, error) {
	var chs []channels.Channel
	for name, ch := range cfg.Channels {
		if ch == nil || !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "telegram":
			tg, err := channels.TelegramFromConfig(ch, replier)
			if err != nil {
				return nil, err
			}
			chs = append(chs, tg)
		default:
			slog.Warn("unknown channel type", slog.String("name", name), slog.String("type", ch.Type))
		}
	}
	return chs, nil
}
