package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"mnemo/internal/console"
)

var (
	chatUser      string
	chatNoSpinner bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		svc, cleanup, err := setup(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		cacheDir, _ := os.UserCacheDir()
		rl, err := console.NewReadline(historyFile(cacheDir))
		if err != nil {
			return err
		}
		defer rl.Close()

		c := console.New(rl, os.Stdout, svc.Handler, svc.Config.Users, console.WithSpinner(!chatNoSpinner))
		return c.Run(ctx, chatUser)
	},
}

// historyFile returns "" when history cannot be kept, which disables it.
func historyFile(cacheDir string) string {
	if cacheDir == "" {
		return ""
	}
	path := filepath.Join(cacheDir, "mnemo", "history")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Debug("readline history disabled", slog.String("path", path), slog.Any("error", err))
		return ""
	}
	return path
}

func init() {
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "", "chat as this roster user id, skipping selection")
	chatCmd.Flags().BoolVar(&chatNoSpinner, "no-spinner", false, "disable the progress indicator")
}
