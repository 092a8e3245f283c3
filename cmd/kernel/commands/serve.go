package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/application"
	"github.com/loomlab/loom/kernel/internal/infrastructure/config"
	"github.com/loomlab/loom/kernel/internal/infrastructure/logger"
	httpiface "github.com/loomlab/loom/kernel/internal/interfaces/http"
	"github.com/loomlab/loom/kernel/internal/interfaces/telegram"
	"github.com/loomlab/loom/kernel/pkg/safego"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kernel: HTTP interface, event stream, and enabled channel adapters",
	RunE: func(cmd *cobra.Command, args []string) error {
		bootLogger, err := logger.New(logger.Config{Level: "info", Format: "console"})
		if err != nil {
			return err
		}

		if err := config.Bootstrap(configDir, bootLogger); err != nil {
			return err
		}
		cfg, err := config.Load(configDir)
		if err != nil {
			return err
		}

		log, err := logger.New(logger.Config{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			OutputPath: cfg.Log.OutputPath,
		})
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		app, err := application.New(cfg, application.Options{ConfigDir: configDir}, log)
		if err != nil {
			return err
		}
		if err := app.Start(); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if cfg.Telegram.Enabled {
			adapter, err := telegram.New(cfg.Telegram, app.Registry, log)
			if err != nil {
				log.Error("Telegram adapter failed to start", zap.Error(err))
			} else {
				safego.Go(log, "telegram-adapter", func() { adapter.Start(ctx) })
				defer adapter.Stop()
			}
		}

		server := httpiface.NewServer(app, log)
		errCh := make(chan error, 1)
		safego.Go(log, "http-server", func() { errCh <- server.Start() })

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			app.Stop()
			return err
		case sig := <-sigCh:
			log.Info("Shutting down", zap.String("signal", sig.String()))
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
		app.Stop()
		return nil
	},
}
