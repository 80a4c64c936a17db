package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ffbot/api"
	"ffbot/config"
	"ffbot/ffmpeg"
	"ffbot/logger"
	"ffbot/notify"
	"ffbot/pipeline"
	"ffbot/task"
	"ffbot/telegram"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and, when BOT_TOKEN is set, the Telegram bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		log, err := logger.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer log.Sync()

		return serve(cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg *config.Config, log *logger.Logger) error {
	runner, err := ffmpeg.NewRunner(cfg, task.NewRegistry(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize ffmpeg runner: %w", err)
	}

	hub := api.NewHub(log)
	opts := []pipeline.Option{pipeline.WithObserver(hub)}

	var bot *telegram.Bot
	var chat api.ChatStatus
	if cfg.BotToken != "" {
		bot, err = telegram.New(cfg.BotToken, log)
		if err != nil {
			return err
		}
		chat = bot.Client
		opts = append(opts,
			pipeline.WithNotifier(notify.New(bot.Client, cfg.ProgressInterval, log)),
			pipeline.WithDeliverer(bot.Client),
		)
	}

	pm, err := pipeline.NewManager(cfg, runner, log, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pm.Start(ctx); err != nil {
		return err
	}
	if bot != nil {
		go bot.Run(ctx, pm)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.SetupRouter(pm, hub, chat, cfg, log),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	stop()
	log.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	// Live tasks were cancelled when ctx ended; let them be reaped, killed
	// after the grace period if need be, and cleaned up.
	if err := pm.Wait(shutdownCtx); err != nil {
		log.Warn("jobs still running at exit", zap.Error(err))
	}

	log.Info("server exiting")
	return nil
}
