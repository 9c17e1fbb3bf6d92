package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andy6609/chatrelay/internal/chat"
	"github.com/andy6609/chatrelay/internal/config"
	"github.com/andy6609/chatrelay/internal/history"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cobra.Command{
		Use:           "chatrelay-server",
		Short:         "Relay broadcast and direct chat events between connected users",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := config.ApplyFlags(&cfg, cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringP("config", "c", "", "optional YAML config file")
	config.RegisterFlags(cmd.Flags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))

	full, closeLog, err := openLog(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLog()

	srv := chat.NewServer(chat.Options{
		Addr:           cfg.Addr(),
		History:        history.NewStore(cfg.HistorySize, full),
		Location:       cfg.Location(),
		RouterBuffer:   cfg.RouterBuffer,
		OutboundBuffer: cfg.OutboundBuffer,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		FlushTimeout:   cfg.FlushTimeout,
	}, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		srv.Stop()
		return nil
	})
	if cfg.MetricsAddr != "" {
		metrics := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics endpoint started", "addr", cfg.MetricsAddr)
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.FlushTimeout)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func openLog(cfg config.Config, logger *slog.Logger) (history.Log, func(), error) {
	if cfg.HistoryBackend != config.BackendBadger {
		return history.NewMemoryLog(), func() {}, nil
	}
	db, err := history.OpenInMemory()
	if err != nil {
		return nil, nil, fmt.Errorf("open badger: %w", err)
	}
	full, err := history.NewBadgerLog(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logger.Info("full history kept in badger (in-memory)")
	return full, func() { _ = db.Close() }, nil
}
