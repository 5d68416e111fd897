package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Brownie44l1/pneumo-api/internal/config"
	"github.com/Brownie44l1/pneumo-api/internal/handlers"
	"github.com/Brownie44l1/pneumo-api/internal/inference"
	"github.com/Brownie44l1/pneumo-api/internal/logger"
	"github.com/Brownie44l1/pneumo-api/internal/model"
)

func main() {
	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	fs.String("model", "", "weights file")
	fs.String("port", "", "listen port")
	fs.Bool("watch", false, "reload the model when the weights file changes")
	fs.String("log-level", "", "log level")
	fs.String("log-format", "", "log format (json or console)")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	defer log.Sync()

	cache := inference.NewCache(inference.FileOpener(cfg.OpenOptions()), model.NewMock(cfg.Inference.MockSeed), log)
	defer func() {
		cache.Close()
		model.ShutdownRuntime()
	}()

	// Load once at startup; requests reuse the cached instance.
	m := cache.Load(cfg.Model.Path)

	engine := inference.NewEngine(inference.Options{
		OverlayAlpha: cfg.Inference.OverlayAlpha,
		MockSeed:     cfg.Inference.MockSeed,
	}, log)
	handler := handlers.NewHandler(cache, engine, cfg.Model.Path, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Inference.Watch {
		watcher, err := inference.NewWatcher(cache, cfg.Model.Path, log)
		if err != nil {
			log.Fatal("failed to watch weights file", zap.Error(err))
		}
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("model", cfg.Model.Path),
			zap.String("arch", string(m.Config().Arch)),
			zap.Bool("mock", model.IsMock(m)),
			zap.Bool("watch", cfg.Inference.Watch),
		)
		log.Info("endpoints",
			zap.Strings("routes", []string{
				"GET /health",
				"POST /predict",
				"POST /predict/image",
				"GET /metrics",
			}),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	log.Info("server stopped")
}
