package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do/v2"

	configloader "github.com/aidtrain/train-backend/external/config"
	exportimpl "github.com/aidtrain/train-backend/external/export"
	repositoryimpl "github.com/aidtrain/train-backend/external/repository"
	signalingimpl "github.com/aidtrain/train-backend/external/signaling"
	transcriberimpl "github.com/aidtrain/train-backend/external/transcriber"
	"github.com/aidtrain/train-backend/internal/config"
	"github.com/aidtrain/train-backend/internal/session"
	"github.com/aidtrain/train-backend/internal/signaling"
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching signaling server")
	runServer(cfg, injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	exportimpl.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	signaling.RegisterDI(injector)
	session.RegisterDI(injector)
	signalingimpl.RegisterDI(injector)

	return injector
}

func runServer(cfg *config.Config, injector do.Injector) {
	wsServer, err := do.Invoke[*signalingimpl.Server](injector)
	if err != nil {
		slog.Error("failed to resolve signaling server", "error", err)
		os.Exit(1)
	}
	registry, err := do.Invoke[*signaling.Registry](injector)
	if err != nil {
		slog.Error("failed to resolve signaling registry", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.SignalingPath+"/", wsServer)
	server := &http.Server{
		Addr:    cfg.HTTPListenAddr,
		Handler: mux,
	}

	done := make(chan struct{})
	go func() {
		slog.Info("startup: listening", "addr", cfg.HTTPListenAddr, "signaling_path", cfg.SignalingPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case <-done:
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	registry.CloseAll()
	<-done
}
