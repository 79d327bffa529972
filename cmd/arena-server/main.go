package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/chess-arena/internal/arenabuilder"
	appcfg "github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/obslog"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(obslog.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Console: cfg.LogConsole,
		ToFile:  cfg.LogToFile,
		File:    cfg.LogFile,
		Caller:  cfg.LogCaller,
	}); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := arenabuilder.New(ctx, cfg)
	if err != nil {
		obslog.L().Fatal("arena_init_failed", zap.Error(err))
	}
	defer func() {
		if err := deps.Close(); err != nil {
			obslog.L().Warn("arena_close_failed", zap.Error(err))
		}
	}()

	if n, err := deps.Registry.Rehydrate(ctx); err != nil {
		obslog.L().Warn("arena_rehydrate_failed", zap.Error(err))
	} else {
		obslog.L().Info("arena_rehydrated", zap.Int("sessions", n))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           deps.Gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obslog.L().Info("arena_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return deps.Matcher.Run(gctx) })
	g.Go(func() error { return deps.Registry.Run(gctx, cfg.IdleSweepInterval) })
	g.Go(func() error {
		<-gctx.Done()
		deps.Gateway.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			obslog.L().Warn("arena_http_shutdown_failed", zap.Error(err))
		}
		if err := deps.Registry.Shutdown(sctx); err != nil {
			obslog.L().Warn("arena_registry_shutdown_failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		obslog.L().Error("arena_exit", zap.Error(err))
	}
	obslog.L().Info("arena_stopped")
}
