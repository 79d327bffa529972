// Package arenabuilder assembles the server's components from config.
package arenabuilder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/gateway"
	"github.com/park285/chess-arena/internal/matchmaking"
	"github.com/park285/chess-arena/internal/msgcat"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/ratingfeed"
	"github.com/park285/chess-arena/internal/registry"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/sink"
	"github.com/park285/chess-arena/internal/store"
)

type Deps struct {
	Store    store.Store
	Queue    matchmaking.Queue
	Sink     sink.Sink
	Registry *registry.Registry
	Matcher  *matchmaking.Matcher
	Gateway  *gateway.Server

	redis   *redis.Client
	closers []func() error
}

func New(ctx context.Context, cfg *config.AppConfig) (*Deps, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	d := &Deps{}

	// Store and queue share one Redis client; without REDIS_URL both stay in process.
	var rawStore store.Store
	if cfg.RedisURL != "" {
		opts, err := store.ParseRedisURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		d.redis = rdb
		d.closers = append(d.closers, rdb.Close)
		rawStore = store.NewRedis(rdb)
		d.Queue = matchmaking.NewRedis(rdb, matchmaking.WithEntryTTL(cfg.QueueEntryTTL))
	} else {
		obslog.L().Warn("arena_redis_disabled", zap.String("reason", "REDIS_URL empty; sessions are not shared across processes"))
		rawStore = store.NewMemory()
		d.Queue = matchmaking.NewMemory()
	}
	d.Store = store.NewRetrying(rawStore, cfg.StoreRetries, cfg.StoreTimeout)

	db, closeDB, err := sink.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open sink: %w", err)
	}
	d.closers = append(d.closers, closeDB)
	sinks := sink.Multi{sink.NewRetrying(db, cfg.SinkRetries, 200*time.Millisecond)}
	if cfg.RatingFeedURL != "" {
		feed := sink.NewAsync(ratingfeed.NewClient(cfg.RatingFeedURL), 256)
		d.closers = append(d.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return feed.Close(ctx)
		})
		sinks = append(sinks, feed)
	}
	d.Sink = sinks

	d.Registry = registry.New(registry.Options{
		Store:  d.Store,
		Oracle: rules.NewChess(),
		Sink:   d.Sink,
		TTL:    cfg.SessionTTL,
		Grace:  cfg.ReconnectGrace,
	})

	var verifier *auth.Verifier
	if !cfg.AuthDisabled {
		verifier, err = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, nil)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("init verifier: %w", err)
		}
	}
	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("load messages: %w", err)
	}

	hub := gateway.NewHub()
	d.Matcher = matchmaking.NewMatcher(d.Queue, d.Registry, d.Registry, hub, matchmaking.Options{
		DefaultSkill:  cfg.DefaultSkill,
		SweepInterval: cfg.MatchSweepInterval,
	})
	d.Gateway = gateway.New(gateway.Options{
		Matcher:        d.Matcher,
		Registry:       d.Registry,
		Hub:            hub,
		Verifier:       verifier,
		Catalog:        catalog,
		AllowedOrigins: cfg.AllowedOrigins,
		Health:         d.health,
	})
	return d, nil
}

func (d *Deps) health(ctx context.Context) error {
	if d.redis == nil {
		return nil
	}
	return d.redis.Ping(ctx).Err()
}

// Close releases backends in reverse order of acquisition.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
