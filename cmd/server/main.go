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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/Evian1k/sparkmatch/internal/adapters/http"
	"github.com/Evian1k/sparkmatch/internal/adapters/ws"
	"github.com/Evian1k/sparkmatch/internal/app"
	"github.com/Evian1k/sparkmatch/internal/auth"
	"github.com/Evian1k/sparkmatch/internal/call"
	"github.com/Evian1k/sparkmatch/internal/config"
	"github.com/Evian1k/sparkmatch/internal/presence"
	"github.com/Evian1k/sparkmatch/internal/registry"
	"github.com/Evian1k/sparkmatch/internal/rooms"
	"github.com/Evian1k/sparkmatch/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	redisClient, err := presence.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	presenceStore := presence.NewRedisStore(redisClient, cfg.PresenceTTL)

	db, err := store.Connect(cfg.PostgresDSN, cfg.Mode == "debug")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	reg := registry.NewRegistry()
	roomMgr := rooms.NewManager(db)
	callMgr := call.NewManager(cfg.RingTimeout, nil)

	limiter := app.NewRateLimiter(cfg.EventRateLimit, cfg.EventRateWindow)
	rtr := app.NewRouter(reg, roomMgr, callMgr, presenceStore, presenceStore, db, limiter, cfg.InstanceID)
	callMgr.SetTimeoutHandler(rtr.OnCallTimeout)

	verifier := auth.NewJWTVerifier(cfg.Secret)
	lifecycle := app.NewLifecycle(verifier, reg, roomMgr, callMgr, presenceStore, db, rtr, cfg.InstanceID, cfg.StaleAfter)

	ctl := &ws.Controller{
		Lifecycle:  lifecycle,
		Router:     rtr,
		SendBuffer: cfg.SendBuffer,
		ReadLimit:  cfg.ReadLimit,
	}

	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("instance", cfg.InstanceID).Msg("coordinator started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return rtr.RunRelay(gctx)
	})
	g.Go(func() error {
		return lifecycle.RunSweep(gctx, cfg.SweepEvery)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Close live sockets first so Shutdown is not left waiting out its
		// drain timeout on idle connections.
		reg.CloseAll()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("coordinator exited with error")
	}
	log.Info().Msg("coordinator exited gracefully")
}
