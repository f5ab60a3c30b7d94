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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Call/internal/adapters/http"
	relaysignal "github.com/dkeye/Call/internal/adapters/signal"
	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/app/orch"
	"github.com/dkeye/Call/internal/auth"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/metrics"
	"github.com/dkeye/Call/internal/repository"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	db, err := repository.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	members := repository.NewSQLiteMembers(db)
	for _, seed := range cfg.Conversations {
		uids := make([]domain.UserID, 0, len(seed.Members))
		for _, m := range seed.Members {
			uids = append(uids, domain.UserID(m))
		}
		if err := members.AddMembers(ctx, domain.ConversationID(seed.ID), uids...); err != nil {
			return fmt.Errorf("seed conversation %s: %w", seed.ID, err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Channels: app.NewChannelManager(),
		Policy:   app.PolicyByName(cfg.BackpressurePolicy),
		Members:  members,
		Metrics:  metrics.NewRelay(reg),
		Prefix:   cfg.ChannelPrefix,
		Secret:   []byte(cfg.Secret),
	}
	limiter := relaysignal.NewSignalRateLimiter(cfg.SignalRateLimit, cfg.SignalRateInterval)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:     o,
		Tokens:   auth.NewTokens(cfg.JWTSecret),
		Limiter:  limiter,
		Gatherer: reg,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.WithCORS(r, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Call relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Sweep()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})
	return g.Wait()
}
