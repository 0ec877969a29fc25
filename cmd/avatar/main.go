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
	"github.com/sourcegraph/conc"

	router "github.com/dkeye/LiveAvatar/internal/adapters/http"
	"github.com/dkeye/LiveAvatar/internal/adapters/rtc"
	sig "github.com/dkeye/LiveAvatar/internal/adapters/signal"
	"github.com/dkeye/LiveAvatar/internal/adapters/sink"
	"github.com/dkeye/LiveAvatar/internal/app"
	"github.com/dkeye/LiveAvatar/internal/app/live"
	"github.com/dkeye/LiveAvatar/internal/config"
	"github.com/dkeye/LiveAvatar/internal/observability"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	v := config.New()
	cfg, err := config.LoadFrom(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	metrics := observability.NewMetrics("avatar", nil)

	surface, err := sink.Open(cfg.Sinks.Video)
	if err != nil {
		log.Fatal().Err(err).Str("sink", cfg.Sinks.Video).Msg("video sink")
	}
	defer surface.Close()

	ctrl := live.NewController(live.Options{
		Sessions: sig.Factory(sig.Options{
			RTC:        rtc.DefaultWebRTCConfig(cfg.RTC.ICEServers),
			Label:      cfg.Session.Label,
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
		}),
		Surface:    surface,
		AudioSinks: sink.Factory(cfg.Sinks.Audio),
		Metrics:    metrics,
	})

	hub := app.NewBroadcaster(app.NewRegistry(), app.PolicyByName(cfg.Viewers.Policy), metrics)
	ctrl.OnChange(hub.Publish)

	apply := func(c *config.Config) {
		avatar, err := c.Avatar()
		if err != nil {
			log.Error().Err(err).Msg("invalid avatar config")
			return
		}
		ctrl.Apply(avatar)
	}
	apply(cfg)
	config.Watch(v, apply)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Avatar:      ctrl,
		Broadcaster: hub,
		Metrics:     observability.Handler(nil),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		log.Info().Str("addr", addr).Msg("LiveAvatar server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	})
	wg.Go(func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		ctrl.Teardown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
	})
	wg.Wait()
	log.Info().Msg("Server exited gracefully")
}
