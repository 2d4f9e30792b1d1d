package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dicecast/dicecast/internal/config"
	"github.com/dicecast/dicecast/internal/server"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.ServerFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().
		Str("port", cfg.Port).
		Str("event_bus", cfg.EventBus).
		Msg("starting round dev server")

	var bus server.Bus
	switch cfg.EventBus {
	case "nats":
		natsCfg := server.DefaultNATSBusConfig()
		natsCfg.URL = cfg.NATSURL
		natsBus, err := server.NewNATSBus(natsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect event bus")
		}
		bus = natsBus
	default:
		bus = server.NewInProcBus()
	}
	defer bus.Close()

	simCfg := server.SimulatorConfig{
		LeadTime:      time.Duration(cfg.LeadTimeSec) * time.Second,
		RoundDuration: time.Duration(cfg.RoundDurSec) * time.Second,
		RevealDelay:   time.Duration(cfg.RevealDelayMs) * time.Millisecond,
		IdleGap:       time.Duration(cfg.IdleGapSec) * time.Second,
		CancelEvery:   cfg.CancelEvery,
	}
	sim := server.NewSimulator(simCfg, clockwork.NewRealClock(), bus)
	gw := server.NewGateway(server.DefaultGatewayConfig(), sim)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx, bus); err != nil {
		log.Fatal().Err(err).Msg("failed to start gateway")
	}
	go func() {
		if err := sim.Run(ctx); err != nil {
			log.Error().Err(err).Msg("simulator stopped")
		}
	}()

	mux := http.NewServeMux()
	server.RegisterRoutes(mux, sim, gw)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: cors.AllowAll().Handler(mux),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}
