package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dicecast/dicecast/internal/config"
	"github.com/dicecast/dicecast/internal/engine"
	"github.com/dicecast/dicecast/internal/render"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.ViewerFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().
		Str("server_url", cfg.ServerURL).
		Str("channel_url", cfg.ChannelURL).
		Msg("starting dicecast viewer")

	engCfg := engine.DefaultConfig(cfg.ServerURL, cfg.ChannelURL)
	engCfg.Channel.BackoffBase = cfg.BackoffBase()
	engCfg.Channel.MaxAttempts = cfg.MaxAttempts
	engCfg.TimeSyncInterval = cfg.TimeSyncInterval()

	console := render.NewConsole(os.Stdout)
	eng := engine.New(engCfg, clockwork.NewRealClock(), console)
	eng.OnProgress(console.Progress)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	// SIGHUP forces a manual reconnect, which is the only way back from
	// an exhausted connection.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			eng.Reconnect()
			continue
		}
		break
	}

	cancel()
	eng.Close()

	st := eng.Status()
	log.Info().
		Str("state", string(st.State)).
		Str("round_id", st.RoundID).
		Bool("connected", st.Connected).
		Msg("shutting down")
}
