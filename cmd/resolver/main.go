// Resolver is the out-of-band outcome pipeline. It periodically walks
// positions whose outcome is still null and settles them against the venue
// oracles, on a cron schedule.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xfade/mirrorbot/config"
	"github.com/0xfade/mirrorbot/resolver"
	"github.com/0xfade/mirrorbot/storage"
	"github.com/0xfade/mirrorbot/venues/kalshi"
	"github.com/0xfade/mirrorbot/venues/polymarket"
)

const version = "1.2.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("schedule", cfg.ResolverSchedule).
		Dur("grace", cfg.SettlementGrace).
		Msg("⚡ Resolver starting...")

	store, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	kalshiClient := kalshi.NewClient(cfg.KalshiBaseURL, cfg.KalshiAPIKey, cfg.KalshiAPISecret, cfg.DryRun)

	var mirrorVenue resolver.MirrorSettlement
	if cfg.PolymarketEnabled {
		mirrorClient, err := polymarket.NewClient(polymarket.Credentials{}, cfg.PolymarketCLOBURL, cfg.PolymarketProxyURL, cfg.DryRun)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Polymarket client")
		}
		mirrorVenue = mirrorClient
	}

	r := resolver.New(store, kalshiClient, mirrorVenue, cfg.SettlementGrace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One pass immediately so a restart doesn't wait for the next slot
	r.Run(ctx)

	c := cron.New()
	if _, err := c.AddFunc(cfg.ResolverSchedule, func() { r.Run(ctx) }); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.ResolverSchedule).Msg("Invalid resolver schedule")
	}
	c.Start()

	log.Info().Msg("✅ Resolver online")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 Received shutdown signal")
	cancel()
	<-c.Stop().Done()
	log.Info().Msg("👋 Goodbye!")
}
