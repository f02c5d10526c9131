// Threshbot runs the b1/b2/b3 threshold family over 15-minute up/down windows.
//
// Each agent owns one phase of the window: b1 trades early with the widest
// spread threshold, b2 the middle, b3 the last minutes behind a quote gate.
// Orders go to Kalshi first and are mirrored on Polymarket when a matching
// market exists.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xfade/mirrorbot/bot"
	"github.com/0xfade/mirrorbot/config"
	"github.com/0xfade/mirrorbot/core"
	"github.com/0xfade/mirrorbot/feeds"
	"github.com/0xfade/mirrorbot/mirror"
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
		Strs("assets", cfg.Assets).
		Bool("dry_run", cfg.DryRun).
		Msg("⚡ Threshbot starting...")

	store, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	prices := feeds.NewBinanceFeed(cfg.Assets)
	prices.Start()
	defer prices.Stop()

	kalshiClient := kalshi.NewClient(cfg.KalshiBaseURL, cfg.KalshiAPIKey, cfg.KalshiAPISecret, cfg.DryRun)

	var mirrorClient *polymarket.Client
	if cfg.PolymarketEnabled {
		mirrorClient, err = polymarket.NewClient(polymarket.Credentials{
			PrivateKeyHex: os.Getenv("ETH_PRIVATE_KEY"),
			APIKey:        cfg.PolymarketAPIKey,
			APISecret:     cfg.PolymarketSecret,
			Passphrase:    os.Getenv("POLY_PASSPHRASE"),
		}, cfg.PolymarketCLOBURL, cfg.PolymarketProxyURL, cfg.DryRun)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Polymarket client")
		}
	}

	var echo mirror.MirrorVenue
	if mirrorClient != nil {
		echo = mirrorClient
	}
	executor := mirror.New(kalshiClient, echo, cfg.PolymarketEnabled, cfg.PolymarketMinSize)

	notifier := bot.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID)

	engine := core.NewThresholdEngine(cfg, store, prices, kalshiClient, executor, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)

	log.Info().Msg("✅ All systems online")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 Received shutdown signal")
	cancel()
	log.Info().Msg("👋 Goodbye!")
}
