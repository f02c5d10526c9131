// Tierbot runs the tiered momentum/spread agent over 5-minute up/down
// windows on Polymarket.
//
// Entries come from short-horizon momentum or from nested spread tiers, each
// tier with its own timing and cooldown rules. Positions carry TP/SL and a
// forced exit at the window-close margin, or hold to resolution when
// configured. Bankroll state persists across restarts.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xfade/mirrorbot/bot"
	"github.com/0xfade/mirrorbot/config"
	"github.com/0xfade/mirrorbot/core"
	"github.com/0xfade/mirrorbot/feeds"
	"github.com/0xfade/mirrorbot/storage"
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
		Str("bot", cfg.BotID).
		Strs("assets", cfg.Assets).
		Bool("dry_run", cfg.DryRun).
		Bool("hold_to_resolution", cfg.HoldToResolution).
		Msg("⚡ Tierbot starting...")

	store, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	prices := feeds.NewBinanceFeed(cfg.Assets)
	prices.Start()
	defer prices.Stop()

	venue, err := polymarket.NewClient(polymarket.Credentials{
		PrivateKeyHex: os.Getenv("ETH_PRIVATE_KEY"),
		APIKey:        cfg.PolymarketAPIKey,
		APISecret:     cfg.PolymarketSecret,
		Passphrase:    os.Getenv("POLY_PASSPHRASE"),
	}, cfg.PolymarketCLOBURL, cfg.PolymarketProxyURL, cfg.DryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Polymarket client")
	}

	notifier := bot.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID)

	engine, err := core.NewTieredEngine(cfg, store, prices, venue, notifier)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tiered engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	log.Info().Msg("✅ All systems online")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 Received shutdown signal")
	cancel()
	wg.Wait() // engine makes one best-effort close before returning
	log.Info().Msg("👋 Goodbye!")
}
