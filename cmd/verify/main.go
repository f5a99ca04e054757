// Command verify is a connectivity preflight: it checks the market-data
// provider, the state store, the sentiment API, the memory store and
// Telegram with the same configuration the daemon would use, then exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"hl-sentinel-bot/internal/alerts"
	"hl-sentinel-bot/internal/config"
	"hl-sentinel-bot/internal/hl/rest"
	"hl-sentinel-bot/internal/logging"
	"hl-sentinel-bot/internal/market"
	"hl-sentinel-bot/internal/memory"
	"hl-sentinel-bot/internal/state/sqlite"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	envFile := flag.String("env", ".env", "path to .env file")
	sendTest := flag.Bool("telegram-test", false, "send a test Telegram message")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	check := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Printf("FAIL  %-16s %v\n", name, err)
			return
		}
		fmt.Printf("ok    %s\n", name)
	}

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, cfg.REST.RequestsPerSecond, cfg.REST.Burst, log)
	check("provider", restClient.Ping(ctx))

	mids, err := restClient.AllMids(ctx)
	if err == nil {
		for _, s := range cfg.Daemon.Symbols {
			if _, ok := mids[s]; !ok {
				err = fmt.Errorf("symbol %s has no mid price", s)
				break
			}
		}
	}
	check("symbols", err)

	_, err = restClient.Positions(ctx, cfg.Account.Address)
	check("account", err)

	check("state store", verifyStore(ctx, cfg.State.SQLitePath))

	if cfg.Sentiment.Enabled {
		sc := market.NewSentimentClient(cfg.Sentiment.BaseURL, cfg.Sentiment.Timeout)
		_, err := sc.FearGreed(ctx)
		check("sentiment", err)
	}

	if cfg.Memory.Enabled {
		mc := memory.NewClient(cfg.Memory, log)
		check("memory store", mc.Ping(ctx))
	}

	if cfg.Telegram.Enabled && *sendTest {
		tg := alerts.NewTelegram(cfg.Telegram, log)
		check("telegram", tg.Send(ctx, "hl-sentinel-bot preflight ok"))
	}

	if failed {
		os.Exit(1)
	}
}

func verifyStore(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	store, err := sqlite.New(path)
	if err != nil {
		return err
	}
	defer store.Close()
	key := "verify:probe"
	if err := store.Set(ctx, key, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return store.Delete(ctx, key)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
