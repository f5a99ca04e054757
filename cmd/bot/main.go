package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"hl-sentinel-bot/internal/config"
	"hl-sentinel-bot/internal/daemon"
	"hl-sentinel-bot/internal/logging"
	"hl-sentinel-bot/internal/metrics"
	"hl-sentinel-bot/internal/server"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	envFile := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", *configPath))

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Server.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	d, err := daemon.New(cfg, log, m)
	if err != nil {
		log.Error("failed to initialize daemon", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Enabled {
		srv := server.New(cfg.Server, d, prom.Handler(), log)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error("http server terminated", zap.Error(err))
			}
		}()
	}

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("daemon terminated", zap.Error(err))
		os.Exit(1)
	}
}
