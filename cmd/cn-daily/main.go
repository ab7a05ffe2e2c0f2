package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"factorlab/internal/app"
	"factorlab/internal/config"
	"factorlab/internal/util"
)

func main() {
	symbols := flag.String("symbols", "", "comma-separated symbols (overrides gather.cn_daily.symbols)")
	start := flag.String("start", "", "first trade date for uncached symbols, YYYY-MM-DD")
	flag.Parse()

	cfg, err := config.Load(app.ConfigPath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *symbols != "" {
		cfg.Gather.CNDaily.Symbols = strings.Split(*symbols, ",")
	}
	if *start != "" {
		cfg.Gather.CNDaily.StartDate = *start
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("initializing: %v", err)
	}
	defer a.Close()

	gatherer, err := a.NewGatherer()
	if err != nil {
		log.Fatalf("creating gatherer: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gatherer", "name", gatherer.Name())
	if err := gatherer.Run(ctx); err != nil {
		log.Fatalf("gatherer error: %v", err)
	}
}
