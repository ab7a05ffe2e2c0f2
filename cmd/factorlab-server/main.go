package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"factorlab/internal/api"
	"factorlab/internal/app"
	"factorlab/internal/config"
	"factorlab/internal/util"
)

func main() {
	cfg, err := config.Load(app.ConfigPath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("initializing: %v", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched, err := a.NewScheduler(ctx)
	if err != nil {
		log.Fatalf("creating scheduler: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	grpcAddr := ""
	if cfg.Server.GRPCPort > 0 {
		grpcAddr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
	}

	srv := api.NewServer(a.NewHandler(), httpAddr, grpcAddr, logger)
	logger.Info("factorlab-server starting", "http", httpAddr, "grpc", grpcAddr)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
}
