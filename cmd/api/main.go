package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"threshold-voting/api"
	"threshold-voting/config"
	"threshold-voting/logging"
	"threshold-voting/service"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a yaml, toml or json config file")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:     conf.Log.Level,
		Format:    conf.Log.Format,
		AddSource: conf.Log.AddSource,
	})

	svc, err := service.Open(conf, logger)
	if err != nil {
		logger.Error("failed to initialize election service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := api.NewServer(svc, logger).ListenAndServe(ctx, conf.Listen); err != nil {
		logger.Error("server error", "error", err)
		svc.Close()
		os.Exit(1)
	}
	svc.CloseVoting()
	logger.Info("server shutdown completed")
}
