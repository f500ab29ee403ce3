// Package main provides the single-node entry point of the cryo specimen server.
// This version requires no external services - everything lives in one SQLite file.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/app"
	"github.com/cryo-specimen-server/internal/config"
	"github.com/cryo-specimen-server/internal/logging"
	"github.com/cryo-specimen-server/internal/setup"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Failed to read .env file")
	}

	liteConfig := config.LoadLiteConfig()
	cfg := liteConfig.ToConfig()
	logger := logging.New(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Check for setup subcommand
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		if err := setup.NewCLI(liteConfig, logger).Run(ctx, os.Args[2:]); err != nil {
			logger.WithError(err).Fatal("Setup failed")
		}
		return
	}

	if err := liteConfig.EnsureDataDir(); err != nil {
		logger.WithError(err).Fatal("Failed to create data directory")
	}
	logger.WithFields(logrus.Fields{
		"data_dir": liteConfig.DataDir,
		"address":  cfg.Server.Host,
		"port":     cfg.Server.Port,
	}).Info("Starting cryo specimen server (lite)")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	if err := application.Run(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Cryo specimen server (lite) stopped")
}
