package main

import (
	"github.com/hestia-gateway/hestia/internal/app"
	"github.com/hestia-gateway/hestia/internal/config"
	"github.com/hestia-gateway/hestia/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	application := app.NewApp(cfg)

	logger.Info("Hestia gateway starting...")

	if err := application.Run(); err != nil {
		logger.Fatal("Server error: %v", err)
	}
}
