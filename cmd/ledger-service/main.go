package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dhoini/credit-ledger/internal/app"
	"github.com/Dhoini/credit-ledger/internal/config"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/gin-gonic/gin"
)

func main() {
	// Загружаем конфигурацию (.env вне production, затем config.yaml и окружение)
	cfg, err := config.LoadConfig(".env", ".", "./config")
	if err != nil {
		logger.New(logger.INFO).Fatalw("Failed to load configuration", "error", err)
	}

	log := initLogger(cfg)
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("Invalid configuration", "error", err)
	}

	// Устанавливаем режим Gin в зависимости от окружения
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Infow("Credit ledger starting up...", "env", cfg.App.Env, "httpPort", cfg.App.Port, "grpcPort", cfg.GRPC.Port)

	// Контекст отменяется по SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("Failed to initialize application", "error", err)
	}

	runErr := application.Run(ctx)
	if err := application.Close(); err != nil {
		log.Errorw("Error during cleanup", "error", err)
	}
	if runErr != nil {
		log.Fatalw("Service stopped with error", "error", runErr)
	}
	log.Infow("Cleanup finished. Goodbye!")
}

// initLogger JSON в production, консольный вывод локально
func initLogger(cfg *config.Config) *logger.Logger {
	level := logger.ParseLevel(cfg.Log.Level)
	if cfg.IsProduction() {
		return logger.NewJSON(level)
	}
	return logger.New(level)
}
