// Command gateway runs the cross-chain relay gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/relay_gateway/internal/app"
	"github.com/R3E-Network/relay_gateway/internal/config"
	"github.com/R3E-Network/relay_gateway/internal/platform/migrations"
	"github.com/R3E-Network/relay_gateway/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("GATEWAY_CONFIG"), "Path to the YAML config file")
		envFile    = flag.String("env", ".env", "Optional .env file loaded before reading the environment")
		addr       = flag.String("addr", "", "Listen address (overrides config)")
		migrate    = flag.Bool("migrate", false, "Apply database migrations and exit")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load env (%s): %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	root := logger.New("relay-gateway", cfg.Log)

	if *migrate {
		if cfg.Storage.DSN == "" {
			log.Fatal("storage.dsn (DATABASE_URL) is required to migrate")
		}
		if err := migrations.MigrateUp(cfg.Storage.DSN); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		root.Info("migrations applied")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, root)
	if err != nil {
		log.Fatalf("build application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	root.WithField("addr", cfg.Server.Addr).
		WithField("storage", cfg.Storage.Driver).
		WithField("host", cfg.Host.Mode).
		Info("gateway running")

	<-ctx.Done()
	root.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		root.WithError(err).Error("shutdown")
		os.Exit(1)
	}
}
