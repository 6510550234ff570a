package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/api"
	"github.com/acme/outbound-ivr-call/internal/app"
	"github.com/acme/outbound-ivr-call/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	lg := container.Logger
	lg.Info("configuration loaded", zap.String("path", *configPath), zap.String("env", container.Config.App.Env))

	shutdownTracing, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name)
	if err != nil {
		lg.Fatal("failed to set up tracing", zap.Error(err))
	}

	server := api.NewServer(container, container.HandlerSet())
	runErr := server.Start(ctx)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), container.Config.HTTP.ShutdownTimeout+5*time.Second)
	defer closeCancel()
	if err := shutdownTracing(closeCtx); err != nil {
		lg.Warn("tracing shutdown failed", zap.Error(err))
	}
	if err := container.Close(closeCtx); err != nil {
		lg.Warn("container close failed", zap.Error(err))
	}

	if runErr != nil {
		log.Fatalf("server terminated: %v", runErr)
	}
	log.Println("server stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
