package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Error loading .env file. Using existing environment variables.")
	}

	cfg, err := LoadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lm, err := NewLogManager(cfg.LogLevel, cfg.ServerID, cfg.LokiURL, cfg.LokiUsername, cfg.LokiPassword)
	if err != nil {
		log.Fatalf("Failed to create log manager: %v", err)
	}
	defer lm.Close()

	gateway, err := NewGateway(cfg, lm)
	if err != nil {
		lm.SendLog(lm.BuildLog("Gateway.Start", "GatewayInitFailed", logrus.ErrorLevel, nil, err))
		lm.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gateway.Start(ctx); err != nil {
		lm.SendLog(lm.BuildLog("Gateway.Start", "GatewayStartFailed", logrus.ErrorLevel, nil, err))
		shutdown(gateway, cfg)
		lm.Close()
		os.Exit(1)
	}

	<-ctx.Done()
	stop()
	shutdown(gateway, cfg)
}

func shutdown(gateway *Gateway, cfg Config) {
	// sessions get the SMPP grace plus a margin for the web server and records
	ctx, cancel := context.WithTimeout(context.Background(), cfg.SMPP.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := gateway.Shutdown(ctx); err != nil {
		gateway.lm.SendLog(gateway.lm.BuildLog("Gateway.Shutdown", "ShutdownError", logrus.ErrorLevel, nil, err))
	}
}
