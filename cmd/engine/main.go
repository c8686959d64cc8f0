package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/agrofin/capital-engine/internal/bootstrap"
)

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := bootstrap.InitService(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize capital engine: %v", err)
	}

	if err := service.Run(ctx); err != nil {
		log.Fatalf("capital engine terminated: %v", err)
	}
}
