package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicepay-hq/voicepay/pkg/config"
	"github.com/voicepay-hq/voicepay/pkg/service"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.NewService(cfg)
	if err != nil {
		log.Fatalf("Failed to create payment service: %v", err)
	}

	// Set up signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Println("Received termination signal, shutting down gracefully...")
		cancel()
	}()

	log.Println("Starting the payment service...")
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Service failed: %v", err)
	}
}
