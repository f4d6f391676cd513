package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nostrfit/settlement/app"
	"github.com/nostrfit/settlement/config"
)

func main() {
	// Missing .env is fine, config falls back to environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load("./config")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting settlement service in %s mode", cfg.Server.Environment)
	log.Printf("Using DynamoDB table: %s", cfg.DynamoDB.TableName)

	application, appErr := app.New(context.Background(), cfg)
	if appErr != nil {
		log.Fatalf("Failed to initialize application: %v", appErr)
	}

	if startErr := application.Start(); startErr != nil {
		log.Fatalf("Failed to start application: %v", startErr)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down settlement service...")
	if stopErr := application.Stop(); stopErr != nil {
		log.Printf("Shutdown error: %v", stopErr)
	}
}
