package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"crashcore/internal/config"
	"crashcore/internal/server"
)

func gracefulShutdown(fiberServer *server.FiberServer, done chan bool) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[MAIN] Shutdown signal received")

	if err := fiberServer.Shutdown(); err != nil {
		log.Printf("[MAIN] Component shutdown error: %v", err)
	}
	if err := fiberServer.App.Shutdown(); err != nil {
		log.Printf("[MAIN] HTTP shutdown error: %v", err)
	}

	done <- true
}

func main() {
	cfg := config.Load()

	fiberServer := server.New(cfg)
	fiberServer.RegisterFiberRoutes()

	done := make(chan bool, 1)
	go gracefulShutdown(fiberServer, done)

	log.Printf("[MAIN] Listening on :%s (%s)", cfg.Port, cfg.AppEnv)
	if err := fiberServer.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("[MAIN] Server error: %v", err)
	}

	<-done
	log.Println("[MAIN] Graceful shutdown complete")
}
