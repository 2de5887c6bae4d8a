package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-forensics-telemetry/internal/bootstrap"
	"media-forensics-telemetry/internal/config"
	"media-forensics-telemetry/internal/server"
	"media-forensics-telemetry/internal/tracer"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// 2. Initialize Tracer
	shutdownTracer := tracer.InitTracer(cfg)

	// 3. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(cfg)

	// 4. Start Background Services
	ctx, cancel := context.WithCancel(context.Background())
	go container.WebSocketHub.Run(ctx)
	if err := container.UpdateConsumer.Consume(ctx); err != nil {
		log.Printf("Background Consumer Error: %v", err)
	}

	// 5. Initialize Server
	srv := server.New(cfg, container)

	go func() {
		if err := srv.Run(); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// 6. Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	if err := srv.Shutdown(); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	container.Shutdown()
	cancel()

	tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tcancel()
	if err := shutdownTracer(tctx); err != nil {
		log.Printf("Tracer shutdown error: %v", err)
	}
}
