package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/pkg/service"
	"github.com/redbco/redb-entities/services/entity/internal/engine"
)

var (
	configPath     = flag.String("config", "config.yaml", "Path to the service configuration file")
	serviceVersion = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	impl := engine.NewService()
	svc := service.NewBaseService(cfg.Service.Name, serviceVersion, cfg, impl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		stop()
		log.Fatalf("Failed to run service: %v", err)
	}
}
