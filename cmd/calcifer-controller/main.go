package main

import (
	"context"

	"github.com/calcifer-iot/calcifer/internal/bus"
	"github.com/calcifer-iot/calcifer/internal/config"
	"github.com/calcifer-iot/calcifer/internal/controller"
	"github.com/calcifer-iot/calcifer/internal/store"
	"github.com/calcifer-iot/calcifer/pkg/log"
)

func main() {
	log := log.InitLogs()
	log.Println("Starting calcifer controller")
	defer log.Println("Calcifer controller stopped")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		log.Fatalf("reading configuration: %v", err)
	}
	log.Printf("Using config: %s", cfg)

	setLogLevel(log, cfg)

	log.Println("Initializing data store")
	db, err := store.InitDB(cfg, log)
	if err != nil {
		log.Fatalf("initializing data store: %v", err)
	}

	dataStore := store.NewStore(db, log.WithField("pkg", "store"))
	defer dataStore.Close()

	if err := dataStore.InitialMigration(); err != nil {
		log.Fatalf("running initial migration: %v", err)
	}

	ctx := context.Background()
	provider, err := bus.NewRedisProvider(ctx, log, cfg.KV.Hostname, cfg.KV.Port, cfg.KV.Password)
	if err != nil {
		log.Fatalf("initializing event fabric: %v", err)
	}

	server := controller.New(cfg, log, dataStore, provider, loggingCommandPublisher{log: log})
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Error running controller: %s", err)
	}
}
