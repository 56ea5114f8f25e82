package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/api"
	"github.com/meowfeeder/meowfeeder/internal/config"
	"github.com/meowfeeder/meowfeeder/internal/events"
	"github.com/meowfeeder/meowfeeder/internal/server"
	"github.com/meowfeeder/meowfeeder/internal/storage"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/feeder-api.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// Open storage
	var store storage.Store
	if cfg.Database.DSN == "" {
		log.Warn().Msg("No database configured, using in-memory store")
		store = storage.NewMemoryStore()
	} else {
		if cfg.Database.AutoMigrate {
			if err := storage.Migrate(cfg.Database.DSN, storage.DefaultEngine); err != nil {
				log.Fatal().Err(err).Msg("Failed to migrate database")
			}
			log.Info().Msg("Database schema up to date")
		}

		pg, err := storage.NewPostgresStore(cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		store = pg
		log.Info().Msg("Connected to database")
	}
	defer store.Close()

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WaitGroup for services
	var wg sync.WaitGroup

	// Optional: NATS event publishing and logging
	var publisher events.Publisher = events.Discard{}
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err := events.Connect(cfg.NATS, "meowfeeder-api")
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")

			publisher = events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)
			subscriber := server.NewEventLogger(nc, store, cfg.NATS.SubjectPrefix)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("Event logger stopped")
				}
			}()
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// Start REST API server
	apiServer := api.NewRESTServer(cfg, store, publisher)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Feeder API stopped")
}
