package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/backend"
	"github.com/meowfeeder/meowfeeder/internal/config"
	"github.com/meowfeeder/meowfeeder/internal/controller"
	"github.com/meowfeeder/meowfeeder/internal/events"
	"github.com/meowfeeder/meowfeeder/internal/integration"
	"github.com/meowfeeder/meowfeeder/internal/session"
)

// feeder-bridge keeps a live session to the owner's feeder, publishes its
// events on NATS and relays them to the configured webhook and MQTT broker.
func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/feeder-bridge.yml", "Configuration file path")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Info().Msg("Feeder bridge starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backend session
	api := backend.New(cfg.Backend)
	if api.Token() == "" {
		if _, err := api.Login(ctx, cfg.Backend.Email, cfg.Backend.Password); err != nil {
			log.Fatal().Err(err).Msg("Failed to log in to backend")
		}
	}
	log.Info().Str("email", api.Email()).Msg("Logged in to backend")

	// NATS
	nc, err := events.Connect(cfg.NATS, "meowfeeder-bridge")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()
	log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")

	// Optional MQTT
	var mqttClient integration.MQTTPublisher
	if cfg.MQTT.BrokerURL != "" {
		client, err := integration.ConnectMQTT(cfg.MQTT)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
		}
		defer client.Disconnect(250)
		mqttClient = client
	}

	opts := controller.OptionsFromConfig(cfg)
	if opts.Email == "" {
		opts.Email = api.Email()
	}
	transport := session.NewWebSocketTransport(session.WebSocketTransportConfig{
		HandshakeTimeout: cfg.Device.HandshakeTimeout,
		WriteWait:        cfg.Device.WriteWait,
		CloseWait:        cfg.Device.CloseWait,
	})
	ctrl := controller.New(opts, api, transport, events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix), nil)
	ctrl.SetHooks(controller.Hooks{
		OnSession: func(st session.Status) {
			log.Info().
				Str("address", st.Address).
				Str("state", string(st.State)).
				Int("attempts", st.Attempts).
				Msg("Device session changed")
		},
	})

	forwarder := integration.NewForwarder(cfg, mqttClient)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Controller stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := forwarder.Start(ctx, nc); err != nil {
			log.Error().Err(err).Msg("Forwarder stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()
	wg.Wait()

	log.Info().Msg("Feeder bridge stopped")
}
