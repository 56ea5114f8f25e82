package integration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/config"
	"github.com/meowfeeder/meowfeeder/internal/events"
)

const publishTimeout = 5 * time.Second

// MQTTPublisher is the part of mqtt.Client the forwarder needs
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Forwarder relays device events from NATS to a webhook and an MQTT broker
type Forwarder struct {
	prefix     string
	webhook    config.WebhookConfig
	httpClient *http.Client

	mqtt          MQTTPublisher
	topicTemplate string
	qos           byte

	logger zerolog.Logger
}

// NewForwarder creates a forwarder. A nil client disables MQTT, an empty
// webhook endpoint disables HTTP.
func NewForwarder(cfg *config.Config, client MQTTPublisher) *Forwarder {
	return &Forwarder{
		prefix:        cfg.NATS.SubjectPrefix,
		webhook:       cfg.Webhook,
		httpClient:    &http.Client{Timeout: cfg.Webhook.Timeout},
		mqtt:          client,
		topicTemplate: cfg.MQTT.TopicTemplate,
		qos:           cfg.MQTT.QoS,
		logger:        log.With().Str("component", "forwarder").Logger(),
	}
}

// Start subscribes to every device event and blocks until ctx is done
func (f *Forwarder) Start(ctx context.Context, sub events.Subscriber) error {
	subject := events.Wildcard(f.prefix)
	s, err := sub.Subscribe(subject, func(msg *nats.Msg) {
		if err := f.Forward(ctx, msg.Subject, msg.Data); err != nil {
			f.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to forward event")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe device events: %w", err)
	}

	f.logger.Info().
		Str("subject", subject).
		Bool("webhook", f.webhook.Endpoint != "").
		Bool("mqtt", f.mqtt != nil).
		Msg("Integration forwarder started")

	<-ctx.Done()

	if s != nil {
		s.Unsubscribe()
	}
	return nil
}

// Forward relays one published event. Both targets are attempted; the
// first error is returned.
func (f *Forwarder) Forward(ctx context.Context, subject string, data []byte) error {
	deviceID, kind, ok := events.ParseSubject(f.prefix, subject)
	if !ok {
		return fmt.Errorf("unexpected subject %q", subject)
	}
	if _, err := events.Decode(data); err != nil {
		return err
	}

	var firstErr error
	if f.webhook.Endpoint != "" {
		if err := f.forwardToHTTP(ctx, data); err != nil {
			firstErr = err
		}
	}
	if f.mqtt != nil {
		if err := f.forwardToMQTT(deviceID, kind, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Forwarder) forwardToHTTP(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhook.Endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	f.logger.Debug().Str("endpoint", f.webhook.Endpoint).Int("status", resp.StatusCode).Msg("Event forwarded to webhook")
	return nil
}

func (f *Forwarder) forwardToMQTT(deviceID string, kind events.Kind, data []byte) error {
	topic := Topic(f.topicTemplate, deviceID, kind)
	token := f.mqtt.Publish(topic, f.qos, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	f.logger.Debug().Str("topic", topic).Msg("Event forwarded to MQTT")
	return nil
}

// Topic expands {device_id} and {kind} in template
func Topic(template, deviceID string, kind events.Kind) string {
	return strings.NewReplacer("{device_id}", deviceID, "{kind}", string(kind)).Replace(template)
}

// ConnectMQTT connects to the broker with auto reconnect
func ConnectMQTT(cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.BrokerURL, err)
	}
	return client, nil
}
