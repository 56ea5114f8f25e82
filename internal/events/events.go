// Package events carries feeder device events over NATS.
//
// Subjects have the form <prefix>.device.<deviceId>.<kind>. Payloads are
// JSON envelopes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/config"
)

// DefaultPrefix is used when no subject prefix is configured
const DefaultPrefix = "feeder"

// Kind names an event
type Kind string

const (
	KindDeviceStatus    Kind = "device_status"
	KindFeedComplete    Kind = "feed_complete"
	KindFeedResponse    Kind = "feed_response"
	KindFeedRequested   Kind = "feed_requested"
	KindFeedingRecorded Kind = "feeding_recorded"
)

// Kinds lists every known kind
var Kinds = []Kind{KindDeviceStatus, KindFeedComplete, KindFeedResponse, KindFeedRequested, KindFeedingRecorded}

// Valid reports whether k is known
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Envelope is the payload published for every event
type Envelope struct {
	DeviceID  string          `json:"deviceId"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Subject builds the subject for one device event
func Subject(prefix, deviceID string, kind Kind) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s.device.%s.%s", prefix, deviceID, kind)
}

// Wildcard matches every device event under prefix
func Wildcard(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".device.*.*"
}

// ParseSubject splits a device subject into device id and kind
func ParseSubject(prefix, subject string) (string, Kind, bool) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	rest, ok := strings.CutPrefix(subject, prefix+".device.")
	if !ok {
		return "", "", false
	}
	deviceID, kind, ok := strings.Cut(rest, ".")
	if !ok || deviceID == "" || strings.Contains(kind, ".") || !Kind(kind).Valid() {
		return "", "", false
	}
	return deviceID, Kind(kind), true
}

// Publisher emits device events
type Publisher interface {
	Publish(ctx context.Context, deviceID string, kind Kind, data interface{}) error
}

// Subscriber is the part of *nats.Conn consumers need
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Decode parses an envelope published by NATSPublisher
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Conn is the part of *nats.Conn the publisher needs
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes envelopes on NATS
type NATSPublisher struct {
	conn   Conn
	prefix string
	now    func() time.Time
}

// NewNATSPublisher creates a publisher
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, now: time.Now}
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ctx context.Context, deviceID string, kind Kind, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := Envelope{DeviceID: deviceID, Kind: kind, Timestamp: p.now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", kind, err)
		}
		env.Data = raw
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := Subject(p.prefix, deviceID, kind)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().Str("subject", subject).Int("size", len(payload)).Msg("Published device event")
	return nil
}

// Discard drops every event
type Discard struct{}

// Publish implements Publisher
func (Discard) Publish(context.Context, string, Kind, interface{}) error { return nil }

// Connect dials NATS with reconnect handling
func Connect(cfg config.NATSConfig, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS error")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}
