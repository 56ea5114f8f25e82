package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Web      WebConfig      `yaml:"web"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Device   DeviceConfig   `yaml:"device"`
	Session  SessionConfig  `yaml:"session"`
	Backend  BackendConfig  `yaml:"backend"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// WebConfig represents the dashboard static files
type WebConfig struct {
	StaticDir string `yaml:"static_dir"`
}

// DatabaseConfig represents database configuration. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DeviceConfig describes how feeders are reached on the local network
type DeviceConfig struct {
	Port             int           `yaml:"port"`
	PlaceholderHosts []string      `yaml:"placeholder_hosts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteWait        time.Duration `yaml:"write_wait"`
	CloseWait        time.Duration `yaml:"close_wait"`
}

// SessionConfig tunes the live session and feed reconciliation
type SessionConfig struct {
	BackoffBase        time.Duration `yaml:"backoff_base"`
	MaxAttempts        int           `yaml:"max_attempts"`
	SettleDelay        time.Duration `yaml:"settle_delay"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	StatusRefreshDelay time.Duration `yaml:"status_refresh_delay"`
	FeedingTimeout     time.Duration `yaml:"feeding_timeout"`
	HistoryTimeout     time.Duration `yaml:"history_timeout"`
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
}

// BackendConfig points the control client at the REST service
type BackendConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Email      string        `yaml:"email"`
	Password   string        `yaml:"password"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// MQTTConfig represents the bridge's broker connection
type MQTTConfig struct {
	BrokerURL     string `yaml:"broker_url"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	TopicTemplate string `yaml:"topic_template"`
	QoS           byte   `yaml:"qos"`
}

// WebhookConfig represents the bridge's HTTP target
type WebhookConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from file. A .env file in the working directory
// is applied to the environment first when present.
func Load(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	var cfg Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.API.Port = p
		}
	}

	if webDir := os.Getenv("WEB_DIR"); webDir != "" {
		c.Web.StaticDir = webDir
	}

	if backendURL := os.Getenv("BACKEND_URL"); backendURL != "" {
		c.Backend.BaseURL = backendURL
	}

	if email := os.Getenv("BACKEND_EMAIL"); email != "" {
		c.Backend.Email = email
	}

	if password := os.Getenv("BACKEND_PASSWORD"); password != "" {
		c.Backend.Password = password
	}

	if token := os.Getenv("BACKEND_TOKEN"); token != "" {
		c.Backend.Token = token
	}

	if broker := os.Getenv("MQTT_BROKER_URL"); broker != "" {
		c.MQTT.BrokerURL = broker
	}

	if endpoint := os.Getenv("WEBHOOK_ENDPOINT"); endpoint != "" {
		c.Webhook.Endpoint = endpoint
	}
}

// setDefaults fills zero values
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "meowfeeder"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 4000
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = 60 * time.Second
	}
	if c.Web.StaticDir == "" {
		c.Web.StaticDir = "web/build"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "feeder"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 72 * time.Hour
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Device.Port == 0 {
		c.Device.Port = 81
	}
	if c.Device.PlaceholderHosts == nil {
		c.Device.PlaceholderHosts = []string{"esp32.local"}
	}
	if c.Device.HandshakeTimeout == 0 {
		c.Device.HandshakeTimeout = 10 * time.Second
	}
	if c.Device.WriteWait == 0 {
		c.Device.WriteWait = 5 * time.Second
	}
	if c.Device.CloseWait == 0 {
		c.Device.CloseWait = 2 * time.Second
	}

	if c.Session.BackoffBase == 0 {
		c.Session.BackoffBase = time.Second
	}
	if c.Session.MaxAttempts == 0 {
		c.Session.MaxAttempts = 5
	}
	if c.Session.SettleDelay == 0 {
		c.Session.SettleDelay = 100 * time.Millisecond
	}
	if c.Session.ReconnectDelay == 0 {
		c.Session.ReconnectDelay = 500 * time.Millisecond
	}
	if c.Session.StatusRefreshDelay == 0 {
		c.Session.StatusRefreshDelay = 200 * time.Millisecond
	}
	if c.Session.FeedingTimeout == 0 {
		c.Session.FeedingTimeout = 15 * time.Second
	}
	if c.Session.HistoryTimeout == 0 {
		c.Session.HistoryTimeout = 10 * time.Second
	}
	if c.Session.RefreshInterval == 0 {
		c.Session.RefreshInterval = 30 * time.Second
	}

	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:4000"
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = 3
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "meowfeeder-bridge"
	}
	if c.MQTT.TopicTemplate == "" {
		c.MQTT.TopicTemplate = "meowfeeder/{device_id}/{kind}"
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 10 * time.Second
	}
}

// Validate rejects values the components cannot run with
func (c *Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		return fmt.Errorf("device.port out of range: %d", c.Device.Port)
	}
	if c.Session.MaxAttempts < 0 {
		return fmt.Errorf("session.max_attempts must not be negative")
	}
	durations := map[string]time.Duration{
		"session.backoff_base":         c.Session.BackoffBase,
		"session.settle_delay":         c.Session.SettleDelay,
		"session.reconnect_delay":      c.Session.ReconnectDelay,
		"session.status_refresh_delay": c.Session.StatusRefreshDelay,
		"session.feeding_timeout":      c.Session.FeedingTimeout,
		"session.history_timeout":      c.Session.HistoryTimeout,
		"session.refresh_interval":     c.Session.RefreshInterval,
		"backend.timeout":              c.Backend.Timeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Backend.MaxRetries < 1 {
		return fmt.Errorf("backend.max_retries must be at least 1")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}
