package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"faultwatch/internal/models"
	"faultwatch/internal/scoring"
)

// Default values for the service configuration.
const (
	DefaultHTTPAddr         = ":8080"
	DefaultMachineID        = "M-202"
	DefaultAlertTimeout     = 3 * time.Second
	DefaultSQLitePath       = "faultwatch.db"
	DefaultBroadcastPeriod  = 5 * time.Second
	DefaultHistoryQueueSize = 1000
)

// Config holds runtime configuration for the service.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Storage   StorageConfig   `yaml:"storage"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	// Level is a zerolog level name: debug, info, warn, error
	Level string `yaml:"level"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// DefaultMachineID is used by queries that do not name a machine
	DefaultMachineID string `yaml:"default_machine_id"`

	// MaxBodySize caps ingest request bodies in bytes
	MaxBodySize int64 `yaml:"max_body_size"`

	// NodeID identifies this instance in history envelopes; hostname when empty
	NodeID string `yaml:"node_id"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls the optional shared API key on write endpoints.
type AuthConfig struct {
	// Mode is one of: apikey | none
	Mode string `yaml:"mode"`

	// KeyEnv is the environment variable holding the expected key
	KeyEnv string `yaml:"key_env"`

	// Header defaults to X-API-Key
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "X-API-Key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "X-API-Key"
}

// ScoringConfig exposes the classifier thresholds.
type ScoringConfig struct {
	Thresholds scoring.Thresholds `yaml:"thresholds"`
}

// AlertsConfig holds the alert policy and the delivery channel.
type AlertsConfig struct {
	// Alertable lists the classifications that trigger a notification.
	// Default is FAULT_SOON only; [WARNING, FAULT_SOON] alerts on warnings too.
	Alertable []string `yaml:"alertable"`

	// MinInterval suppresses repeat alerts for a machine within this window.
	// Zero disables suppression: every qualifying query alerts.
	MinInterval time.Duration `yaml:"min_interval"`

	// Timeout bounds a single delivery attempt
	Timeout time.Duration `yaml:"timeout"`

	// Channel is one of: log | webhook | kafka
	Channel string `yaml:"channel"`

	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: slack | teams | http
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// AlertableSet returns the configured alertable classifications.
func (a AlertsConfig) AlertableSet() map[models.Classification]bool {
	set := make(map[models.Classification]bool, len(a.Alertable))
	for _, c := range a.Alertable {
		set[models.Classification(strings.ToUpper(strings.TrimSpace(c)))] = true
	}
	return set
}

// StorageConfig selects the latest-state and history backends.
type StorageConfig struct {
	// Latest is one of: memory | sqlite
	Latest string `yaml:"latest"`

	// History is one of: none | memory | sqlite | kafka
	History string `yaml:"history"`

	// SQLitePath is the database file used by the sqlite backends
	SQLitePath string `yaml:"sqlite_path"`

	// MemoryRetention caps the memory history per machine. 0 keeps every
	// reading.
	MemoryRetention int `yaml:"memory_retention"`
}

// KafkaConfig holds broker settings shared by producer and consumer.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`

	// HistoryTopic receives one message per ingested reading
	HistoryTopic string `yaml:"history_topic"`

	// AlertTopic receives alert notifications when alerts.channel is kafka
	AlertTopic string `yaml:"alert_topic"`

	// IngestTopic, when set, is consumed as an additional telemetry source
	IngestTopic   string `yaml:"ingest_topic"`
	ConsumerGroup string `yaml:"consumer_group"`

	// QueueSize bounds the in-process buffer in front of the history producer
	QueueSize int `yaml:"queue_size"`

	Producer ProducerConfig `yaml:"producer"`
}

// ProducerConfig tunes the Kafka writer pool.
type ProducerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DashboardConfig controls the websocket stream of machine states.
type DashboardConfig struct {
	Enabled bool          `yaml:"enabled"`
	Period  time.Duration `yaml:"period"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:             DefaultHTTPAddr,
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     10 * time.Second,
			IdleTimeout:      60 * time.Second,
			DefaultMachineID: DefaultMachineID,
			MaxBodySize:      1 << 20,
			Auth:             AuthConfig{Mode: "none"},
		},
		Scoring: ScoringConfig{Thresholds: scoring.DefaultThresholds},
		Alerts: AlertsConfig{
			Alertable: []string{string(models.ClassificationFaultSoon)},
			Timeout:   DefaultAlertTimeout,
			Channel:   "log",
		},
		Storage: StorageConfig{
			Latest:     "memory",
			History:    "memory",
			SQLitePath: DefaultSQLitePath,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			HistoryTopic:  "machine-readings",
			AlertTopic:    "machine-alerts",
			ConsumerGroup: "faultwatch",
			QueueSize:     DefaultHistoryQueueSize,
			Producer: ProducerConfig{
				PoolSize:     4,
				BatchSize:    100,
				BatchTimeout: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: 1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Period:  DefaultBroadcastPeriod,
		},
	}
}

// Load reads and parses the config file at path. An empty path yields the
// defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays FAULTWATCH_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FAULTWATCH_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FAULTWATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FAULTWATCH_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCSV(v)
	}
	if v := os.Getenv("FAULTWATCH_ALERTABLE"); v != "" {
		cfg.Alerts.Alertable = splitCSV(v)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if strings.TrimSpace(c.Server.DefaultMachineID) == "" {
		return errors.New("server.default_machine_id must not be empty")
	}
	switch c.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", c.Server.Auth.Mode)
	}

	t := c.Scoring.Thresholds
	if t.TempWarn > t.TempCritical || t.VibWarn > t.VibCritical {
		return errors.New("scoring.thresholds: warn thresholds must not exceed critical thresholds")
	}

	for class := range c.Alerts.AlertableSet() {
		if !class.IsResolved() {
			return fmt.Errorf("alerts.alertable: %q is not one of NORMAL|WARNING|FAULT_SOON", class)
		}
	}
	if c.Alerts.MinInterval < 0 {
		return errors.New("alerts.min_interval must not be negative")
	}
	if c.Alerts.Timeout <= 0 {
		return errors.New("alerts.timeout must be positive")
	}
	switch c.Alerts.Channel {
	case "log", "kafka":
	case "webhook":
		switch c.Alerts.Webhook.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("alerts.webhook.type %q unknown: want slack|teams|http", c.Alerts.Webhook.Type)
		}
		if c.Alerts.Webhook.URLEnv == "" {
			return errors.New("alerts.webhook.url_env is required for the webhook channel")
		}
	default:
		return fmt.Errorf("alerts.channel %q unknown: want log|webhook|kafka", c.Alerts.Channel)
	}

	switch c.Storage.Latest {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.latest %q unknown: want memory|sqlite", c.Storage.Latest)
	}
	switch c.Storage.History {
	case "none", "memory", "kafka":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.history %q unknown: want none|memory|sqlite|kafka", c.Storage.History)
	}
	if c.Storage.MemoryRetention < 0 {
		return errors.New("storage.memory_retention must not be negative")
	}

	if c.UsesKafka() && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when a kafka component is enabled")
	}
	if c.Storage.History == "kafka" && c.Kafka.HistoryTopic == "" {
		return errors.New("kafka.history_topic is required for the kafka history backend")
	}
	if c.Alerts.Channel == "kafka" && c.Kafka.AlertTopic == "" {
		return errors.New("kafka.alert_topic is required for the kafka alert channel")
	}

	if c.Dashboard.Enabled && c.Dashboard.Period <= 0 {
		return errors.New("dashboard.period must be positive")
	}
	return nil
}

// UsesKafka reports whether any component needs a broker connection.
func (c *Config) UsesKafka() bool {
	return c.Storage.History == "kafka" || c.Alerts.Channel == "kafka" || c.Kafka.IngestTopic != ""
}
