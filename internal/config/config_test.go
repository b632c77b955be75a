package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"faultwatch/internal/models"
	"faultwatch/internal/scoring"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Errorf("addr: got %q, want %q", cfg.Server.Addr, DefaultHTTPAddr)
	}
	if cfg.Server.DefaultMachineID != "M-202" {
		t.Errorf("default machine: got %q, want M-202", cfg.Server.DefaultMachineID)
	}
	set := cfg.Alerts.AlertableSet()
	if len(set) != 1 || !set[models.ClassificationFaultSoon] {
		t.Errorf("alertable: got %v, want FAULT_SOON only", set)
	}
	if cfg.Alerts.MinInterval != 0 {
		t.Errorf("min_interval: got %v, want 0", cfg.Alerts.MinInterval)
	}
	if cfg.Scoring.Thresholds != scoring.DefaultThresholds {
		t.Errorf("thresholds: got %+v, want defaults", cfg.Scoring.Thresholds)
	}
	if cfg.Storage.MemoryRetention != 0 {
		t.Errorf("memory_retention: got %d, want 0 (keep every reading)", cfg.Storage.MemoryRetention)
	}
	if cfg.UsesKafka() {
		t.Error("default config must not require kafka")
	}
}

func TestLoad_FullFile(t *testing.T) {
	p := writeConfig(t, `log:
  level: debug
server:
  addr: ":9090"
  default_machine_id: M-101
  auth:
    mode: apikey
    key_env: FW_KEY
alerts:
  alertable: [warning, FAULT_SOON]
  min_interval: 10m
  timeout: 1500ms
  channel: webhook
  webhook:
    type: slack
    url_env: FW_SLACK
storage:
  latest: sqlite
  history: sqlite
  sqlite_path: /tmp/fw.db
scoring:
  thresholds:
    temp_critical: 85
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.DefaultMachineID != "M-101" {
		t.Errorf("server: got %+v", cfg.Server)
	}
	set := cfg.Alerts.AlertableSet()
	if !set[models.ClassificationWarning] || !set[models.ClassificationFaultSoon] || len(set) != 2 {
		t.Errorf("alertable: got %v, want WARNING+FAULT_SOON", set)
	}
	if cfg.Alerts.MinInterval != 10*time.Minute {
		t.Errorf("min_interval: got %v, want 10m", cfg.Alerts.MinInterval)
	}
	if cfg.Alerts.Timeout != 1500*time.Millisecond {
		t.Errorf("timeout: got %v, want 1.5s", cfg.Alerts.Timeout)
	}
	if cfg.Storage.Latest != "sqlite" || cfg.Storage.SQLitePath != "/tmp/fw.db" {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	// partial thresholds keep the remaining defaults
	if cfg.Scoring.Thresholds.TempCritical != 85 || cfg.Scoring.Thresholds.VibCritical != 3.0 {
		t.Errorf("thresholds: got %+v", cfg.Scoring.Thresholds)
	}
	if cfg.Server.Auth.EffectiveHeader() != "X-API-Key" {
		t.Errorf("header: got %q", cfg.Server.Auth.EffectiveHeader())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FAULTWATCH_HTTP_ADDR", ":7000")
	t.Setenv("FAULTWATCH_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("FAULTWATCH_ALERTABLE", "WARNING,FAULT_SOON")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("addr: got %q", cfg.Server.Addr)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers: got %v", cfg.Kafka.Brokers)
	}
	if !cfg.Alerts.AlertableSet()[models.ClassificationWarning] {
		t.Error("alertable env override not applied")
	}
}

func TestLoad_KeyEnvResolution(t *testing.T) {
	t.Setenv("TEST_FW_KEY", "supersecret")
	p := writeConfig(t, `server:
  auth:
    mode: apikey
    key_env: TEST_FW_KEY
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if k := cfg.Server.Auth.Key(); k != "supersecret" {
		t.Errorf("Key(): got %q, want supersecret", k)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown alertable", "alerts:\n  alertable: [PENDING]\n"},
		{"unknown channel", "alerts:\n  channel: sms\n"},
		{"webhook without url", "alerts:\n  channel: webhook\n  webhook:\n    type: slack\n"},
		{"zero timeout", "alerts:\n  timeout: 0s\n"},
		{"negative interval", "alerts:\n  min_interval: -1m\n"},
		{"unknown latest backend", "storage:\n  latest: s3\n"},
		{"unknown history backend", "storage:\n  history: rds\n"},
		{"negative retention", "storage:\n  memory_retention: -5\n"},
		{"warn above critical", "scoring:\n  thresholds:\n    temp_warn: 90\n"},
		{"unknown auth mode", "server:\n  auth:\n    mode: oauth2\n"},
		{"kafka without brokers", "storage:\n  history: kafka\nkafka:\n  brokers: []\n"},
		{"bad yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	p := writeConfig(t, "alerts:\n  alertable: [FAULT_SOON]\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, p, func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte("alerts:\n  alertable: [WARNING, FAULT_SOON]\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// a truncating write may surface as more than one event
	deadline := time.After(3 * time.Second)
	for seen := false; !seen; {
		select {
		case c := <-reloaded:
			seen = c.Alerts.AlertableSet()[models.ClassificationWarning]
		case <-deadline:
			t.Fatal("no reload with WARNING observed")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}
