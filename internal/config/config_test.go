package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GREENHOUSE_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 8080 || cfg.Broker.BindAddress != ":1883" {
		t.Fatalf("network defaults = %+v / %+v", cfg.HTTP, cfg.Broker)
	}
	if cfg.Relay.PollInterval != 3*time.Second || cfg.Relay.PollLimit != 5 || cfg.Relay.ReplyTimeout != time.Second {
		t.Fatalf("relay defaults = %+v", cfg.Relay)
	}
	if cfg.Publisher.MaxErrors != 10 || cfg.Publisher.LeafInterval != time.Minute {
		t.Fatalf("publisher defaults = %+v", cfg.Publisher)
	}
}

func TestYAMLThenEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "greenhouse.yaml")
	yamlDoc := `
database:
  driver: postgres
  dsn: postgres://greenhouse@localhost/greenhouse
relay:
  device_id: soil-node-1
  device_class: soil
  poll_interval: 5s
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("GREENHOUSE_CONFIG", path)
	t.Setenv("GREENHOUSE_POLL_INTERVAL", "7s")
	t.Setenv("GREENHOUSE_HTTP_PORT", "9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Relay.DeviceID != "soil-node-1" {
		t.Fatalf("yaml not applied: %+v %+v", cfg.Database, cfg.Relay)
	}
	if cfg.Relay.PollInterval != 7*time.Second {
		t.Fatalf("env should override yaml, got %s", cfg.Relay.PollInterval)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("http port = %d", cfg.HTTP.Port)
	}
	if cfg.Relay.PollLimit != 5 {
		t.Fatalf("unset yaml field lost its default: %d", cfg.Relay.PollLimit)
	}
}

func TestInvalidNumbersAreErrors(t *testing.T) {
	t.Setenv("GREENHOUSE_CONFIG", "")
	t.Setenv("GREENHOUSE_POLL_LIMIT", "five")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "GREENHOUSE_POLL_LIMIT") {
		t.Fatalf("expected poll limit error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":  func(c *Config) { c.Database.Driver = "mysql" },
		"ack":     func(c *Config) { c.Relay.AckPolicy = "maybe" },
		"backend": func(c *Config) { c.Publisher.Backend = "kafka" },
		"class":   func(c *Config) { c.Relay.DeviceClass = "sprinkler" },
		"limit":   func(c *Config) { c.Relay.PollLimit = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}
