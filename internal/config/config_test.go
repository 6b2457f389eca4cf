package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
app:
  name: mqrunner
  log_level: debug
runner:
  concurrency: 2
  acknowledge_messages: true
  tick_interval: 250ms
  max_admission_attempts: 3
queue:
  driver: sqlite
  receive_timeout: 1s
  sqlite:
    path: /tmp/mqrunner/queue.db
processor:
  command: /usr/local/bin/process-job
  args: ["--mode", "batch"]
  timeout: 5m
report:
  interval: 30s
http:
  listen: ":8080"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	cfg, raw, err := Load(writeConfig(t, "config.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("Load returned no raw bytes")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.App.Name != "mqrunner" || cfg.App.LogLevel != "debug" {
		t.Fatalf("app section = %+v", cfg.App)
	}
	if cfg.Runner.Concurrency != 2 || !cfg.Runner.AcknowledgeMessages {
		t.Fatalf("runner section = %+v", cfg.Runner)
	}
	if cfg.Runner.MaxAdmissionAttempts != 3 {
		t.Fatalf("max_admission_attempts = %d", cfg.Runner.MaxAdmissionAttempts)
	}
	if cfg.Queue.Driver != "sqlite" || cfg.Queue.SQLite.Path == "" {
		t.Fatalf("queue section = %+v", cfg.Queue)
	}
	if len(cfg.Processor.Args) != 2 {
		t.Fatalf("processor args = %v", cfg.Processor.Args)
	}
	if !cfg.Report.IsEnabled() {
		t.Fatal("report should default to enabled")
	}

	d, err := ParseDurationField("runner.tick_interval", cfg.Runner.TickInterval)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("tick_interval = %v, %v", d, err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	body := strings.Replace(sampleYAML, "app:", "bogus_section:\n  x: 1\napp:", 1)
	if _, _, err := Load(writeConfig(t, "config.yaml", body)); err == nil {
		t.Fatal("expected an error for unknown fields")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Runner:    RunnerConfig{Concurrency: 1},
			Queue:     QueueConfig{Driver: "sqlite"},
			Processor: ProcessorConfig{Command: "true"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero concurrency", func(c *Config) { c.Runner.Concurrency = 0 }, "concurrency"},
		{"negative concurrency", func(c *Config) { c.Runner.Concurrency = -1 }, "concurrency"},
		{"unknown driver", func(c *Config) { c.Queue.Driver = "carrier-pigeon" }, "driver"},
		{"missing command", func(c *Config) { c.Processor.Command = " " }, "command"},
		{"bad duration", func(c *Config) { c.Runner.TickInterval = "soonish" }, "tick_interval"},
		{"negative duration", func(c *Config) { c.Queue.ReceiveTimeout = "-5s" }, "receive_timeout"},
		{"telegram without token", func(c *Config) { c.Telegram = &TelegramConfig{ChatID: 1} }, "token"},
		{"telegram without chat", func(c *Config) { c.Telegram = &TelegramConfig{Token: "t"} }, "chat_id"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Parse("config.json", []byte(`{"runner":{"concurrency":1}} {"extra":true}`))
	if err == nil {
		t.Fatal("expected an error for trailing data")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "3s", 7*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
}
