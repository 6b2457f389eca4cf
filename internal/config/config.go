package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	App       AppConfig       `json:"app"`
	Runner    RunnerConfig    `json:"runner"`
	Queue     QueueConfig     `json:"queue"`
	Processor ProcessorConfig `json:"processor"`
	Report    ReportConfig    `json:"report,omitempty"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
}

type AppConfig struct {
	Name     string `json:"name,omitempty"`
	LogLevel string `json:"log_level,omitempty"`
	LogFile  string `json:"log_file,omitempty"`
}

// RunnerConfig mirrors runner.Config with durations as strings.
type RunnerConfig struct {
	Concurrency          int    `json:"concurrency"`
	AcknowledgeMessages  bool   `json:"acknowledge_messages"`
	TickInterval         string `json:"tick_interval,omitempty"`
	MaxAdmissionAttempts int    `json:"max_admission_attempts,omitempty"`
	JoinTimeout          string `json:"join_timeout,omitempty"`
	StartupDelay         string `json:"startup_delay,omitempty"`
}

type QueueConfig struct {
	Driver         string       `json:"driver"`
	ReceiveTimeout string       `json:"receive_timeout,omitempty"`
	NATS           NATSConfig   `json:"nats,omitempty"`
	Redis          RedisConfig  `json:"redis,omitempty"`
	SQLite         SQLiteConfig `json:"sqlite,omitempty"`
}

type NATSConfig struct {
	URL           string `json:"url,omitempty"`
	Stream        string `json:"stream,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Durable       string `json:"durable,omitempty"`
	EventsSubject string `json:"events_subject,omitempty"`
}

type RedisConfig struct {
	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	QueueKey  string `json:"queue_key,omitempty"`
	EventsKey string `json:"events_key,omitempty"`
}

type SQLiteConfig struct {
	Path              string `json:"path,omitempty"`
	BusyTimeout       string `json:"busy_timeout,omitempty"`
	VisibilityTimeout string `json:"visibility_timeout,omitempty"`
}

type ProcessorConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// ReportConfig controls periodic health reporting. Enabled is a pointer so
// an omitted field defaults to true.
type ReportConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"`
}

func (r ReportConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

type TelegramConfig struct {
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

type HTTPConfig struct {
	// Listen is the address for the observability endpoints; empty
	// disables the HTTP surface.
	Listen string `json:"listen,omitempty"`
}

var knownDrivers = map[string]bool{
	"nats":    true,
	"redis":   true,
	"sqlite":  true,
	"sqlite3": true,
}

// Validate rejects configurations the app cannot start with. Duration
// strings are checked here so a bad value fails at load time rather than
// deep inside wiring.
func (c *Config) Validate() error {
	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be a positive integer, got %d", c.Runner.Concurrency)
	}
	if !knownDrivers[strings.ToLower(strings.TrimSpace(c.Queue.Driver))] {
		return fmt.Errorf("queue.driver: unknown driver %q", c.Queue.Driver)
	}
	if strings.TrimSpace(c.Processor.Command) == "" {
		return fmt.Errorf("processor.command is required")
	}
	for path, raw := range map[string]string{
		"runner.tick_interval":            c.Runner.TickInterval,
		"runner.join_timeout":             c.Runner.JoinTimeout,
		"runner.startup_delay":            c.Runner.StartupDelay,
		"queue.receive_timeout":           c.Queue.ReceiveTimeout,
		"queue.sqlite.busy_timeout":       c.Queue.SQLite.BusyTimeout,
		"queue.sqlite.visibility_timeout": c.Queue.SQLite.VisibilityTimeout,
		"processor.timeout":               c.Processor.Timeout,
		"report.interval":                 c.Report.Interval,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Report.IsEnabled() {
		if d, _ := ParseDurationField("report.interval", c.Report.Interval); c.Report.Interval != "" && d == 0 {
			return fmt.Errorf("report.interval must be positive")
		}
	}
	if c.Telegram != nil {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required when the telegram section is present")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when the telegram section is present")
		}
	}
	return nil
}

// Load reads and decodes the config file, returning the raw bytes alongside
// so the watcher can seed its content hash. Validation is left to the caller
// because command-line overrides apply first.
func Load(path string) (*Config, []byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, b, nil
}

// Parse decodes raw config bytes without validating.
func Parse(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}
