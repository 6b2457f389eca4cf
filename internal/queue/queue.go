package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mqrunner/pkg/logx"
)

// ErrUnknownMessage is returned by Acknowledge when the id does not belong
// to any in-flight message.
var ErrUnknownMessage = errors.New("queue: unknown message id")

// Message is one unit pulled off the queue. ID is the backend's
// acknowledgement handle; it is empty when the backend runs in
// receive-and-delete mode and needs none.
type Message struct {
	Content string
	ID      string
}

// Backend is a concrete queue binding: it hands out messages, completes
// them, and carries completion events for downstream consumers.
type Backend interface {
	// Receive returns the next message, or (nil, nil) when the queue is
	// momentarily empty. It blocks no longer than the configured receive
	// timeout.
	Receive(ctx context.Context) (*Message, error)
	// Acknowledge permanently removes a previously received message.
	// Returns ErrUnknownMessage when id is not in flight.
	Acknowledge(ctx context.Context, id string) error
	// Publish emits a completion event for a successfully processed message.
	Publish(ctx context.Context, content string) error
	Close() error
}

// Config selects and configures a queue driver.
//
// Driver values: "nats", "redis", "sqlite".
type Config struct {
	Driver         string
	ReceiveTimeout time.Duration

	NATS   NATSConfig
	Redis  RedisConfig
	SQLite SQLiteConfig
}

type NATSConfig struct {
	URL           string
	Stream        string
	Subject       string
	Durable       string
	EventsSubject string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	QueueKey  string
	EventsKey string
}

type SQLiteConfig struct {
	Path              string
	BusyTimeout       time.Duration
	VisibilityTimeout time.Duration
}

// Open initializes the configured backend. ackRequired selects between
// peek-lock semantics (messages stay on the queue until acknowledged) and
// receive-and-delete.
func Open(cfg Config, ackRequired bool, log logx.Logger) (Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 2 * time.Second
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "nats":
		return openNATS(cfg, ackRequired, log)
	case "redis":
		return openRedis(cfg, ackRequired, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, ackRequired, log)
	default:
		return nil, fmt.Errorf("unknown queue driver: %q", cfg.Driver)
	}
}
