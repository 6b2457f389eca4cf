package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"mqrunner/pkg/logx"
)

// natsBackend pulls messages from a JetStream work-queue stream. In-flight
// messages are tracked by stream sequence so Acknowledge can complete them
// later; with acknowledgement disabled every fetch is acked immediately.
type natsBackend struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	cons    jetstream.Consumer
	cfg     NATSConfig
	timeout time.Duration
	ackReq  bool
	log     logx.Logger

	mu       sync.Mutex
	inflight map[string]jetstream.Msg // stream sequence -> message
}

func openNATS(cfg Config, ackRequired bool, log logx.Logger) (Backend, error) {
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("mqrunner"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.NATS.Stream,
		Subjects:  []string{cfg.NATS.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating stream %s: %w", cfg.NATS.Stream, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   cfg.NATS.Durable,
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating consumer %s: %w", cfg.NATS.Durable, err)
	}

	log.Info("nats queue opened",
		logx.String("url", cfg.NATS.URL),
		logx.String("stream", cfg.NATS.Stream),
		logx.String("subject", cfg.NATS.Subject))

	return &natsBackend{
		nc:       nc,
		js:       js,
		cons:     cons,
		cfg:      cfg.NATS,
		timeout:  cfg.ReceiveTimeout,
		ackReq:   ackRequired,
		log:      log,
		inflight: make(map[string]jetstream.Msg),
	}, nil
}

func (b *natsBackend) Receive(ctx context.Context) (*Message, error) {
	batch, err := b.cons.Fetch(1, jetstream.FetchMaxWait(b.timeout))
	if err != nil {
		// Timeout or no messages is not an error; the runner treats an
		// empty result as a failed admission attempt.
		return nil, nil
	}

	for msg := range batch.Messages() {
		if !b.ackReq {
			_ = msg.Ack()
			return &Message{Content: string(msg.Data())}, nil
		}
		meta, err := msg.Metadata()
		if err != nil {
			_ = msg.Nak()
			return nil, fmt.Errorf("reading message metadata: %w", err)
		}
		id := strconv.FormatUint(meta.Sequence.Stream, 10)
		b.mu.Lock()
		b.inflight[id] = msg
		b.mu.Unlock()
		return &Message{Content: string(msg.Data()), ID: id}, nil
	}
	return nil, nil
}

func (b *natsBackend) Acknowledge(ctx context.Context, id string) error {
	b.mu.Lock()
	msg, ok := b.inflight[id]
	if ok {
		delete(b.inflight, id)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("acking message %s: %w", id, err)
	}
	return nil
}

func (b *natsBackend) Publish(ctx context.Context, content string) error {
	subject := b.cfg.EventsSubject
	if subject == "" {
		return nil
	}
	// Core NATS publish: completion events are fire-and-forget and need no
	// stream binding.
	if err := b.nc.Publish(subject, []byte(content)); err != nil {
		return fmt.Errorf("publishing completion event: %w", err)
	}
	return nil
}

func (b *natsBackend) Close() error {
	b.nc.Close()
	return nil
}
