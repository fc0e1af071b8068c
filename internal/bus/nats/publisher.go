// Package nats implements the bus publisher on NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/meridian-data/chatfeed/internal/ingest"
)

// Config holds NATS connection and stream configuration.
type Config struct {
	// URL is the NATS server URL (e.g. "nats://localhost:4222").
	URL string
	// Name identifies this client on the server.
	Name string
	// Stream is the JetStream stream receiving events.
	Stream string
	// SubjectPrefix prefixes per-source subjects, e.g.
	// "chatfeed.events" publishes to "chatfeed.events.<source_id>".
	SubjectPrefix string
	// DedupWindow is the server-side duplicate tracking window keyed by
	// event key. Redeliveries inside the window are absorbed broker-side.
	DedupWindow time.Duration
	// MaxReconnects and ReconnectWait tune connection resilience.
	MaxReconnects int
	ReconnectWait time.Duration
	// Timeout is the connection timeout.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "chatfeed-publisher",
		Stream:        "CHATFEED_EVENTS",
		SubjectPrefix: "chatfeed.events",
		DedupWindow:   10 * time.Minute,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Publisher publishes events to a JetStream stream. The event key rides as
// the message id, so the broker deduplicates redelivered events inside the
// configured window.
type Publisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
}

// New connects to NATS, ensures the stream exists, and returns a Publisher.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Stream == "" || cfg.SubjectPrefix == "" {
		return nil, fmt.Errorf("stream and subject prefix are required")
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: cfg.DedupWindow,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create/update stream %s: %w", cfg.Stream, err)
	}

	return &Publisher{
		conn:    conn,
		js:      js,
		subject: cfg.SubjectPrefix,
	}, nil
}

// Publish sends one event and waits for the JetStream acknowledgment.
func (p *Publisher) Publish(ctx context.Context, event ingest.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.subject, event.SourceID)
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.EventKey))
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.EventKey, err)
	}
	return nil
}

// Close drains the connection, letting in-flight publishes settle.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
