package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"blockphysics/server/logging"
)

type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes events to a JetStream stream, one subject per event type.
type NATS struct {
	conn    *nats.Conn
	js      streamPublisher
	subject string
	timeout time.Duration
}

// DialNATS connects to the server and makes sure the stream exists.
func DialNATS(ctx context.Context, cfg logging.NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats sink: url required")
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("blockphysics-events"))
	if err != nil {
		return nil, fmt.Errorf("nats sink: connect: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats sink: jetstream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject + ".>"},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats sink: stream %s: %w", cfg.Stream, err)
	}
	sink := newNATS(js, cfg.Subject, cfg.Timeout)
	sink.conn = conn
	return sink, nil
}

func newNATS(js streamPublisher, subject string, timeout time.Duration) *NATS {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATS{js: js, subject: subject, timeout: timeout}
}

func (s *NATS) Write(event logging.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats sink: encode %s: %w", event.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.js.Publish(ctx, s.subject+"."+string(event.Type), data); err != nil {
		return fmt.Errorf("nats sink: publish %s: %w", event.Type, err)
	}
	return nil
}

// Close drains the connection so buffered publishes reach the server.
func (s *NATS) Close(context.Context) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
