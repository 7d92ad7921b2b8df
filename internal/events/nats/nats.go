package natsq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/noctua-obs/noctua/internal/events"
)

// Sink publishes observatory events to NATS subjects, one subject per event
// type below a common prefix, so dashboards can subscribe to exactly the
// stream they care about.
type Sink struct {
	nc     *nats.Conn
	prefix string
}

type Config struct {
	Name          string // connection name shown in NATS monitoring
	MaxReconnects int
	SubjectPrefix string
}

func New(url string, cfg Config) (*Sink, error) {
	if cfg.Name == "" {
		cfg.Name = "noctua"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "noctua.events"
	}
	nc, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Sink{nc: nc, prefix: cfg.SubjectPrefix}, nil
}

func (s *Sink) Send(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := subjectFor(s.prefix, e.Type)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	if err := s.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event %s: %w", e.Type, err)
	}

	slog.Debug(
		"event published",
		slog.String("type", string(e.Type)),
		slog.String("subject", subject),
		slog.Int("task_id", e.TaskID),
	)

	return nil
}

func (s *Sink) Close() error {
	return s.nc.Drain()
}

func subjectFor(prefix string, t events.Type) string {
	return prefix + "." + string(t)
}
