// Package events publishes domain events to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/config"
)

// Event types.
const (
	MessageReceived      = "message.received"
	CommissionCalculated = "commission.calculated"
	ReportWeekly         = "report.weekly"
)

const subjectPrefix = "ecocrm."

// Event is the envelope of every published event.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// New builds an event envelope.
func New(eventType, tenantID string, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// NATSPublisher publishes through JetStream for guaranteed delivery.
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry
}

// NewNATSPublisher connects and makes sure the stream exists.
func NewNATSPublisher(cfg config.NATSConfig, logger *logrus.Entry) (*NATSPublisher, error) {
	log := logger.WithField("component", "events.publisher")
	opts := []nats.Option{
		nats.Name("ecocrm"),
		nats.Timeout(10 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &NATSPublisher{conn: conn, js: js, logger: log}
	if err := p.ensureStream(cfg.Stream); err != nil {
		log.WithError(err).Warn("failed to ensure event stream")
	}
	log.WithField("url", cfg.URL).Info("NATS events publisher initialized")
	return p, nil
}

func (p *NATSPublisher) ensureStream(name string) error {
	streamCfg := nats.StreamConfig{
		Name:        name,
		Description: "CRM domain events",
		Subjects:    []string{subjectPrefix + ">"},
		Storage:     nats.FileStorage,
		Retention:   nats.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Discard:     nats.DiscardOld,
		Replicas:    1,
	}

	_, err := p.js.StreamInfo(streamCfg.Name)
	if err == nats.ErrStreamNotFound {
		if _, err = p.js.AddStream(&streamCfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		p.logger.WithField("stream", name).Info("created event stream")
		return nil
	}
	return err
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if !p.conn.IsConnected() {
		p.logger.WithField("type", e.Type).Warn("NATS not connected, skipping event publish")
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := subjectPrefix + e.Type
	ack, err := p.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	p.logger.WithFields(logrus.Fields{
		"type":      e.Type,
		"tenant_id": e.TenantID,
		"sequence":  ack.Sequence,
	}).Debug("published event")
	return nil
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
}

// Noop drops every event; used when NATS is not configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() {}

// Events returns a copy of what was published, optionally filtered by type.
func (r *Recorder) Events(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
