// Package events publishes conversion events. Publishing is fire-and-forget:
// the Bus logs and swallows every failure.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/pkg/logger"
)

// Event types emitted by the conversion engine
const (
	ConversionCompleted         = "conversion.completed"
	ConversionFailed            = "conversion.failed"
	ConversionApprovalRequested = "conversion.approval_requested"
)

// Event is the envelope written to the transport
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TenantID  string    `json:"tenantId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Publisher delivers events to a transport
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Bus stamps events and hands them to a Publisher, never returning its errors
type Bus struct {
	publisher Publisher
	timeout   time.Duration
	logger    *logger.Logger
}

func NewBus(p Publisher, timeout time.Duration, log *logger.Logger) *Bus {
	return &Bus{publisher: p, timeout: timeout, logger: log}
}

// Publish sends eventType with payload. Failures are logged at warn level.
func (b *Bus) Publish(ctx context.Context, eventType, tenantID string, payload any) {
	if b == nil || b.publisher == nil {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if err := b.publisher.Publish(ctx, ev); err != nil {
		b.logger.Warnf("Failed to publish %s event for tenant %s: %v", eventType, tenantID, err)
	}
}

func (b *Bus) Close() error {
	if b == nil || b.publisher == nil {
		return nil
	}
	return b.publisher.Close()
}

// LogPublisher writes events to the service log
type LogPublisher struct {
	logger *logger.Logger
}

func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{logger: log}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", ev.Type, err)
	}
	p.logger.WithFields(map[string]string{
		"event":  ev.Type,
		"tenant": ev.TenantID,
		"id":     ev.ID,
	}).Info("%s", string(body))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// MemoryPublisher keeps events in memory
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailWith makes every later Publish return err
func (p *MemoryPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *MemoryPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of everything published
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func (p *MemoryPublisher) Close() error { return nil }

// NewPublisher builds the publisher selected by cfg.Driver
func NewPublisher(cfg config.EventsConfig, log *logger.Logger) (Publisher, error) {
	switch cfg.Driver {
	case "", "log":
		return NewLogPublisher(log), nil
	case "memory":
		return NewMemoryPublisher(), nil
	case "kafka":
		return NewKafkaPublisher(cfg.Brokers, cfg.Topic, log)
	}
	return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
}
