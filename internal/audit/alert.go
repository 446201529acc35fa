package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertChainTampered    AlertKind = "audit_chain_tampered"
	AlertIntegrityFailure AlertKind = "record_integrity_failure"
)

// Alert is raised out of band when the core detects tampering. It carries no
// record content.
type Alert struct {
	Kind       AlertKind `json:"kind"`
	Seq        uint64    `json:"seq,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	Detail     string    `json:"detail"`
	DetectedAt time.Time `json:"detected_at"`
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// LogAlerter writes alerts to the structured log at error level.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(ctx context.Context, alert Alert) error {
	if a.logger == nil {
		return nil
	}
	a.logger.ErrorContext(ctx, "operator alert",
		"log_type", "alert",
		"kind", string(alert.Kind),
		"seq", alert.Seq,
		"record_id", alert.RecordID,
		"detail", alert.Detail,
	)
	return nil
}

// Publisher is satisfied by the Kafka producer.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// KafkaAlerter publishes alerts as JSON keyed by kind.
type KafkaAlerter struct {
	publisher Publisher
}

func NewKafkaAlerter(p Publisher) *KafkaAlerter {
	return &KafkaAlerter{publisher: p}
}

func (a *KafkaAlerter) Alert(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return a.publisher.Publish(ctx, []byte(alert.Kind), body)
}

// MultiAlerter fans an alert out to every sink and joins their errors.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, alert Alert) error {
	var errs []error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Alert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
