// Package alerting appends alerts through the dedup log and fans newly
// appended alerts out to observers.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// Observer is notified of every newly appended alert.
type Observer interface {
	Name() string
	Notify(ctx context.Context, alert *domain.Alert) error
}

// Emitter writes alerts to the alert log exactly once per dedup key.
type Emitter struct {
	log       domain.AlertLog
	observers []Observer
	logger    *slog.Logger
}

// NewEmitter creates an emitter over the alert log.
func NewEmitter(log domain.AlertLog, logger *slog.Logger, observers ...Observer) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{log: log, observers: observers, logger: logger}
}

// Emit appends the alert unless a duplicate exists and reports whether it
// was new. Observer failures are logged; the alert log is authoritative.
func (e *Emitter) Emit(ctx context.Context, alert *domain.Alert) (bool, error) {
	appended, err := e.log.AppendAlert(ctx, alert)
	if err != nil {
		return false, fmt.Errorf("append alert: %w", err)
	}
	if !appended {
		metrics.AlertsSuppressed.WithLabelValues(alert.Source).Inc()
		e.logger.DebugContext(ctx, "duplicate alert suppressed",
			"transfer_id", alert.TransferID,
			"sender", alert.Transfer.Sender,
			"receiver", alert.Transfer.Receiver,
			"source", alert.Source,
		)
		return false, nil
	}

	metrics.AlertsEmitted.WithLabelValues(alert.Source).Inc()
	e.logger.InfoContext(ctx, "alert emitted",
		"alert_id", alert.ID,
		"transfer_id", alert.TransferID,
		"sender", alert.Transfer.Sender,
		"receiver", alert.Transfer.Receiver,
		"rules", alert.MatchedRules,
		"source", alert.Source,
	)

	for _, o := range e.observers {
		if err := o.Notify(ctx, alert); err != nil {
			metrics.FeedPublishFailures.WithLabelValues(o.Name()).Inc()
			e.logger.WarnContext(ctx, "alert observer failed",
				"observer", o.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
		}
	}
	return true, nil
}

// BusObserver publishes alerts to the event bus alert topic.
type BusObserver struct {
	bus domain.EventBus
}

// NewBusObserver creates an observer publishing to domain.TopicAlert.
func NewBusObserver(bus domain.EventBus) *BusObserver {
	return &BusObserver{bus: bus}
}

// Name implements Observer.
func (o *BusObserver) Name() string { return "bus" }

// Notify implements Observer.
func (o *BusObserver) Notify(ctx context.Context, alert *domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return o.bus.Publish(ctx, domain.TopicAlert, payload)
}
