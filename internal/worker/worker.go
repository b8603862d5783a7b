// Package worker ingests transfers submitted asynchronously over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Ingester runs one transfer through the ingest pipeline.
type Ingester interface {
	Ingest(ctx context.Context, req *domain.TransferRequest) (*domain.IngestResult, error)
}

// Submission is the payload published to TopicTransferSubmitted.
type Submission struct {
	RequestID string                 `json:"requestId"`
	Transfer  domain.TransferRequest `json:"transfer"`
}

// Decision is the payload published to TopicDecision.
type Decision struct {
	RequestID string               `json:"requestId"`
	Result    *domain.IngestResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Worker consumes submissions from the EventBus. Each subscription handles
// its messages in order, so one worker keeps ingest order for its stream.
type Worker struct {
	bus      domain.EventBus
	ingester Ingester
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates an async ingest worker.
func NewWorker(bus domain.EventBus, ingester Ingester, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		ingester: ingester,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the submission topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransferSubmitted, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransferSubmitted, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.logger.Info("worker started", "topic", domain.TopicTransferSubmitted)
	return nil
}

// handleMessage ingests one submission and publishes its decision.
// Malformed payloads are dropped; ingest errors are reported in the decision.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var sub Submission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		w.logger.Error("failed to parse submission",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if sub.RequestID == "" {
		sub.RequestID = msg.ID
	}

	decision := Decision{RequestID: sub.RequestID}
	res, err := w.ingester.Ingest(ctx, &sub.Transfer)
	if err != nil {
		w.logger.Warn("async ingest failed",
			"request_id", sub.RequestID,
			"error", err,
		)
		decision.Error = err.Error()
	} else {
		decision.Result = res
	}

	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		w.logger.Error("failed to publish decision",
			"request_id", sub.RequestID,
			"error", err,
		)
		return err
	}
	return nil
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

// Submit hands a transfer to a worker for asynchronous ingestion. It fails
// with domain.ErrNotDelivered when no worker took the submission.
func Submit(ctx context.Context, bus domain.EventBus, requestID string, req *domain.TransferRequest) error {
	payload, err := json.Marshal(Submission{RequestID: requestID, Transfer: *req})
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	return bus.Deliver(ctx, domain.TopicTransferSubmitted, payload)
}
