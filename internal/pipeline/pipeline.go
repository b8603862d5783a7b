// Package pipeline ingests transfers: store, extract, evaluate, alert, and
// trigger re-evaluation sweeps.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/tadp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("harrier-pipeline")

// Extractor computes a feature vector under a view.
type Extractor interface {
	Extract(ctx context.Context, t *domain.Transfer, view domain.View) (domain.FeatureVector, error)
}

// Evaluator runs the active rule set.
type Evaluator interface {
	Evaluate(ctx context.Context, fv domain.FeatureVector) (bool, []*domain.Rule)
	RulesCount() int
}

// Emitter appends alerts through the dedup log.
type Emitter interface {
	Emit(ctx context.Context, alert *domain.Alert) (bool, error)
}

// Sweeper re-evaluates recent transfers. A nil trigger sweeps everything.
type Sweeper interface {
	Sweep(ctx context.Context, trigger *domain.Transfer) (int, error)
}

// Pipeline is the ingest path.
type Pipeline struct {
	store     domain.TransactionStore
	extractor Extractor
	rules     Evaluator
	decider   *tadp.Processor
	emitter   Emitter
	sweeper   Sweeper
	session   *Session
	now       func() time.Time
	logger    *slog.Logger
}

// New wires a pipeline. sweeper may be nil to disable re-evaluation.
func New(store domain.TransactionStore, extractor Extractor, rules Evaluator, emitter Emitter, sweeper Sweeper, session *Session, logger *slog.Logger) *Pipeline {
	if session == nil {
		session = NewSession(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     store,
		extractor: extractor,
		rules:     rules,
		decider:   tadp.NewProcessor(),
		emitter:   emitter,
		sweeper:   sweeper,
		session:   session,
		now:       time.Now,
		logger:    logger,
	}
}

// Session returns the clean-transfer session.
func (p *Pipeline) Session() *Session {
	return p.session
}

// Ingest validates, stores and evaluates one transfer and returns its
// definitive result. Features see the store exactly as of the transfer's own
// commit. Sweep failures are logged and never change the result.
func (p *Pipeline) Ingest(ctx context.Context, req *domain.TransferRequest) (*domain.IngestResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.Ingest")
	defer span.End()

	if err := req.Validate(); err != nil {
		metrics.TransfersIngested.WithLabelValues("rejected").Inc()
		return nil, err
	}

	t := req.ToTransfer(p.now().UTC())
	if err := p.store.Append(ctx, t); err != nil {
		metrics.TransfersIngested.WithLabelValues("failed").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("append transfer: %w", err)
	}
	span.SetAttributes(
		attribute.String("transfer.id", t.ID),
		attribute.Int64("transfer.seq", t.Seq),
	)

	fv, err := p.extractor.Extract(ctx, t, domain.View{AsOf: t.Seq, Horizon: t.Timestamp})
	if err != nil {
		return nil, p.unevaluated(ctx, span, t, fmt.Errorf("extract features: %w", err))
	}

	_, matched := p.rules.Evaluate(ctx, fv)
	decision := p.decider.Process(ctx, &tadp.DecisionInput{
		Transfer:  t,
		Features:  fv,
		Matched:   matched,
		Evaluated: p.rules.RulesCount(),
		StartTime: start,
	})
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	if tadp.ShouldAlert(decision) {
		if _, err := p.emitter.Emit(ctx, decision.Alert); err != nil {
			return nil, p.unevaluated(ctx, span, t, fmt.Errorf("emit alert: %w", err))
		}
	}

	result := decision.Result
	metrics.TransfersIngested.WithLabelValues(result.Status).Inc()
	span.SetAttributes(attribute.String("transfer.status", result.Status))

	p.logger.InfoContext(ctx, "transfer ingested",
		"transfer_id", t.ID,
		"seq", t.Seq,
		"status", result.Status,
		"rules", result.TriggeredRules,
		"reasons", decision.Reasons,
		"highest_risk", decision.HighestRisk,
		"duration_ms", decision.Metadata.TotalMs,
	)

	batch := p.session.Record(result.Status)
	p.sweep(ctx, t, "scoped")
	if batch {
		p.sweep(ctx, nil, "catch-up")
	}

	return result, nil
}

// unevaluated reports a failure after t was committed. The transfer stays in
// the history; callers get its id so they do not resubmit it.
func (p *Pipeline) unevaluated(ctx context.Context, span trace.Span, t *domain.Transfer, err error) error {
	metrics.TransfersIngested.WithLabelValues("unevaluated").Inc()
	span.RecordError(err)
	p.logger.ErrorContext(ctx, "transfer stored but not evaluated",
		"transfer_id", t.ID,
		"seq", t.Seq,
		"error", err,
	)
	return &domain.UnevaluatedError{TransferID: t.ID, Err: err}
}

func (p *Pipeline) sweep(ctx context.Context, trigger *domain.Transfer, kind string) {
	if p.sweeper == nil {
		return
	}
	n, err := p.sweeper.Sweep(ctx, trigger)
	if err != nil {
		p.logger.WarnContext(ctx, "sweep failed",
			"kind", kind,
			"error", err,
		)
		return
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "sweep emitted alerts",
			"kind", kind,
			"alerts", n,
		)
	}
}

// Features recomputes the feature vector of a stored transfer as it was at
// its own commit. It only reads.
func (p *Pipeline) Features(ctx context.Context, id string) (domain.FeatureVector, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Features", trace.WithAttributes(attribute.String("transfer.id", id)))
	defer span.End()

	t, err := p.store.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.extractor.Extract(ctx, t, domain.View{AsOf: t.Seq, Horizon: t.Timestamp})
}
