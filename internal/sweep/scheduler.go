// Package sweep re-evaluates recent transfers so coordinated chains completed
// by later transfers are still reported.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("harrier-sweep")

// chainRuleMarker identifies coordinated-chain rules by name when their id
// is not configured.
const chainRuleMarker = "Coordinated Dispersion"

// Store is the transfer history plus the alert log position.
type Store interface {
	domain.TransactionStore
	LatestAlertSeq(ctx context.Context) (int64, error)
}

// Extractor computes a feature vector under a view.
type Extractor interface {
	Extract(ctx context.Context, t *domain.Transfer, view domain.View) (domain.FeatureVector, error)
}

// RuleSource hands out the active compiled rule set.
type RuleSource interface {
	Snapshot() *rules.RuleSet
}

// Emitter appends alerts through the dedup log.
type Emitter interface {
	Emit(ctx context.Context, alert *domain.Alert) (bool, error)
}

// Config controls sweep scope and parallelism.
type Config struct {
	Window       time.Duration
	Workers      int
	ChainRuleIDs []int
}

// Scheduler runs re-evaluation sweeps.
type Scheduler struct {
	store     Store
	extractor Extractor
	rules     RuleSource
	emitter   Emitter
	cfg       Config
	chainIDs  map[int]bool
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a scheduler.
func New(store Store, extractor Extractor, rules RuleSource, emitter Emitter, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if len(cfg.ChainRuleIDs) == 0 {
		cfg.ChainRuleIDs = []int{35}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ids := make(map[int]bool, len(cfg.ChainRuleIDs))
	for _, id := range cfg.ChainRuleIDs {
		ids[id] = true
	}

	return &Scheduler{
		store:     store,
		extractor: extractor,
		rules:     rules,
		emitter:   emitter,
		cfg:       cfg,
		chainIDs:  ids,
		now:       time.Now,
		logger:    logger,
	}
}

// Sweep re-evaluates the transfers of the window ending at the trigger's
// timestamp (the clock when trigger is nil). With a trigger only transfers
// touching its sender or receiver are candidates. Every candidate sees the
// store and the alert log as of sweep start with the horizon at the
// reference time, and is evaluated against the rule set in force at sweep
// start. Returns the number of alerts newly appended.
func (s *Scheduler) Sweep(ctx context.Context, trigger *domain.Transfer) (int, error) {
	start := time.Now()

	ref := s.now().UTC()
	scope := "full"
	filter := domain.TransferFilter{}
	if trigger != nil {
		ref = trigger.Timestamp
		scope = "scoped"
		filter.Parties = []string{trigger.Sender, trigger.Receiver}
	}

	ctx, span := tracer.Start(ctx, "sweep.Sweep",
		trace.WithAttributes(
			attribute.String("sweep.scope", scope),
			attribute.String("sweep.reference", ref.Format(time.RFC3339Nano)),
		),
	)
	defer span.End()
	defer func() {
		metrics.SweepDuration.WithLabelValues(scope).Observe(time.Since(start).Seconds())
	}()

	ruleSet := s.rules.Snapshot()
	asOf, err := s.store.LatestSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep snapshot: %w", err)
	}

	alertSeq, err := s.store.LatestAlertSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep alert snapshot: %w", err)
	}

	filter.From = ref.Add(-s.cfg.Window)
	filter.To = ref
	filter.AsOf = asOf

	candidates, err := s.store.Transfers(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("sweep candidates: %w", err)
	}
	metrics.SweepCandidates.Add(float64(len(candidates)))

	view := domain.View{AsOf: asOf, Horizon: ref, AlertSeq: alertSeq}
	var emitted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, c := range candidates {
		g.Go(func() error {
			ok, err := s.reevaluate(gctx, ruleSet, c, view)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.WarnContext(gctx, "sweep candidate failed",
					"transfer_id", c.ID,
					"error", err,
				)
				return nil
			}
			if ok {
				emitted.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return int(emitted.Load()), err
	}

	n := int(emitted.Load())
	span.SetAttributes(attribute.Int("sweep.emitted", n))
	s.logger.InfoContext(ctx, "sweep completed",
		"scope", scope,
		"candidates", len(candidates),
		"emitted", n,
		"as_of", asOf,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n, nil
}

func (s *Scheduler) reevaluate(ctx context.Context, ruleSet *rules.RuleSet, t *domain.Transfer, view domain.View) (bool, error) {
	fv, err := s.extractor.Extract(ctx, t, view)
	if err != nil {
		return false, err
	}

	_, matched := ruleSet.Evaluate(ctx, fv)
	var chainRules []*domain.Rule
	for _, r := range matched {
		if s.isChainRule(r) {
			chainRules = append(chainRules, r)
		}
	}
	if len(chainRules) == 0 {
		return false, nil
	}

	alert := domain.NewAlert(t, fv, chainRules, domain.AlertSourceSweep, s.now())
	return s.emitter.Emit(ctx, alert)
}

func (s *Scheduler) isChainRule(r *domain.Rule) bool {
	return s.chainIDs[r.ID] || strings.Contains(r.Name, chainRuleMarker)
}
