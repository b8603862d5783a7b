// Package features builds the feature vector a transfer is evaluated against.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/chain"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/pathtrace"
	"github.com/opensource-finance/harrier/internal/velocity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("harrier-features")

// Extractor computes feature vectors from the store. It only reads.
type Extractor struct {
	store      domain.TransactionStore
	alerts     domain.AlertLog
	paths      *pathtrace.Tracer
	velocity   *velocity.Service
	chains     *chain.Detector
	maxHopTime time.Duration
	logger     *slog.Logger
}

// NewExtractor wires an extractor over the store, alert log and chain detector.
func NewExtractor(store domain.TransactionStore, alerts domain.AlertLog, detector *chain.Detector, maxHopTime time.Duration, logger *slog.Logger) *Extractor {
	if maxHopTime <= 0 {
		maxHopTime = pathtrace.DefaultMaxHopTime
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		store:      store,
		alerts:     alerts,
		paths:      pathtrace.New(store, maxHopTime),
		velocity:   velocity.NewService(store),
		chains:     detector,
		maxHopTime: maxHopTime,
		logger:     logger,
	}
}

// Extract computes the full feature vector of t under view. Aggregates are
// anchored at t's timestamp; the linked-chain scan and forward hops extend
// to view.Horizon. Any store failure fails the whole extraction.
func (e *Extractor) Extract(ctx context.Context, t *domain.Transfer, view domain.View) (domain.FeatureVector, error) {
	ctx, span := tracer.Start(ctx, "features.Extract",
		trace.WithAttributes(
			attribute.String("transfer.id", t.ID),
			attribute.Int64("view.as_of", view.AsOf),
		),
	)
	defer span.End()

	if view.Horizon.IsZero() || view.Horizon.Before(t.Timestamp) {
		view.Horizon = t.Timestamp
	}

	var (
		path    pathtrace.Trace
		profile velocity.Profile
		prior   int64
		hops    []string
		linked  chain.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		path, err = e.paths.Trace(gctx, t, view.AsOf)
		return err
	})
	g.Go(func() error {
		var err error
		profile, err = e.velocity.Profile(gctx, t, view.AsOf)
		return err
	})
	g.Go(func() error {
		if e.alerts == nil {
			return nil
		}
		var err error
		prior, err = e.alerts.CountPriorAlerts(gctx, domain.PriorAlertQuery{
			Sender:    t.Sender,
			BeforeSeq: t.Seq,
			AlertSeq:  view.AlertSeq,
		})
		if err != nil {
			return fmt.Errorf("prior alerts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		hops, err = e.hopChain(gctx, t, view)
		return err
	})
	g.Go(func() error {
		if e.chains == nil {
			return nil
		}
		var err error
		linked, err = e.chains.Detect(gctx, t, view)
		if err != nil {
			return fmt.Errorf("linked chain: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	fv := vector(t, path, profile, prior, hops, linked)
	span.SetAttributes(attribute.Bool("linked_chain", linked.IsLinkedChain))

	e.logger.DebugContext(ctx, "features extracted",
		"transfer_id", t.ID,
		"num_layers", path.Layers,
		"hop_count", len(hops)-1,
		"linked_chain", linked.IsLinkedChain,
	)
	return fv, nil
}

// hopChain extends [sender, receiver] backwards through predecessors of the
// sender and forwards through successors of the receiver. Every hop must
// fall within maxHopTime of t and no later than the horizon.
func (e *Extractor) hopChain(ctx context.Context, t *domain.Transfer, view domain.View) ([]string, error) {
	hops := []string{t.Sender, t.Receiver}
	visited := map[string]bool{t.Sender: true, t.Receiver: true}

	for current := t.Sender; ; {
		prev, err := e.store.Transfers(ctx, domain.TransferFilter{
			Receiver:    current,
			From:        t.Timestamp.Add(-e.maxHopTime),
			To:          t.Timestamp,
			AsOf:        view.AsOf,
			NewestFirst: true,
		})
		if err != nil {
			return nil, fmt.Errorf("hop predecessors of %s: %w", current, err)
		}
		next := firstUnvisited(prev, visited, func(tr *domain.Transfer) string { return tr.Sender })
		if next == "" {
			break
		}
		hops = append([]string{next}, hops...)
		visited[next] = true
		current = next
	}

	until := t.Timestamp.Add(e.maxHopTime)
	if view.Horizon.Before(until) {
		until = view.Horizon
	}
	for current := t.Receiver; ; {
		succ, err := e.store.Transfers(ctx, domain.TransferFilter{
			Sender: current,
			From:   t.Timestamp,
			To:     until,
			AsOf:   view.AsOf,
		})
		if err != nil {
			return nil, fmt.Errorf("hop successors of %s: %w", current, err)
		}
		next := firstUnvisited(succ, visited, func(tr *domain.Transfer) string { return tr.Receiver })
		if next == "" {
			break
		}
		hops = append(hops, next)
		visited[next] = true
		current = next
	}

	return hops, nil
}

func firstUnvisited(transfers []*domain.Transfer, visited map[string]bool, party func(*domain.Transfer) string) string {
	for _, tr := range transfers {
		if p := party(tr); !visited[p] {
			return p
		}
	}
	return ""
}
