// Package velocity computes windowed activity profiles for the two parties of
// a transfer.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Diversity lookbacks.
const (
	CountryWindow = 7 * 24 * time.Hour
	DeviceWindow  = 72 * time.Hour
)

// Window holds the sender and receiver aggregates for one lookback.
type Window struct {
	Suffix   string
	Sender   domain.Aggregate
	Receiver domain.Aggregate
}

// Profile is the velocity picture of a transfer at its own timestamp.
type Profile struct {
	Windows   []Window
	Countries int64
	Devices   int64
}

// Service calculates transfer velocity from the store.
type Service struct {
	store domain.TransactionStore
}

// NewService creates a new velocity service.
func NewService(store domain.TransactionStore) *Service {
	return &Service{store: store}
}

// Aggregate returns the activity of party on side over [anchor-window, anchor].
func (s *Service) Aggregate(ctx context.Context, side domain.Side, party string, anchor time.Time, window time.Duration, distinct domain.Distinct, asOf int64) (domain.Aggregate, error) {
	if party == "" {
		return domain.Aggregate{}, fmt.Errorf("%w: party is required", domain.ErrInvalidInput)
	}
	return s.store.WindowAggregate(ctx, domain.AggregateQuery{
		Side:     side,
		Party:    party,
		From:     anchor.Add(-window),
		To:       anchor,
		Distinct: distinct,
		AsOf:     asOf,
	})
}

// Profile computes every feature window for t's sender and receiver plus
// the sender's country and device diversity. Queries run concurrently; the
// first failure cancels the rest.
func (s *Service) Profile(ctx context.Context, t *domain.Transfer, asOf int64) (Profile, error) {
	p := Profile{Windows: make([]Window, len(domain.FeatureWindows))}

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range domain.FeatureWindows {
		p.Windows[i].Suffix = w.Suffix
		g.Go(func() error {
			agg, err := s.Aggregate(gctx, domain.BySender, t.Sender, t.Timestamp, w.Duration, domain.DistinctCounterparty, asOf)
			if err != nil {
				return fmt.Errorf("sender window %s: %w", w.Suffix, err)
			}
			p.Windows[i].Sender = agg
			return nil
		})
		g.Go(func() error {
			agg, err := s.Aggregate(gctx, domain.ByReceiver, t.Receiver, t.Timestamp, w.Duration, domain.DistinctCounterparty, asOf)
			if err != nil {
				return fmt.Errorf("receiver window %s: %w", w.Suffix, err)
			}
			p.Windows[i].Receiver = agg
			return nil
		})
	}

	g.Go(func() error {
		agg, err := s.Aggregate(gctx, domain.BySender, t.Sender, t.Timestamp, CountryWindow, domain.DistinctCountry, asOf)
		if err != nil {
			return fmt.Errorf("country diversity: %w", err)
		}
		p.Countries = agg.DistinctCount
		return nil
	})
	g.Go(func() error {
		agg, err := s.Aggregate(gctx, domain.BySender, t.Sender, t.Timestamp, DeviceWindow, domain.DistinctDeviceType, asOf)
		if err != nil {
			return fmt.Errorf("device diversity: %w", err)
		}
		p.Devices = agg.DistinctCount
		return nil
	})

	if err := g.Wait(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
