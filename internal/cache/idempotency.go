package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultIdempotencyTTL is how long an ingest response is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// Idempotency replays ingest results for repeated client keys.
type Idempotency struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewIdempotency wraps a cache. A non-positive ttl uses DefaultIdempotencyTTL.
func NewIdempotency(c domain.Cache, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{cache: c, ttl: ttl}
}

// Lookup returns the stored result for key, or nil when none exists.
func (i *Idempotency) Lookup(ctx context.Context, key string) (*domain.IngestResult, error) {
	data, err := i.cache.Get(ctx, idempotencyKey(key))
	if err != nil || data == nil {
		return nil, err
	}

	var res domain.IngestResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, nil
}

// Store records the result for key.
func (i *Idempotency) Store(ctx context.Context, key string, res *domain.IngestResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return i.cache.Set(ctx, idempotencyKey(key), data, i.ttl)
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}
