package chain

import (
	"context"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// edgeSource answers the two lookups the detector needs within one window.
type edgeSource interface {
	outgoing(ctx context.Context, party string) ([]domain.Edge, error)
	incoming(ctx context.Context, party string) ([]domain.Edge, error)
}

// storeEdges queries the edge log per account.
type storeEdges struct {
	store    domain.TransactionStore
	from, to time.Time
	asOf     int64
}

func (s *storeEdges) outgoing(ctx context.Context, party string) ([]domain.Edge, error) {
	return s.store.Edges(ctx, domain.EdgeFilter{Sender: party, From: s.from, To: s.to, AsOf: s.asOf})
}

func (s *storeEdges) incoming(ctx context.Context, party string) ([]domain.Edge, error) {
	return s.store.Edges(ctx, domain.EdgeFilter{Receiver: party, From: s.from, To: s.to, AsOf: s.asOf})
}

// edgeIndex serves lookups from an already loaded edge window.
type edgeIndex struct {
	out map[string][]domain.Edge
	in  map[string][]domain.Edge
}

func newIndex(edges []domain.Edge) *edgeIndex {
	idx := &edgeIndex{
		out: make(map[string][]domain.Edge),
		in:  make(map[string][]domain.Edge),
	}
	for _, e := range edges {
		idx.out[e.Sender] = append(idx.out[e.Sender], e)
		idx.in[e.Receiver] = append(idx.in[e.Receiver], e)
	}
	return idx
}

func (x *edgeIndex) outgoing(_ context.Context, party string) ([]domain.Edge, error) {
	return x.out[party], nil
}

func (x *edgeIndex) incoming(_ context.Context, party string) ([]domain.Edge, error) {
	return x.in[party], nil
}

func (x *edgeIndex) origins() []string {
	out := make([]string, 0, len(x.out))
	for s := range x.out {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
