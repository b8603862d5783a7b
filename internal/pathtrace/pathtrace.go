// Package pathtrace reconstructs the backward funding chain of a transfer.
package pathtrace

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultMaxHopTime is the longest gap allowed between consecutive hops.
const DefaultMaxHopTime = 120 * time.Second

// Trace is the reconstructed funding path, oldest hop first.
type Trace struct {
	Path       []string
	Timestamps []time.Time
	Amounts    []float64
	Layers     int
	// Accounts is the number of distinct accounts on the path.
	Accounts    int
	TotalAmount float64
	// AvgDelay is the mean gap between consecutive hops in seconds,
	// +Inf when fewer than two timestamps exist.
	AvgDelay float64
}

// Tracer walks predecessors through the transfer history.
type Tracer struct {
	store      domain.TransactionStore
	maxHopTime time.Duration
}

// New creates a tracer. A non-positive maxHopTime uses DefaultMaxHopTime.
func New(store domain.TransactionStore, maxHopTime time.Duration) *Tracer {
	if maxHopTime <= 0 {
		maxHopTime = DefaultMaxHopTime
	}
	return &Tracer{store: store, maxHopTime: maxHopTime}
}

// Trace starts from [sender, receiver] and repeatedly prepends the most
// recent unvisited sender that paid the frontier account within maxHopTime
// at or before the frontier's timestamp. The visited set bounds the path by
// the number of distinct accounts, so cycles terminate.
func (tr *Tracer) Trace(ctx context.Context, t *domain.Transfer, asOf int64) (Trace, error) {
	path := []string{t.Sender, t.Receiver}
	timestamps := []time.Time{t.Timestamp}
	amounts := []float64{t.AmountFloat()}
	visited := map[string]bool{t.Sender: true, t.Receiver: true}

	current, currentTime := t.Sender, t.Timestamp
	for {
		candidates, err := tr.store.Transfers(ctx, domain.TransferFilter{
			Receiver:    current,
			From:        currentTime.Add(-tr.maxHopTime),
			To:          currentTime,
			AsOf:        asOf,
			NewestFirst: true,
		})
		if err != nil {
			return Trace{}, fmt.Errorf("trace predecessors of %s: %w", current, err)
		}

		var prev *domain.Transfer
		for _, c := range candidates {
			if !visited[c.Sender] {
				prev = c
				break
			}
		}
		if prev == nil {
			break
		}

		path = append([]string{prev.Sender}, path...)
		timestamps = append([]time.Time{prev.Timestamp}, timestamps...)
		amounts = append([]float64{prev.AmountFloat()}, amounts...)
		visited[prev.Sender] = true
		current, currentTime = prev.Sender, prev.Timestamp
	}

	total := 0.0
	for _, a := range amounts {
		total += a
	}

	return Trace{
		Path:        path,
		Timestamps:  timestamps,
		Amounts:     amounts,
		Layers:      len(path) - 1,
		Accounts:    len(visited),
		TotalAmount: total,
		AvgDelay:    avgDelay(timestamps),
	}, nil
}

func avgDelay(ts []time.Time) float64 {
	if len(ts) < 2 {
		return math.Inf(1)
	}
	var sum float64
	for i := 1; i < len(ts); i++ {
		sum += math.Abs(ts[i].Sub(ts[i-1]).Seconds())
	}
	return sum / float64(len(ts)-1)
}
