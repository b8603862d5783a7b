// Package chain detects coordinated dispersion-aggregation layering: one
// origin fans out to several intermediaries that funnel roughly equal
// amounts into one common receiver.
package chain

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Result describes a detected chain. The zero value means no chain.
type Result struct {
	IsLinkedChain  bool     `json:"isLinkedChain"`
	Origin         string   `json:"origin,omitempty"`
	CommonReceiver string   `json:"commonReceiver,omitempty"`
	FirstHops      []string `json:"firstHops,omitempty"`
	Members        []string `json:"members,omitempty"`
	// FunneledAmounts holds, per first hop in FirstHops order, the total it
	// sent to CommonReceiver (zero for first hops that did not funnel).
	FunneledAmounts []float64 `json:"funneledAmounts,omitempty"`
}

// Detector runs the dispersion-aggregation check against the edge log.
type Detector struct {
	store  domain.TransactionStore
	cfg    domain.ChainConfig
	logger *slog.Logger
}

// New creates a detector. Zero-valued config fields fall back to the
// canonical parameters.
func New(store domain.TransactionStore, cfg domain.ChainConfig, logger *slog.Logger) *Detector {
	def := domain.DefaultChainConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.MinFanOut <= 0 {
		cfg.MinFanOut = def.MinFanOut
	}
	if cfg.MinFanIn <= 0 {
		cfg.MinFanIn = def.MinFanIn
	}
	if cfg.RelativeTolerance == 0 && cfg.AbsoluteTolerance == 0 {
		cfg.RelativeTolerance = def.RelativeTolerance
		cfg.AbsoluteTolerance = def.AbsoluteTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, cfg: cfg, logger: logger}
}

// Detect checks whether t's sender originates a chain, and otherwise whether
// any account that paid the sender does. The window ends at view.Horizon
// (t's own timestamp when unset) and spans the configured lookback.
func (d *Detector) Detect(ctx context.Context, t *domain.Transfer, view domain.View) (Result, error) {
	until := view.Horizon
	if until.IsZero() || until.Before(t.Timestamp) {
		until = t.Timestamp
	}

	src := &storeEdges{
		store: d.store,
		from:  until.Add(-d.cfg.Lookback),
		to:    until,
		asOf:  view.AsOf,
	}

	res, err := d.checkOrigin(ctx, src, t.Sender)
	if err != nil || res.IsLinkedChain {
		return res, err
	}

	incoming, err := src.incoming(ctx, t.Sender)
	if err != nil {
		return Result{}, err
	}
	for _, origin := range distinct(incoming, func(e domain.Edge) string { return e.Sender }, t.Sender) {
		res, err := d.checkOrigin(ctx, src, origin)
		if err != nil || res.IsLinkedChain {
			return res, err
		}
	}

	return Result{}, nil
}

// ScanWindow finds every origin in [from, to] that roots a chain.
func (d *Detector) ScanWindow(ctx context.Context, from, to time.Time, asOf int64) ([]Result, error) {
	edges, err := d.store.RecentEdges(ctx, from, to, asOf)
	if err != nil {
		return nil, err
	}

	idx := newIndex(edges)
	var found []Result
	for _, origin := range idx.origins() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := d.checkOrigin(ctx, idx, origin)
		if err != nil {
			return nil, err
		}
		if res.IsLinkedChain {
			found = append(found, res)
		}
	}
	return found, nil
}

func (d *Detector) checkOrigin(ctx context.Context, src edgeSource, origin string) (Result, error) {
	out, err := src.outgoing(ctx, origin)
	if err != nil {
		return Result{}, err
	}

	firstHops := distinct(out, func(e domain.Edge) string { return e.Receiver }, origin)
	if len(firstHops) < d.cfg.MinFanOut {
		return Result{}, nil
	}

	// destination -> first hop -> total sent
	funnel := make(map[string]map[string]float64)
	for _, hop := range firstHops {
		edges, err := src.outgoing(ctx, hop)
		if err != nil {
			return Result{}, err
		}
		for _, e := range edges {
			if !validEdge(e) || e.Receiver == hop {
				continue
			}
			if funnel[e.Receiver] == nil {
				funnel[e.Receiver] = make(map[string]float64)
			}
			funnel[e.Receiver][hop] += e.Amount
		}
	}

	destinations := make([]string, 0, len(funnel))
	for dest, senders := range funnel {
		if len(senders) >= d.cfg.MinFanIn {
			destinations = append(destinations, dest)
		}
	}
	sort.Slice(destinations, func(i, j int) bool {
		ni, nj := len(funnel[destinations[i]]), len(funnel[destinations[j]])
		if ni != nj {
			return ni > nj
		}
		return destinations[i] < destinations[j]
	})

	for _, dest := range destinations {
		amounts := make([]float64, 0, len(funnel[dest]))
		for _, hop := range firstHops {
			if a, ok := funnel[dest][hop]; ok {
				amounts = append(amounts, a)
			}
		}
		if !d.uniform(amounts) {
			d.logger.Debug("chain candidate rejected by amount deviation",
				"origin", origin,
				"destination", dest,
				"amounts", amounts,
			)
			continue
		}

		funneled := make([]float64, len(firstHops))
		for i, hop := range firstHops {
			funneled[i] = funnel[dest][hop]
		}
		return Result{
			IsLinkedChain:   true,
			Origin:          origin,
			CommonReceiver:  dest,
			FirstHops:       firstHops,
			Members:         members(origin, firstHops, dest),
			FunneledAmounts: funneled,
		}, nil
	}

	return Result{}, nil
}

// uniform accepts amounts whose largest deviation from the mean stays within
// max(relative*mean, absolute). A single amount is trivially uniform.
func (d *Detector) uniform(amounts []float64) bool {
	if len(amounts) == 0 {
		return false
	}
	if len(amounts) == 1 {
		return true
	}

	var sum float64
	for _, a := range amounts {
		sum += a
	}
	mean := sum / float64(len(amounts))

	var maxDev float64
	for _, a := range amounts {
		maxDev = math.Max(maxDev, math.Abs(a-mean))
	}

	return maxDev <= math.Max(d.cfg.RelativeTolerance*mean, d.cfg.AbsoluteTolerance)
}

func members(origin string, firstHops []string, common string) []string {
	set := map[string]bool{origin: true, common: true}
	for _, h := range firstHops {
		set[h] = true
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// distinct returns the sorted distinct keys of valid edges, excluding self.
func distinct(edges []domain.Edge, key func(domain.Edge) string, self string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range edges {
		if !validEdge(e) {
			continue
		}
		k := key(e)
		if k == self || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// validEdge filters rows that cannot take part in a chain: missing parties,
// self-loops, and amounts that are not finite and positive.
func validEdge(e domain.Edge) bool {
	return e.Sender != "" && e.Receiver != "" && e.Sender != e.Receiver &&
		!math.IsNaN(e.Amount) && !math.IsInf(e.Amount, 0) && e.Amount > 0
}
