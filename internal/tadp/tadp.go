// Package tadp implements the Transfer Aggregated Decision Processor.
// TADP turns the rules a transfer matched into the definitive ingest
// decision and the alert to emit for it.
package tadp

import (
	"context"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Processor aggregates rule matches and produces a final decision.
type Processor struct {
	// Source is recorded on the alerts this processor builds.
	Source string

	now func() time.Time
}

// NewProcessor creates a processor for ingest-time decisions.
func NewProcessor() *Processor {
	return &Processor{
		Source: domain.AlertSourceIngest,
		now:    time.Now,
	}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	Transfer  *domain.Transfer
	Features  domain.FeatureVector
	Matched   []*domain.Rule
	Evaluated int
	StartTime time.Time
}

// Decision is the outcome of one transfer.
type Decision struct {
	Result *domain.IngestResult
	// Alert is nil for clean transfers.
	Alert       *domain.Alert
	HighestRisk string
	// Reasons are the matched rules, highest risk first.
	Reasons  []string
	Metadata DecisionMetadata
}

// DecisionMetadata records how the decision was reached.
type DecisionMetadata struct {
	RulesEvaluated int
	RulesMatched   int
	TotalMs        int64
}

// Process produces the decision for a transfer. Any match flags it.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *Decision {
	result := &domain.IngestResult{
		TransferID:     input.Transfer.ID,
		Status:         domain.StatusClean,
		TriggeredRules: domain.RuleNames(input.Matched),
	}

	d := &Decision{
		Result: result,
		Metadata: DecisionMetadata{
			RulesEvaluated: input.Evaluated,
			RulesMatched:   len(input.Matched),
		},
	}

	if len(input.Matched) > 0 {
		result.Status = domain.StatusFlagged
		d.HighestRisk = domain.SortByRisk(input.Matched)[0].RiskLevel
		d.Reasons = GetReasons(input.Matched)
		d.Alert = domain.NewAlert(input.Transfer, input.Features, input.Matched, p.Source, p.now())
	}

	if !input.StartTime.IsZero() {
		d.Metadata.TotalMs = time.Since(input.StartTime).Milliseconds()
	}
	return d
}

// ShouldAlert returns true if the decision carries an alert.
func ShouldAlert(d *Decision) bool {
	return d.Result.Status == domain.StatusFlagged && d.Alert != nil
}

// GetReasons lists the matched rules, highest risk first, as
// "name (category)" strings.
func GetReasons(matched []*domain.Rule) []string {
	var reasons []string
	for _, r := range domain.SortByRisk(matched) {
		reason := r.Name
		if r.Category != "" {
			reason += " (" + r.Category + ")"
		}
		reasons = append(reasons, reason)
	}
	return reasons
}
