package domain

import (
	"math"
	"time"
)

// Ingest statuses.
const (
	StatusFlagged = "flagged"
	StatusClean   = "clean"
)

// Alert sources.
const (
	AlertSourceIngest = "ingest"
	AlertSourceSweep  = "sweep"
)

// AlertAmountTolerance is the amount difference under which two alerts for
// the same sender and receiver are considered the same alert.
const AlertAmountTolerance = 1e-6

// IngestResult is the definitive outcome of ingesting one transfer.
type IngestResult struct {
	TransferID     string   `json:"transferId"`
	Status         string   `json:"status"`
	TriggeredRules []string `json:"triggeredRules"`
}

// Alert is an append-only record of a flagged transfer.
type Alert struct {
	ID           string        `json:"id"`
	TransferID   string        `json:"transferId"`
	TransferSeq  int64         `json:"transferSeq"`
	Transfer     AlertSnapshot `json:"transfer"`
	MatchedRules []string      `json:"matchedRuleNames"`
	RiskLevels   []string      `json:"riskLevels"`
	Source       string        `json:"source"`
	EmittedAt    time.Time     `json:"emittedAt"`
}

// AlertSnapshot freezes the flagged transfer and its key path features.
type AlertSnapshot struct {
	Sender           string    `json:"sender"`
	Receiver         string    `json:"receiver"`
	Amount           float64   `json:"amount"`
	Timestamp        time.Time `json:"timestamp"`
	DeviceType       string    `json:"deviceType,omitempty"`
	Country          string    `json:"country,omitempty"`
	MerchantCategory string    `json:"merchantCategory,omitempty"`
	PaymentMethod    string    `json:"paymentMethod,omitempty"`
	CustomerID       string    `json:"customerId,omitempty"`

	Path                []string `json:"path,omitempty"`
	NumAccountsInvolved int64    `json:"numAccountsInvolved"`
	NumLayers           int64    `json:"numLayers"`
	TotalAmount         float64  `json:"totalAmount"`
	// Nil when the path has no measurable delay.
	AvgDelaySeconds *float64 `json:"avgDelaySeconds,omitempty"`

	LinkedChainCommonReceiver string   `json:"linkedChainCommonReceiver,omitempty"`
	LinkedChainMembers        []string `json:"linkedChainMembers,omitempty"`
}

// NewAlert builds an alert for a transfer and the rules it matched.
func NewAlert(t *Transfer, fv FeatureVector, matched []*Rule, source string, now time.Time) *Alert {
	snap := AlertSnapshot{
		Sender:           t.Sender,
		Receiver:         t.Receiver,
		Amount:           t.AmountFloat(),
		Timestamp:        t.Timestamp,
		DeviceType:       t.DeviceType,
		Country:          t.Country,
		MerchantCategory: t.MerchantCategory,
		PaymentMethod:    t.PaymentMethod,
		CustomerID:       t.CustomerID,

		Path:                fv.Strings(FeaturePath),
		NumAccountsInvolved: fv.Int(FeatureNumAccountsInvolved),
		NumLayers:           fv.Int(FeatureNumLayers),
		TotalAmount:         fv.Float(FeatureTotalAmount),

		LinkedChainCommonReceiver: fv.String(FeatureLinkedChainCommonReceiver),
		LinkedChainMembers:        fv.Strings(FeatureLinkedChainMembers),
	}
	if d, ok := fv[FeatureAvgDelayBetweenLayers].(float64); ok && !math.IsInf(d, 0) && !math.IsNaN(d) {
		snap.AvgDelaySeconds = &d
	}

	levels := make([]string, 0, len(matched))
	for _, r := range matched {
		levels = append(levels, r.RiskLevel)
	}

	return &Alert{
		TransferID:   t.ID,
		TransferSeq:  t.Seq,
		Transfer:     snap,
		MatchedRules: RuleNames(matched),
		RiskLevels:   levels,
		Source:       source,
		EmittedAt:    now.UTC(),
	}
}

// SameAs reports whether two alerts are duplicates under the dedup rule.
func (a *Alert) SameAs(other *Alert) bool {
	return a.Transfer.Sender == other.Transfer.Sender &&
		a.Transfer.Receiver == other.Transfer.Receiver &&
		math.Abs(a.Transfer.Amount-other.Transfer.Amount) < AlertAmountTolerance
}
