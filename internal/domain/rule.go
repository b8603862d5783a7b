package domain

import "sort"

// Rule is a declarative detection rule. Condition is a boolean expression
// over the feature schema and is compiled once when the rule set loads.
type Rule struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Condition string `json:"condition"`
	RiskLevel string `json:"riskLevel"`
	Category  string `json:"category"`
	Action    string `json:"action"`

	// Whether rule is active. Absent in rule files means enabled.
	Enabled *bool `json:"enabled,omitempty"`
}

// IsEnabled reports whether the rule takes part in evaluation.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Risk levels, lowest first.
const (
	RiskLow      = "Low"
	RiskMedium   = "Medium"
	RiskHigh     = "High"
	RiskCritical = "Critical"
)

// RiskRank orders risk levels; unknown levels rank below Low.
func RiskRank(level string) int {
	switch level {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// SortByRisk returns a copy of rules ordered by descending risk level.
// Rules of equal risk keep their relative order.
func SortByRisk(rules []*Rule) []*Rule {
	out := make([]*Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		return RiskRank(out[i].RiskLevel) > RiskRank(out[j].RiskLevel)
	})
	return out
}

// RuleNames returns the names of rules in order.
func RuleNames(rules []*Rule) []string {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	return names
}

// RuleFault records a rule that could not be loaded.
type RuleFault struct {
	RuleID int    `json:"ruleId"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}
