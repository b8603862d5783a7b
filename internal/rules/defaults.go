package rules

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/harrier/internal/domain"
)

// ChainRuleID is the default coordinated dispersion-aggregation rule.
const ChainRuleID = 35

//go:embed default_rules.json
var defaultRulesJSON []byte

// DefaultRules returns a fresh copy of the embedded rule set.
func DefaultRules() []*domain.Rule {
	rules, err := Parse(defaultRulesJSON)
	if err != nil {
		panic(fmt.Sprintf("rules: embedded default rules are invalid: %v", err))
	}
	return rules
}

// Parse decodes a JSON array of rules.
func Parse(data []byte) ([]*domain.Rule, error) {
	var rules []*domain.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("%w: rule file: %v", domain.ErrInvalidInput, err)
	}
	return rules, nil
}

// LoadFile reads a JSON rule file.
func LoadFile(path string) ([]*domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	return Parse(data)
}
