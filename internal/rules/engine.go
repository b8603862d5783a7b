// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// Engine compiles rule conditions against the closed feature schema and
// evaluates them. The active rule set is an immutable snapshot swapped
// atomically on reload.
type Engine struct {
	env        *cel.Env
	maxWorkers int
	logger     *slog.Logger

	mu       sync.RWMutex
	snapshot *RuleSet
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.Rule
	Program cel.Program
}

// RuleSet is an immutable, ordered set of compiled rules.
type RuleSet struct {
	rules      []*CompiledRule
	faults     []domain.RuleFault
	loadedAt   time.Time
	maxWorkers int
	logger     *slog.Logger
}

// NewEngine creates a rule engine with an empty rule set.
func NewEngine(maxWorkers int, logger *slog.Logger) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:        env,
		maxWorkers: maxWorkers,
		logger:     logger,
	}
	e.snapshot = e.newRuleSet(nil, nil)
	return e, nil
}

// newEnv declares exactly the feature schema; any other identifier fails
// to compile.
func newEnv() (*cel.Env, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, spec := range domain.FeatureSchema() {
		opts = append(opts, cel.Variable(spec.Name, celType(spec.Kind)))
	}
	return cel.NewEnv(opts...)
}

func celType(kind domain.FeatureKind) *cel.Type {
	switch kind {
	case domain.KindInt:
		return cel.IntType
	case domain.KindDouble:
		return cel.DoubleType
	case domain.KindBool:
		return cel.BoolType
	case domain.KindString:
		return cel.StringType
	case domain.KindStringList:
		return cel.ListType(cel.StringType)
	case domain.KindDoubleList:
		return cel.ListType(cel.DoubleType)
	default:
		return cel.DynType
	}
}

// ValidateRule compiles a rule without touching the loaded snapshot.
func (e *Engine) ValidateRule(rule *domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidInput)
	}
	_, err := e.compileRule(rule)
	return err
}

// Load compiles rules into a new snapshot and swaps it in. Rules whose
// condition does not compile are left out and reported as faults; the rest
// load. Duplicate ids reject the whole set and keep the current snapshot.
func (e *Engine) Load(rules []*domain.Rule) ([]domain.RuleFault, error) {
	seen := make(map[int]bool, len(rules))
	for _, r := range rules {
		if r == nil {
			return nil, fmt.Errorf("%w: nil rule", domain.ErrInvalidInput)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %d", domain.ErrInvalidInput, r.ID)
		}
		seen[r.ID] = true
	}

	var compiled []*CompiledRule
	var faults []domain.RuleFault
	for _, r := range rules {
		if !r.IsEnabled() {
			continue
		}
		c, err := e.compileRule(r)
		if err != nil {
			e.logger.Warn("rule rejected at load",
				"rule_id", r.ID,
				"rule_name", r.Name,
				"error", err,
			)
			faults = append(faults, domain.RuleFault{RuleID: r.ID, Name: r.Name, Reason: err.Error()})
			continue
		}
		compiled = append(compiled, c)
	}

	rs := e.newRuleSet(compiled, faults)

	e.mu.Lock()
	e.snapshot = rs
	e.mu.Unlock()

	metrics.RulesLoaded.Set(float64(len(compiled)))
	e.logger.Info("rule set loaded",
		"rules", len(compiled),
		"faults", len(faults),
	)
	return faults, nil
}

// Snapshot returns the active rule set.
func (e *Engine) Snapshot() *RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// Evaluate runs the active snapshot against fv.
func (e *Engine) Evaluate(ctx context.Context, fv domain.FeatureVector) (bool, []*domain.Rule) {
	return e.Snapshot().Evaluate(ctx, fv)
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return e.Snapshot().Len()
}

func (e *Engine) newRuleSet(compiled []*CompiledRule, faults []domain.RuleFault) *RuleSet {
	return &RuleSet{
		rules:      compiled,
		faults:     faults,
		loadedAt:   time.Now().UTC(),
		maxWorkers: e.maxWorkers,
		logger:     e.logger,
	}
}

func (e *Engine) compileRule(rule *domain.Rule) (*CompiledRule, error) {
	if strings.TrimSpace(rule.Condition) == "" {
		return nil, fmt.Errorf("%w: rule %d has an empty condition", domain.ErrRuleCondition, rule.ID)
	}

	ast, issues := e.env.Compile(rule.Condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: rule %d: %v", domain.ErrRuleCondition, rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %d: condition must return bool, got %s",
			domain.ErrRuleCondition, rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %d: %v", domain.ErrRuleCondition, rule.ID, err)
	}

	return &CompiledRule{
		Rule:    rule,
		Program: program,
	}, nil
}

// Rules returns the loaded rules in evaluation order.
func (rs *RuleSet) Rules() []*domain.Rule {
	out := make([]*domain.Rule, len(rs.rules))
	for i, c := range rs.rules {
		out[i] = c.Rule
	}
	return out
}

// Faults returns the rules rejected when this snapshot was built.
func (rs *RuleSet) Faults() []domain.RuleFault {
	return rs.faults
}

// LoadedAt returns when the snapshot was compiled.
func (rs *RuleSet) LoadedAt() time.Time {
	return rs.loadedAt
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Evaluate runs every rule against fv in parallel and returns the matches in
// rule-set order. A rule that errors is non-matching; the others still run.
func (rs *RuleSet) Evaluate(ctx context.Context, fv domain.FeatureVector) (bool, []*domain.Rule) {
	if len(rs.rules) == 0 {
		return false, nil
	}

	activation := map[string]any(fv)
	hits := make([]bool, len(rs.rules))

	var wg sync.WaitGroup
	sem := make(chan struct{}, rs.maxWorkers)

	for i, rule := range rs.rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			hits[idx] = rs.evaluateRule(ctx, r, activation)
		}(i, rule)
	}

	wg.Wait()

	var matched []*domain.Rule
	for i, hit := range hits {
		if hit {
			matched = append(matched, rs.rules[i].Rule)
		}
	}
	return len(matched) > 0, matched
}

func (rs *RuleSet) evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any) bool {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		rs.fault(ctx, rule, err)
		return false
	}

	b, ok := out.(types.Bool)
	if !ok {
		rs.fault(ctx, rule, fmt.Errorf("non-bool result %v", out))
		return false
	}
	return bool(b)
}

func (rs *RuleSet) fault(ctx context.Context, rule *CompiledRule, err error) {
	metrics.RuleFaults.WithLabelValues(metrics.RuleLabel(rule.Rule.ID)).Inc()
	rs.logger.WarnContext(ctx, "rule evaluation failed",
		"rule_id", rule.Rule.ID,
		"rule_name", rule.Rule.Name,
		"error", fmt.Errorf("%w: %w", domain.ErrRuleCondition, err),
	)
}
