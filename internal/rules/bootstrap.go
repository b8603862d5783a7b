package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Bootstrap loads the startup rule set into engine. Persisted rules win;
// with none persisted it reads file, or the embedded defaults when file is
// empty, and persists what it loaded so later reloads see the same set.
func Bootstrap(ctx context.Context, repo domain.RuleRepository, engine *Engine, file string, logger *slog.Logger) ([]domain.RuleFault, error) {
	if logger == nil {
		logger = slog.Default()
	}

	persisted, err := repo.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persisted rules: %w", err)
	}
	if len(persisted) > 0 {
		logger.Info("loading persisted rules", "count", len(persisted))
		return engine.Load(persisted)
	}

	source := "embedded defaults"
	var set []*domain.Rule
	if file != "" {
		source = file
		if set, err = LoadFile(file); err != nil {
			return nil, err
		}
	} else {
		set = DefaultRules()
	}

	faults, err := engine.Load(set)
	if err != nil {
		return nil, err
	}

	for i, r := range set {
		if err := repo.SaveRule(ctx, r, i); err != nil {
			return nil, fmt.Errorf("persist rule %d: %w", r.ID, err)
		}
	}
	logger.Info("seeded rule store", "source", source, "count", len(set))
	return faults, nil
}
