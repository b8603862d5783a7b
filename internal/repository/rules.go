package repository

import (
	"context"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SaveRule inserts or replaces a rule at the given position.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule, position int) error {
	query := `
		INSERT INTO rules (
			id, position, name, condition_expr, risk_level, category, action, enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			position = excluded.position,
			name = excluded.name,
			condition_expr = excluded.condition_expr,
			risk_level = excluded.risk_level,
			category = excluded.category,
			action = excluded.action,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, position, rule.Name, rule.Condition,
		rule.RiskLevel, rule.Category, rule.Action, rule.IsEnabled(),
		toNanos(time.Now()),
	)
	return storeErr("save rule", err)
}

// GetRule retrieves a rule by ID.
func (r *SQLRepository) GetRule(ctx context.Context, id int) (*domain.Rule, error) {
	query := `
		SELECT id, name, condition_expr, risk_level, category, action, enabled
		FROM rules
		WHERE id = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if err != nil {
		return nil, storeErr("get rule", err)
	}
	return rule, nil
}

// ListRules returns every persisted rule in configured order.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	query := `
		SELECT id, name, condition_expr, risk_level, category, action, enabled
		FROM rules
		ORDER BY position, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list rules", err)
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, storeErr("scan rule", err)
		}
		rules = append(rules, rule)
	}

	return rules, storeErr("list rules", rows.Err())
}

// DeleteRule removes a rule.
func (r *SQLRepository) DeleteRule(ctx context.Context, id int) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM rules WHERE id = ?`), id)
	if err != nil {
		return storeErr("delete rule", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("delete rule", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var enabled bool

	if err := row.Scan(
		&rule.ID, &rule.Name, &rule.Condition,
		&rule.RiskLevel, &rule.Category, &rule.Action, &enabled,
	); err != nil {
		return nil, err
	}

	rule.Enabled = &enabled
	return &rule, nil
}
