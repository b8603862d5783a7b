package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/syncutil"
)

// AppendAlert writes the alert unless one for the same sender and receiver
// with an amount within domain.AlertAmountTolerance already exists.
// The check and the insert run under one lock and one transaction.
func (r *SQLRepository) AppendAlert(ctx context.Context, a *domain.Alert) (bool, error) {
	pair := a.Transfer.Sender + "|" + a.Transfer.Receiver

	unlock := r.alertLocks.Lock(pair)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("begin alert", err)
	}
	defer tx.Rollback()

	if r.driver == "postgres" {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, syncutil.Key64(pair)); err != nil {
			return false, storeErr("alert advisory lock", err)
		}
	}

	var existing int64
	err = tx.QueryRowContext(ctx, r.rebind(`
		SELECT COUNT(*) FROM alerts
		WHERE sender = ? AND receiver = ? AND ABS(amount - ?) < ?
	`), a.Transfer.Sender, a.Transfer.Receiver, a.Transfer.Amount, domain.AlertAmountTolerance).Scan(&existing)
	if err != nil {
		return false, storeErr("alert dedup check", err)
	}
	if existing > 0 {
		return false, nil
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	matched, err := json.Marshal(a.MatchedRules)
	if err != nil {
		return false, fmt.Errorf("marshal matched rules: %w", err)
	}
	levels, err := json.Marshal(a.RiskLevels)
	if err != nil {
		return false, fmt.Errorf("marshal risk levels: %w", err)
	}
	snapshot, err := json.Marshal(a.Transfer)
	if err != nil {
		return false, fmt.Errorf("marshal alert snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO alerts (
			id, transfer_id, transfer_seq, sender, receiver, amount,
			matched_rules, risk_levels, snapshot, source, emitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		a.ID, a.TransferID, a.TransferSeq, a.Transfer.Sender, a.Transfer.Receiver, a.Transfer.Amount,
		string(matched), string(levels), string(snapshot), a.Source, toNanos(a.EmittedAt),
	)
	if err != nil {
		return false, storeErr("insert alert", err)
	}

	if err := tx.Commit(); err != nil {
		return false, storeErr("commit alert", err)
	}
	return true, nil
}

// ListAlerts returns alerts in append order.
func (r *SQLRepository) ListAlerts(ctx context.Context, f domain.AlertFilter) ([]*domain.Alert, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var since int64
	if !f.Since.IsZero() {
		since = toNanos(f.Since)
	}

	query := `
		SELECT id, transfer_id, transfer_seq, matched_rules, risk_levels, snapshot, source, emitted_at
		FROM alerts
		WHERE emitted_at >= ?
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since, limit)
	if err != nil {
		return nil, storeErr("list alerts", err)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var matched, levels, snapshot string
		var emitted int64

		if err := rows.Scan(&a.ID, &a.TransferID, &a.TransferSeq, &matched, &levels, &snapshot, &a.Source, &emitted); err != nil {
			return nil, storeErr("scan alert", err)
		}

		if err := json.Unmarshal([]byte(matched), &a.MatchedRules); err != nil {
			return nil, fmt.Errorf("decode alert %s rules: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(levels), &a.RiskLevels); err != nil {
			return nil, fmt.Errorf("decode alert %s risk levels: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(snapshot), &a.Transfer); err != nil {
			return nil, fmt.Errorf("decode alert %s snapshot: %w", a.ID, err)
		}
		a.EmittedAt = fromNanos(emitted)
		alerts = append(alerts, &a)
	}

	return alerts, storeErr("list alerts", rows.Err())
}

// CountPriorAlerts counts alerts raised for transfers from q.Sender within
// the query's sequence bounds.
func (r *SQLRepository) CountPriorAlerts(ctx context.Context, q domain.PriorAlertQuery) (int64, error) {
	query := `SELECT COUNT(*) FROM alerts WHERE sender = ?`
	args := []any{q.Sender}
	if q.BeforeSeq > 0 {
		query += ` AND transfer_seq < ?`
		args = append(args, q.BeforeSeq)
	}
	if q.AlertSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, q.AlertSeq)
	}

	var n int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&n); err != nil {
		return 0, storeErr("count prior alerts", err)
	}
	return n, nil
}

// LatestAlertSeq returns the sequence of the newest alert, 0 when none.
func (r *SQLRepository) LatestAlertSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM alerts`).Scan(&seq); err != nil {
		return 0, storeErr("latest alert seq", err)
	}
	return seq, nil
}
