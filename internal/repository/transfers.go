package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
)

const transferColumns = `seq, id, sender, receiver, amount, occurred_at, recorded_at,
	device_type, country, merchant_category, payment_method, customer_id`

// Append stores a transfer and its edge in one transaction.
func (r *SQLRepository) Append(ctx context.Context, t *domain.Transfer) error {
	if t == nil || t.Sender == "" || t.Receiver == "" {
		return fmt.Errorf("%w: sender and receiver are required", domain.ErrMalformedTransfer)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.RecordedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin append", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO transfers (
			id, sender, receiver, amount, amount_value, occurred_at, recorded_at,
			device_type, country, merchant_category, payment_method, customer_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`

	var seq int64
	err = tx.QueryRowContext(ctx, r.rebind(query),
		t.ID, t.Sender, t.Receiver,
		t.Amount.String(), t.AmountFloat(),
		toNanos(t.Timestamp), toNanos(t.RecordedAt),
		nullString(t.DeviceType), nullString(t.Country),
		nullString(t.MerchantCategory), nullString(t.PaymentMethod),
		nullString(t.CustomerID),
	).Scan(&seq)
	if err != nil {
		return storeErr("insert transfer", err)
	}

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO edges (seq, sender, receiver, amount, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`), seq, t.Sender, t.Receiver, t.AmountFloat(), toNanos(t.Timestamp))
	if err != nil {
		return storeErr("insert edge", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit append", err)
	}

	t.Seq = seq
	return nil
}

// GetTransfer retrieves a transfer by ID.
func (r *SQLRepository) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = ?`

	t, err := scanTransfer(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if err != nil {
		return nil, storeErr("get transfer", err)
	}
	return t, nil
}

// Transfers lists transfers matching the filter, oldest first unless
// NewestFirst is set.
func (r *SQLRepository) Transfers(ctx context.Context, f domain.TransferFilter) ([]*domain.Transfer, error) {
	where := []string{"seq <= ?"}
	args := []any{seqBound(f.AsOf)}

	if f.Sender != "" {
		where = append(where, "sender = ?")
		args = append(args, f.Sender)
	}
	if f.Receiver != "" {
		where = append(where, "receiver = ?")
		args = append(args, f.Receiver)
	}
	if len(f.Parties) > 0 {
		ph := placeholders(len(f.Parties))
		where = append(where, "(sender IN ("+ph+") OR receiver IN ("+ph+"))")
		for _, p := range f.Parties {
			args = append(args, p)
		}
		for _, p := range f.Parties {
			args = append(args, p)
		}
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, toNanos(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at <= ?")
		args = append(args, toNanos(f.To))
	}

	order := "ASC"
	if f.NewestFirst {
		order = "DESC"
	}

	query := `SELECT ` + transferColumns + ` FROM transfers WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY occurred_at ` + order + `, seq ` + order
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, storeErr("list transfers", err)
	}
	defer rows.Close()

	var transfers []*domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, storeErr("scan transfer", err)
		}
		transfers = append(transfers, t)
	}

	return transfers, storeErr("list transfers", rows.Err())
}

// LatestSeq returns the highest committed transfer sequence number.
func (r *SQLRepository) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM transfers`).Scan(&seq)
	if err != nil {
		return 0, storeErr("latest seq", err)
	}
	return seq, nil
}

// WindowAggregate counts, sums and distinct-counts a party's transfers over
// the inclusive range [From, To].
func (r *SQLRepository) WindowAggregate(ctx context.Context, q domain.AggregateQuery) (domain.Aggregate, error) {
	partyCol, counterpartyCol := "sender", "receiver"
	if q.Side == domain.ByReceiver {
		partyCol, counterpartyCol = "receiver", "sender"
	}

	distinctCol := counterpartyCol
	switch q.Distinct {
	case domain.DistinctCountry:
		distinctCol = "country"
	case domain.DistinctDeviceType:
		distinctCol = "device_type"
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(amount_value), 0), COUNT(DISTINCT %s)
		FROM transfers
		WHERE %s = ? AND occurred_at >= ? AND occurred_at <= ? AND seq <= ?
	`, distinctCol, partyCol)

	var agg domain.Aggregate
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		q.Party, toNanos(q.From), toNanos(q.To), seqBound(q.AsOf),
	).Scan(&agg.Count, &agg.Sum, &agg.DistinctCount)
	if err != nil {
		return domain.Aggregate{}, storeErr("window aggregate", err)
	}
	return agg, nil
}

// RecentEdges returns all edges in [since, until] visible at asOf.
func (r *SQLRepository) RecentEdges(ctx context.Context, since, until time.Time, asOf int64) ([]domain.Edge, error) {
	return r.Edges(ctx, domain.EdgeFilter{From: since, To: until, AsOf: asOf})
}

// Edges lists edges matching the filter ordered by timestamp then seq.
func (r *SQLRepository) Edges(ctx context.Context, f domain.EdgeFilter) ([]domain.Edge, error) {
	where := []string{"seq <= ?"}
	args := []any{seqBound(f.AsOf)}

	if f.Sender != "" {
		where = append(where, "sender = ?")
		args = append(args, f.Sender)
	}
	if f.Receiver != "" {
		where = append(where, "receiver = ?")
		args = append(args, f.Receiver)
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, toNanos(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at <= ?")
		args = append(args, toNanos(f.To))
	}

	query := `SELECT seq, sender, receiver, amount, occurred_at FROM edges WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY occurred_at ASC, seq ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, storeErr("list edges", err)
	}
	defer rows.Close()

	var edges []domain.Edge
	for rows.Next() {
		var e domain.Edge
		var ts int64
		if err := rows.Scan(&e.Seq, &e.Sender, &e.Receiver, &e.Amount, &ts); err != nil {
			return nil, storeErr("scan edge", err)
		}
		e.Timestamp = fromNanos(ts)
		edges = append(edges, e)
	}

	return edges, storeErr("list edges", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*domain.Transfer, error) {
	var t domain.Transfer
	var occurred, recorded int64
	var device, country, merchant, method, customer sql.NullString

	if err := row.Scan(
		&t.Seq, &t.ID, &t.Sender, &t.Receiver, &t.Amount,
		&occurred, &recorded,
		&device, &country, &merchant, &method, &customer,
	); err != nil {
		return nil, err
	}

	t.Timestamp = fromNanos(occurred)
	t.RecordedAt = fromNanos(recorded)
	t.DeviceType = device.String
	t.Country = country.String
	t.MerchantCategory = merchant.String
	t.PaymentMethod = method.String
	t.CustomerID = customer.String
	return &t, nil
}
