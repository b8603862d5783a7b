// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// TransactionStore is the append-only transfer history and edge log.
// Every read honours an AsOf sequence bound so an evaluation sees the store
// exactly as of one commit.
type TransactionStore interface {
	// Append assigns ID (when empty), Seq and RecordedAt, and writes the
	// transfer together with its edge in one atomic unit.
	Append(ctx context.Context, t *Transfer) error

	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	Transfers(ctx context.Context, f TransferFilter) ([]*Transfer, error)
	LatestSeq(ctx context.Context) (int64, error)

	// WindowAggregate answers count/sum/distinct queries keyed by sender or receiver.
	WindowAggregate(ctx context.Context, q AggregateQuery) (Aggregate, error)

	// RecentEdges returns edges in [since, until] ordered by timestamp then seq.
	RecentEdges(ctx context.Context, since, until time.Time, asOf int64) ([]Edge, error)
	Edges(ctx context.Context, f EdgeFilter) ([]Edge, error)
}

// AlertLog is the append-only alert history with compare-and-append semantics.
type AlertLog interface {
	// AppendAlert writes the alert unless a matching one already exists.
	// Reports whether the alert was newly appended.
	AppendAlert(ctx context.Context, a *Alert) (bool, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)
	// CountPriorAlerts counts alerts raised for earlier transfers of a sender.
	CountPriorAlerts(ctx context.Context, q PriorAlertQuery) (int64, error)
	LatestAlertSeq(ctx context.Context) (int64, error)
}

// RuleRepository persists the ordered rule set.
type RuleRepository interface {
	SaveRule(ctx context.Context, rule *Rule, position int) error
	GetRule(ctx context.Context, id int) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	DeleteRule(ctx context.Context, id int) error
}

// Repository defines the interface for data persistence.
type Repository interface {
	TransactionStore
	AlertLog
	RuleRepository

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Side selects which party an aggregate is keyed by.
type Side int

const (
	BySender Side = iota
	ByReceiver
)

// Distinct selects the column counted by Aggregate.DistinctCount.
type Distinct int

const (
	// DistinctCounterparty counts receivers for BySender and senders for ByReceiver.
	DistinctCounterparty Distinct = iota
	DistinctCountry
	DistinctDeviceType
)

// AggregateQuery selects transfers for a party over an inclusive time range.
type AggregateQuery struct {
	Side     Side
	Party    string
	From     time.Time
	To       time.Time
	Distinct Distinct
	AsOf     int64
}

// Aggregate is the result of a windowed aggregate query.
type Aggregate struct {
	Count         int64   `json:"count"`
	Sum           float64 `json:"sum"`
	DistinctCount int64   `json:"distinctCount"`
}

// TransferFilter selects transfers. Empty fields do not filter.
type TransferFilter struct {
	Sender   string
	Receiver string
	// Parties matches transfers where either side is one of the listed ids.
	Parties []string
	From    time.Time
	To      time.Time
	AsOf    int64
	// NewestFirst orders by timestamp descending instead of ascending.
	NewestFirst bool
	Limit       int
}

// EdgeFilter selects edges. Empty fields do not filter.
type EdgeFilter struct {
	Sender   string
	Receiver string
	From     time.Time
	To       time.Time
	AsOf     int64
}

// AlertFilter selects alerts for the feed.
type AlertFilter struct {
	Since time.Time
	Limit int
}

// PriorAlertQuery bounds the alert history of one sender. Only alerts for
// transfers with a sequence below BeforeSeq count, and only alerts at or
// below AlertSeq. Zero bounds do not filter.
type PriorAlertQuery struct {
	Sender    string
	BeforeSeq int64
	AlertSeq  int64
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
