// Package storetest builds throwaway SQLite repositories and transfers for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/shopspring/decimal"
)

// Base is a fixed reference instant for deterministic fixtures.
var Base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

// NewRepo opens a migrated SQLite repository in the test's temp dir.
func NewRepo(t testing.TB) *repository.SQLRepository {
	t.Helper()

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "harrier-test.db"),
	}

	repo, err := repository.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// Transfer builds an unsaved transfer at Base+offset.
func Transfer(sender, receiver string, amount float64, offset time.Duration) *domain.Transfer {
	return &domain.Transfer{
		Sender:    sender,
		Receiver:  receiver,
		Amount:    decimal.NewFromFloat(amount),
		Timestamp: Base.Add(offset),
	}
}

// Append stores transfers in order and fails the test on error.
func Append(t testing.TB, store domain.TransactionStore, transfers ...*domain.Transfer) {
	t.Helper()
	for _, tr := range transfers {
		if err := store.Append(context.Background(), tr); err != nil {
			t.Fatalf("append %s->%s failed: %v", tr.Sender, tr.Receiver, err)
		}
	}
}
