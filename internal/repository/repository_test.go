package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/storetest"
)

func TestSQLiteRepository(t *testing.T) {
	repo := storetest.NewRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("AppendAndGetTransfer", func(t *testing.T) {
		tr := storetest.Transfer("alice", "bob", 1250.75, 0)
		tr.Country = "KE"
		tr.DeviceType = "android"

		if err := repo.Append(ctx, tr); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if tr.ID == "" || tr.Seq == 0 {
			t.Fatalf("expected id and seq to be assigned, got %q/%d", tr.ID, tr.Seq)
		}

		got, err := repo.GetTransfer(ctx, tr.ID)
		if err != nil {
			t.Fatalf("GetTransfer failed: %v", err)
		}
		if !got.Amount.Equal(tr.Amount) {
			t.Errorf("expected amount %s, got %s", tr.Amount, got.Amount)
		}
		if !got.Timestamp.Equal(tr.Timestamp) {
			t.Errorf("expected timestamp %v, got %v", tr.Timestamp, got.Timestamp)
		}
		if got.Country != "KE" || got.DeviceType != "android" {
			t.Errorf("context not preserved: %+v", got)
		}
		if got.MerchantCategory != "" {
			t.Errorf("expected empty merchant category, got %q", got.MerchantCategory)
		}

		edges, err := repo.Edges(ctx, domain.EdgeFilter{Sender: "alice"})
		if err != nil {
			t.Fatalf("Edges failed: %v", err)
		}
		if len(edges) != 1 || edges[0].Seq != tr.Seq || edges[0].Receiver != "bob" {
			t.Errorf("expected one edge for the transfer, got %+v", edges)
		}
	})

	t.Run("GetTransferNotFound", func(t *testing.T) {
		_, err := repo.GetTransfer(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestWindowAggregate(t *testing.T) {
	repo := storetest.NewRepo(t)
	ctx := context.Background()
	now := storetest.Base

	storetest.Append(t, repo,
		storetest.Transfer("s", "r1", 100, -3601*time.Second),
		storetest.Transfer("s", "r2", 200, -3600*time.Second),
		storetest.Transfer("s", "r2", 300, 0),
		storetest.Transfer("s", "r3", 400, time.Second),
	)

	t.Run("boundaries are inclusive and nothing after now counts", func(t *testing.T) {
		agg, err := repo.WindowAggregate(ctx, domain.AggregateQuery{
			Side:  domain.BySender,
			Party: "s",
			From:  now.Add(-time.Hour),
			To:    now,
		})
		if err != nil {
			t.Fatalf("WindowAggregate failed: %v", err)
		}
		if agg.Count != 2 {
			t.Errorf("expected count 2, got %d", agg.Count)
		}
		if agg.Sum != 500 {
			t.Errorf("expected sum 500, got %.2f", agg.Sum)
		}
		if agg.DistinctCount != 1 {
			t.Errorf("expected 1 distinct receiver, got %d", agg.DistinctCount)
		}
	})

	t.Run("exactly one of now-3600 and now-3601", func(t *testing.T) {
		agg, err := repo.WindowAggregate(ctx, domain.AggregateQuery{
			Side:  domain.BySender,
			Party: "s",
			From:  now.Add(-time.Hour),
			To:    now.Add(-time.Hour),
		})
		if err != nil {
			t.Fatalf("WindowAggregate failed: %v", err)
		}
		if agg.Count != 1 {
			t.Errorf("expected exactly 1, got %d", agg.Count)
		}
	})

	t.Run("receiver side", func(t *testing.T) {
		agg, err := repo.WindowAggregate(ctx, domain.AggregateQuery{
			Side:  domain.ByReceiver,
			Party: "r2",
			From:  now.Add(-24 * time.Hour),
			To:    now,
		})
		if err != nil {
			t.Fatalf("WindowAggregate failed: %v", err)
		}
		if agg.Count != 2 || agg.DistinctCount != 1 || agg.Sum != 500 {
			t.Errorf("unexpected receiver aggregate: %+v", agg)
		}
	})

	t.Run("asOf hides later commits", func(t *testing.T) {
		first, err := repo.Transfers(ctx, domain.TransferFilter{Sender: "s", Limit: 1})
		if err != nil || len(first) != 1 {
			t.Fatalf("Transfers failed: %v", err)
		}

		agg, err := repo.WindowAggregate(ctx, domain.AggregateQuery{
			Side:  domain.BySender,
			Party: "s",
			From:  now.Add(-24 * time.Hour),
			To:    now.Add(time.Hour),
			AsOf:  first[0].Seq,
		})
		if err != nil {
			t.Fatalf("WindowAggregate failed: %v", err)
		}
		if agg.Count != 1 {
			t.Errorf("expected only the first commit to be visible, got %d", agg.Count)
		}
	})
}

func TestDistinctColumns(t *testing.T) {
	repo := storetest.NewRepo(t)
	ctx := context.Background()

	countries := []string{"KE", "UG", "KE", ""}
	for i, c := range countries {
		tr := storetest.Transfer("s", "r", 10, time.Duration(i)*time.Minute)
		tr.Country = c
		tr.DeviceType = []string{"ios", "ios", "web", "android"}[i]
		storetest.Append(t, repo, tr)
	}

	q := domain.AggregateQuery{
		Side:     domain.BySender,
		Party:    "s",
		From:     storetest.Base.Add(-time.Hour),
		To:       storetest.Base.Add(time.Hour),
		Distinct: domain.DistinctCountry,
	}
	agg, err := repo.WindowAggregate(ctx, q)
	if err != nil {
		t.Fatalf("WindowAggregate failed: %v", err)
	}
	if agg.DistinctCount != 2 {
		t.Errorf("expected 2 countries (empty ignored), got %d", agg.DistinctCount)
	}

	q.Distinct = domain.DistinctDeviceType
	agg, err = repo.WindowAggregate(ctx, q)
	if err != nil {
		t.Fatalf("WindowAggregate failed: %v", err)
	}
	if agg.DistinctCount != 3 {
		t.Errorf("expected 3 device types, got %d", agg.DistinctCount)
	}
}

func TestTransfersFilter(t *testing.T) {
	repo := storetest.NewRepo(t)
	ctx := context.Background()

	storetest.Append(t, repo,
		storetest.Transfer("a", "b", 1, 0),
		storetest.Transfer("b", "c", 2, time.Minute),
		storetest.Transfer("x", "y", 3, 2*time.Minute),
		storetest.Transfer("c", "a", 4, 3*time.Minute),
	)

	got, err := repo.Transfers(ctx, domain.TransferFilter{Parties: []string{"a"}})
	if err != nil {
		t.Fatalf("Transfers failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transfers touching a, got %d", len(got))
	}
	if got[0].Sender != "a" || got[1].Sender != "c" {
		t.Errorf("expected ascending order, got %s then %s", got[0].Sender, got[1].Sender)
	}

	got, err = repo.Transfers(ctx, domain.TransferFilter{NewestFirst: true, Limit: 2})
	if err != nil {
		t.Fatalf("Transfers failed: %v", err)
	}
	if len(got) != 2 || got[0].Sender != "c" || got[1].Sender != "x" {
		t.Errorf("unexpected newest-first page: %+v", got)
	}

	seq, err := repo.LatestSeq(ctx)
	if err != nil {
		t.Fatalf("LatestSeq failed: %v", err)
	}
	if seq != 4 {
		t.Errorf("expected latest seq 4, got %d", seq)
	}

	edges, err := repo.RecentEdges(ctx, storetest.Base.Add(30*time.Second), storetest.Base.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatalf("RecentEdges failed: %v", err)
	}
	if len(edges) != 2 || edges[0].Sender != "b" || edges[1].Sender != "x" {
		t.Errorf("unexpected edge window: %+v", edges)
	}
}

func TestAlertLog(t *testing.T) {
	repo := storetest.NewRepo(t)
	ctx := context.Background()

	newAlert := func(amount float64) *domain.Alert {
		return &domain.Alert{
			TransferID:   "tx-1",
			Transfer:     domain.AlertSnapshot{Sender: "s", Receiver: "t", Amount: amount, Timestamp: storetest.Base},
			MatchedRules: []string{"Coordinated Dispersion-Aggregation Detected"},
			RiskLevels:   []string{domain.RiskCritical},
			Source:       domain.AlertSourceSweep,
			EmittedAt:    storetest.Base,
		}
	}

	t.Run("dedup within tolerance", func(t *testing.T) {
		ok, err := repo.AppendAlert(ctx, newAlert(10000))
		if err != nil || !ok {
			t.Fatalf("expected first alert appended, got %v/%v", ok, err)
		}

		ok, err = repo.AppendAlert(ctx, newAlert(10000+1e-8))
		if err != nil {
			t.Fatalf("AppendAlert failed: %v", err)
		}
		if ok {
			t.Error("expected duplicate within tolerance to be suppressed")
		}

		ok, err = repo.AppendAlert(ctx, newAlert(10001))
		if err != nil || !ok {
			t.Errorf("expected different amount to append, got %v/%v", ok, err)
		}
	})

	t.Run("concurrent emissions append once", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		appended := 0

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a := newAlert(777)
				a.Transfer.Receiver = "race"
				ok, err := repo.AppendAlert(ctx, a)
				if err != nil {
					t.Errorf("AppendAlert failed: %v", err)
					return
				}
				if ok {
					mu.Lock()
					appended++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if appended != 1 {
			t.Errorf("expected exactly one append, got %d", appended)
		}
	})

	t.Run("list and count", func(t *testing.T) {
		alerts, err := repo.ListAlerts(ctx, domain.AlertFilter{})
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(alerts) != 3 {
			t.Fatalf("expected 3 alerts, got %d", len(alerts))
		}
		if alerts[0].MatchedRules[0] != "Coordinated Dispersion-Aggregation Detected" {
			t.Errorf("rules not decoded: %+v", alerts[0].MatchedRules)
		}
		if alerts[0].Transfer.Amount != 10000 {
			t.Errorf("snapshot not decoded: %+v", alerts[0].Transfer)
		}

		n, err := repo.CountPriorAlerts(ctx, domain.PriorAlertQuery{Sender: "s"})
		if err != nil {
			t.Fatalf("CountPriorAlerts failed: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3 alerts for s, got %d", n)
		}
	})

	t.Run("prior alert bounds", func(t *testing.T) {
		var seqs []int64
		for i := int64(1); i <= 3; i++ {
			a := newAlert(float64(i))
			a.Transfer.Sender = "p"
			a.TransferID = fmt.Sprintf("p-%d", i)
			a.TransferSeq = 10 + i
			if ok, err := repo.AppendAlert(ctx, a); err != nil || !ok {
				t.Fatalf("expected alert appended, got %v/%v", ok, err)
			}
			seq, err := repo.LatestAlertSeq(ctx)
			if err != nil {
				t.Fatalf("LatestAlertSeq failed: %v", err)
			}
			seqs = append(seqs, seq)
		}
		if seqs[0] >= seqs[1] || seqs[1] >= seqs[2] {
			t.Fatalf("alert sequence not increasing: %v", seqs)
		}

		tests := []struct {
			name string
			q    domain.PriorAlertQuery
			want int64
		}{
			{"unbounded", domain.PriorAlertQuery{Sender: "p"}, 3},
			{"excludes own and later transfers", domain.PriorAlertQuery{Sender: "p", BeforeSeq: 12}, 1},
			{"alert log position", domain.PriorAlertQuery{Sender: "p", AlertSeq: seqs[1]}, 2},
			{"both bounds", domain.PriorAlertQuery{Sender: "p", BeforeSeq: 13, AlertSeq: seqs[0]}, 1},
			{"other sender", domain.PriorAlertQuery{Sender: "q"}, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				n, err := repo.CountPriorAlerts(ctx, tt.q)
				if err != nil {
					t.Fatalf("CountPriorAlerts failed: %v", err)
				}
				if n != tt.want {
					t.Errorf("expected %d, got %d", tt.want, n)
				}
			})
		}

		alerts, err := repo.ListAlerts(ctx, domain.AlertFilter{Limit: 1000})
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if got := alerts[len(alerts)-1].TransferSeq; got != 13 {
			t.Errorf("expected transfer seq 13 round-tripped, got %d", got)
		}
	})
}

func TestRuleRepository(t *testing.T) {
	repo := storetest.NewRepo(t)
	ctx := context.Background()

	disabled := false
	rules := []*domain.Rule{
		{ID: 35, Name: "Chain", Condition: "is_linked_chain", RiskLevel: domain.RiskCritical, Category: "Layering", Action: "flag_layering"},
		{ID: 4, Name: "Repeat", Condition: "count_to_same_receiver_7d > 5", RiskLevel: domain.RiskMedium, Category: "Structuring", Action: "review", Enabled: &disabled},
	}
	for i, r := range rules {
		if err := repo.SaveRule(ctx, r, i); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
	}

	list, err := repo.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != 35 || list[1].ID != 4 {
		t.Fatalf("expected position order [35 4], got %+v", list)
	}
	if list[1].IsEnabled() {
		t.Error("expected rule 4 to stay disabled")
	}

	rules[0].Name = "Chain v2"
	if err := repo.SaveRule(ctx, rules[0], 0); err != nil {
		t.Fatalf("SaveRule upsert failed: %v", err)
	}
	got, err := repo.GetRule(ctx, 35)
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if got.Name != "Chain v2" {
		t.Errorf("expected upserted name, got %q", got.Name)
	}

	if err := repo.DeleteRule(ctx, 4); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if err := repo.DeleteRule(ctx, 4); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}
