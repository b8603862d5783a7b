package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/storetest"
)

type recorder struct {
	mu     sync.Mutex
	alerts []*domain.Alert
	err    error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Notify(_ context.Context, a *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func sampleAlert(amount float64) *domain.Alert {
	tr := storetest.Transfer("S", "T", amount, 0)
	rule := &domain.Rule{ID: 35, Name: "Coordinated Dispersion-Aggregation Detected", RiskLevel: domain.RiskCritical}
	return domain.NewAlert(tr, domain.FeatureVector{}, []*domain.Rule{rule}, domain.AlertSourceSweep, storetest.Base)
}

func TestEmitterDedup(t *testing.T) {
	repo := storetest.NewRepo(t)
	rec := &recorder{}
	emitter := NewEmitter(repo, nil, rec)
	ctx := context.Background()

	appended, err := emitter.Emit(ctx, sampleAlert(10000))
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if !appended {
		t.Fatal("expected first alert to be appended")
	}

	appended, err = emitter.Emit(ctx, sampleAlert(10000+1e-9))
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if appended {
		t.Error("expected duplicate alert to be suppressed")
	}

	if len(rec.alerts) != 1 {
		t.Errorf("observer should see one alert, saw %d", len(rec.alerts))
	}

	alerts, err := repo.ListAlerts(ctx, domain.AlertFilter{})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("expected 1 stored alert, got %d", len(alerts))
	}
}

func TestEmitterObserverFailure(t *testing.T) {
	repo := storetest.NewRepo(t)
	failing := &recorder{err: errors.New("broker down")}
	ok := &recorder{}
	emitter := NewEmitter(repo, nil, failing, ok)

	appended, err := emitter.Emit(context.Background(), sampleAlert(500))
	if err != nil {
		t.Fatalf("observer failure must not fail Emit: %v", err)
	}
	if !appended {
		t.Error("expected alert to be appended")
	}
	if len(ok.alerts) != 1 {
		t.Error("remaining observers should still be notified")
	}
}

func TestBusObserver(t *testing.T) {
	repo := storetest.NewRepo(t)
	eventBus := bus.NewChannelBus(10, nil)
	defer eventBus.Close()

	ctx := context.Background()
	received := make(chan *domain.Alert, 1)
	_, err := eventBus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		var a domain.Alert
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			return err
		}
		received <- &a
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	emitter := NewEmitter(repo, nil, NewBusObserver(eventBus))
	if _, err := emitter.Emit(ctx, sampleAlert(750)); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	select {
	case a := <-received:
		if a.Transfer.Sender != "S" || a.Source != domain.AlertSourceSweep || a.ID == "" {
			t.Errorf("unexpected alert on bus: %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for alert on bus")
	}
}
