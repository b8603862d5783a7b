package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

type stubIngester struct {
	mu   sync.Mutex
	seen []string
}

func (s *stubIngester) Ingest(_ context.Context, req *domain.TransferRequest) (*domain.IngestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.seen = append(s.seen, req.Sender+"->"+req.Receiver)
	s.mu.Unlock()
	return &domain.IngestResult{TransferID: "tx-" + req.Sender, Status: domain.StatusClean, TriggeredRules: []string{}}, nil
}

func collectDecisions(t *testing.T, b domain.EventBus) <-chan Decision {
	t.Helper()
	out := make(chan Decision, 10)
	_, err := b.Subscribe(context.Background(), domain.TopicDecision, func(_ context.Context, msg *domain.Message) error {
		var d Decision
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			return err
		}
		out <- d
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return out
}

func waitDecision(t *testing.T, ch <-chan Decision) Decision {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
		return Decision{}
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100, nil)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &stubIngester{}, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicTransferSubmitted {
			t.Errorf("unexpected stats: %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("IngestAndDecide", func(t *testing.T) {
		ing := &stubIngester{}
		w := NewWorker(eventBus, ing, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		decisions := collectDecisions(t, eventBus)

		amt := decimal.NewFromInt(250)
		req := &domain.TransferRequest{Sender: "A", Receiver: "B", Amount: &amt}
		if err := Submit(context.Background(), eventBus, "req-1", req); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		d := waitDecision(t, decisions)
		if d.RequestID != "req-1" {
			t.Errorf("expected request id req-1, got %q", d.RequestID)
		}
		if d.Error != "" || d.Result == nil || d.Result.TransferID != "tx-A" {
			t.Errorf("unexpected decision: %+v", d)
		}
	})

	t.Run("IngestError", func(t *testing.T) {
		w := NewWorker(eventBus, &stubIngester{}, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		decisions := collectDecisions(t, eventBus)

		if err := Submit(context.Background(), eventBus, "req-bad", &domain.TransferRequest{Sender: "A"}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		d := waitDecision(t, decisions)
		if d.Result != nil || d.Error == "" {
			t.Errorf("expected an error decision, got %+v", d)
		}
	})
}

func TestSubmitNotDelivered(t *testing.T) {
	eventBus := bus.NewChannelBus(1, nil)
	defer eventBus.Close()

	amt := decimal.NewFromInt(10)
	req := &domain.TransferRequest{Sender: "A", Receiver: "B", Amount: &amt}

	t.Run("NoWorker", func(t *testing.T) {
		err := Submit(context.Background(), eventBus, "req-1", req)
		if !errors.Is(err, domain.ErrNotDelivered) {
			t.Errorf("expected ErrNotDelivered, got %v", err)
		}
	})

	t.Run("WorkerBacklogged", func(t *testing.T) {
		ing := &blockingIngester{started: make(chan struct{}, 4), release: make(chan struct{})}
		w := NewWorker(eventBus, ing, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()
		defer close(ing.release)

		if err := Submit(context.Background(), eventBus, "req-1", req); err != nil {
			t.Fatalf("first Submit failed: %v", err)
		}
		select {
		case <-ing.started:
		case <-time.After(2 * time.Second):
			t.Fatal("worker never started the first submission")
		}

		if err := Submit(context.Background(), eventBus, "req-2", req); err != nil {
			t.Fatalf("buffered Submit failed: %v", err)
		}
		err := Submit(context.Background(), eventBus, "req-3", req)
		if !errors.Is(err, domain.ErrNotDelivered) {
			t.Errorf("expected ErrNotDelivered for a full backlog, got %v", err)
		}
	})
}

type blockingIngester struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingIngester) Ingest(ctx context.Context, _ *domain.TransferRequest) (*domain.IngestResult, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return &domain.IngestResult{Status: domain.StatusClean}, nil
}

func TestHandleMessageMalformed(t *testing.T) {
	eventBus := bus.NewChannelBus(10, nil)
	defer eventBus.Close()

	w := NewWorker(eventBus, &stubIngester{}, nil)
	err := w.handleMessage(context.Background(), &domain.Message{ID: "m1", Payload: []byte("{not json")})
	if err == nil {
		t.Fatal("expected parse error")
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Errorf("expected json syntax error, got %T", err)
	}
}
