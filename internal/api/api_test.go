package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/alerting"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/chain"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/storetest"
	"github.com/opensource-finance/harrier/internal/sweep"
	"github.com/opensource-finance/harrier/internal/velocity"
	"github.com/opensource-finance/harrier/internal/worker"
)

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	engine *rules.Engine
	bus    *bus.ChannelBus
}

const testBusBuffer = 4

// createTestServer wires the full community stack over a temp SQLite store.
func createTestServer(t *testing.T, loadDefaults bool) *testEnv {
	t.Helper()
	repo := storetest.NewRepo(t)

	engine, err := rules.NewEngine(4, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if loadDefaults {
		if _, err := engine.Load(rules.DefaultRules()); err != nil {
			t.Fatalf("failed to load rules: %v", err)
		}
	}

	eventBus := bus.NewChannelBus(testBusBuffer, nil)
	t.Cleanup(func() { eventBus.Close() })

	detector := chain.New(repo, domain.DefaultChainConfig(), nil)
	extractor := features.NewExtractor(repo, repo, detector, 0, nil)
	emitter := alerting.NewEmitter(repo, nil)
	sweeper := sweep.New(repo, extractor, engine, emitter, sweep.Config{Workers: 2}, nil)
	lru := cache.NewLRUCache(100)

	srv := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Repo:        repo,
		Pipeline:    pipeline.New(repo, extractor, engine, emitter, sweeper, pipeline.NewSession(3), nil),
		Engine:      engine,
		Velocity:    velocity.NewService(repo),
		Detector:    detector,
		Sweeper:     sweeper,
		Cache:       lru,
		Idempotency: cache.NewIdempotency(lru, time.Hour),
		Bus:         eventBus,
		Version:     "test-v1",
	})
	return &testEnv{server: srv, repo: repo, engine: engine, bus: eventBus}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func transferBody(sender, receiver string, amount float64, offset time.Duration) map[string]any {
	return map[string]any{
		"sender":    sender,
		"receiver":  receiver,
		"amount":    amount,
		"timestamp": storetest.Base.Add(offset).Format(time.RFC3339Nano),
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

// ingestLayering posts S -> R1,R2,R3 then R1,R2,R3 -> T and returns the
// transfer ids in order.
func ingestLayering(t *testing.T, e *testEnv) []string {
	t.Helper()
	bodies := []map[string]any{
		transferBody("S", "R1", 10000, 0),
		transferBody("S", "R2", 10000, time.Minute),
		transferBody("S", "R3", 10000, 2*time.Minute),
		transferBody("R1", "T", 10000, 10*time.Minute),
		transferBody("R2", "T", 9800, 11*time.Minute),
		transferBody("R3", "T", 10150, 12*time.Minute),
	}
	ids := make([]string, 0, len(bodies))
	for i, b := range bodies {
		rr := e.do(t, http.MethodPost, "/api/v1/transfers", b, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("ingest %d: expected 200, got %d: %s", i, rr.Code, rr.Body.String())
		}
		ids = append(ids, decode[domain.IngestResult](t, rr).TransferID)
	}
	return ids
}

func TestIngestEndpoint(t *testing.T) {
	e := createTestServer(t, true)

	t.Run("Clean", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/api/v1/transfers", transferBody("A", "B", 120.5, 0), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		res := decode[domain.IngestResult](t, rr)
		if res.TransferID == "" || res.Status != domain.StatusClean {
			t.Errorf("unexpected result: %+v", res)
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected a request id header")
		}
	})

	t.Run("StringAmount", func(t *testing.T) {
		body := `{"sender":"A","receiver":"C","amount":"99.99"}`
		rr := e.do(t, http.MethodPost, "/api/v1/transfers", body, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	tests := []struct {
		name string
		body any
	}{
		{"InvalidJSON", "not-json"},
		{"MissingSender", map[string]any{"receiver": "B", "amount": 10}},
		{"MissingAmount", map[string]any{"sender": "A", "receiver": "B"}},
		{"NegativeAmount", map[string]any{"sender": "A", "receiver": "B", "amount": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/api/v1/transfers", tt.body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestIdempotencyKey(t *testing.T) {
	e := createTestServer(t, true)
	headers := map[string]string{IdempotencyKeyHeader: "client-42"}

	first := e.do(t, http.MethodPost, "/api/v1/transfers", transferBody("A", "B", 10, 0), headers)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	second := e.do(t, http.MethodPost, "/api/v1/transfers", transferBody("A", "B", 10, 0), headers)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", second.Code, second.Body.String())
	}

	if second.Header().Get(IdempotentReplayHeader) != "true" {
		t.Error("expected the second response to be a replay")
	}
	if decode[domain.IngestResult](t, first).TransferID != decode[domain.IngestResult](t, second).TransferID {
		t.Error("replayed response must carry the original transfer id")
	}

	seq, err := e.repo.LatestSeq(context.Background())
	if err != nil {
		t.Fatalf("LatestSeq failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("replay must not store a second transfer, latest seq %d", seq)
	}
}

func TestAsyncIngest(t *testing.T) {
	e := createTestServer(t, true)

	received := make(chan *domain.Message, 1)
	_, err := e.bus.Subscribe(context.Background(), domain.TopicTransferSubmitted, func(_ context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	rr := e.do(t, http.MethodPost, "/api/v1/transfers?async=true", transferBody("A", "B", 10, 0),
		map[string]string{RequestIDHeader: "req-async"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decode[AcceptedResponse](t, rr); got.RequestID != "req-async" {
		t.Errorf("expected request id req-async, got %q", got.RequestID)
	}

	select {
	case msg := <-received:
		var sub struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(msg.Payload, &sub); err != nil || sub.RequestID != "req-async" {
			t.Errorf("unexpected submission %s: %v", msg.Payload, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a submission on the bus")
	}

	seq, err := e.repo.LatestSeq(context.Background())
	if err != nil {
		t.Fatalf("LatestSeq failed: %v", err)
	}
	if seq != 0 {
		t.Error("async ingest must not store inline")
	}

	t.Run("Malformed", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/api/v1/transfers?async=true", map[string]any{"sender": "A"}, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestAsyncIngestRejected(t *testing.T) {
	t.Run("NoWorker", func(t *testing.T) {
		e := createTestServer(t, true)

		rr := e.do(t, http.MethodPost, "/api/v1/transfers?async=true", transferBody("A", "B", 10, 0),
			map[string]string{RequestIDHeader: "req-lost"})
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 without a worker, got %d: %s", rr.Code, rr.Body.String())
		}
		if body := decode[map[string]string](t, rr); body["requestId"] != "req-lost" {
			t.Errorf("expected requestId in the body, got %v", body)
		}
	})

	t.Run("WorkerBusy", func(t *testing.T) {
		e := createTestServer(t, true)

		started := make(chan struct{}, 10)
		release := make(chan struct{})
		defer close(release)
		_, err := e.bus.Subscribe(context.Background(), domain.TopicTransferSubmitted, func(ctx context.Context, _ *domain.Message) error {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		post := func() int {
			return e.do(t, http.MethodPost, "/api/v1/transfers?async=true", transferBody("A", "B", 10, 0), nil).Code
		}

		if code := post(); code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", code)
		}
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber never picked up the first submission")
		}

		// The handler is busy; fill the buffer, then the next one must be refused.
		for i := 0; i < testBusBuffer; i++ {
			if code := post(); code != http.StatusAccepted {
				t.Fatalf("submission %d: expected 202, got %d", i, code)
			}
		}
		if code := post(); code != http.StatusServiceUnavailable {
			t.Errorf("expected 503 once the buffer is full, got %d", code)
		}
	})
}

func TestLayeringEndpoints(t *testing.T) {
	e := createTestServer(t, true)
	ids := ingestLayering(t, e)

	t.Run("GetTransfer", func(t *testing.T) {
		rr := e.do(t, http.MethodGet, "/api/v1/transfers/"+ids[0], nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		tr := decode[domain.Transfer](t, rr)
		if tr.Sender != "S" || tr.Receiver != "R1" || tr.Seq != 1 {
			t.Errorf("unexpected transfer: %+v", tr)
		}

		if rr := e.do(t, http.MethodGet, "/api/v1/transfers/missing", nil, nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("Features", func(t *testing.T) {
		rr := e.do(t, http.MethodGet, "/api/v1/transfers/"+ids[5]+"/features", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		body := decode[struct {
			Features map[string]any `json:"features"`
		}](t, rr)
		if body.Features[domain.FeatureIsLinkedChain] != true {
			t.Errorf("expected linked chain, got %v", body.Features[domain.FeatureIsLinkedChain])
		}
		if body.Features[domain.FeatureLinkedChainCommonReceiver] != "T" {
			t.Errorf("expected common receiver T, got %v", body.Features[domain.FeatureLinkedChainCommonReceiver])
		}

		rr = e.do(t, http.MethodGet, "/api/v1/transfers/"+ids[0]+"/features", nil, nil)
		body = decode[struct {
			Features map[string]any `json:"features"`
		}](t, rr)
		if v, ok := body.Features[domain.FeatureAvgDelayBetweenLayers]; !ok || v != nil {
			t.Errorf("expected null delay for a single hop, got %v", v)
		}
	})

	t.Run("Alerts", func(t *testing.T) {
		rr := e.do(t, http.MethodGet, "/api/v1/alerts", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		body := decode[struct {
			Alerts []domain.Alert `json:"alerts"`
			Count  int            `json:"count"`
		}](t, rr)
		if body.Count != 4 {
			t.Errorf("expected 4 alerts, got %d", body.Count)
		}

		rr = e.do(t, http.MethodGet, "/api/v1/alerts?limit=2", nil, nil)
		if got := decode[struct {
			Count int `json:"count"`
		}](t, rr).Count; got != 2 {
			t.Errorf("expected limit 2, got %d", got)
		}

		if rr := e.do(t, http.MethodGet, "/api/v1/alerts?limit=zero", nil, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad limit, got %d", rr.Code)
		}
	})

	window := url.Values{
		"from": {storetest.Base.Add(-time.Minute).Format(time.RFC3339)},
		"to":   {storetest.Base.Add(time.Hour).Format(time.RFC3339)},
	}

	t.Run("Aggregates", func(t *testing.T) {
		q := url.Values{"sender": {"S"}, "from": window["from"], "to": window["to"]}
		rr := e.do(t, http.MethodGet, "/api/v1/aggregates?"+q.Encode(), nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		agg := decode[struct {
			Aggregate domain.Aggregate `json:"aggregate"`
		}](t, rr).Aggregate
		if agg.Count != 3 || agg.Sum != 30000 || agg.DistinctCount != 3 {
			t.Errorf("unexpected aggregate: %+v", agg)
		}

		if rr := e.do(t, http.MethodGet, "/api/v1/aggregates?sender=S&receiver=T", nil, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for both parties, got %d", rr.Code)
		}
		if rr := e.do(t, http.MethodGet, "/api/v1/aggregates?sender=S&from=yesterday", nil, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad time, got %d", rr.Code)
		}
	})

	t.Run("Chains", func(t *testing.T) {
		rr := e.do(t, http.MethodGet, "/api/v1/chains?"+window.Encode(), nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		body := decode[struct {
			Chains []chain.Result `json:"chains"`
			Count  int            `json:"count"`
		}](t, rr)
		if body.Count != 1 || body.Chains[0].Origin != "S" || body.Chains[0].CommonReceiver != "T" {
			t.Errorf("unexpected chains: %+v", body.Chains)
		}
	})

	t.Run("Sweep", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/api/v1/sweep", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if n := decode[map[string]int](t, rr)["alerts"]; n != 0 {
			t.Errorf("catch-up sweep outside the window should emit nothing, got %d", n)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	e := createTestServer(t, true)

	t.Run("ListEmpty", func(t *testing.T) {
		rr := e.do(t, http.MethodGet, "/api/v1/rules", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		body := decode[struct {
			Count  int `json:"count"`
			Active int `json:"active"`
		}](t, rr)
		if body.Count != 0 || body.Active != len(rules.DefaultRules()) {
			t.Errorf("unexpected rule listing: %+v", body)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		tests := []map[string]any{
			{"id": 50, "name": "Broken", "condition": "amount >"},
			{"id": 50, "name": "Not Bool", "condition": "amount + 1.0"},
			{"id": 50, "name": "Unknown", "condition": "no_such_feature > 1"},
			{"name": "No Id", "condition": "amount > 1.0"},
		}
		for i, body := range tests {
			if rr := e.do(t, http.MethodPost, "/api/v1/rules", body, nil); rr.Code != http.StatusBadRequest {
				t.Errorf("case %d: expected 400, got %d: %s", i, rr.Code, rr.Body.String())
			}
		}
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		body := map[string]any{
			"id": 50, "name": "Large Transfer", "condition": "amount > 1000000.0",
			"riskLevel": "High", "category": "Velocity", "action": "flag_velocity",
		}
		if rr := e.do(t, http.MethodPost, "/api/v1/rules", body, nil); rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr := e.do(t, http.MethodPost, "/api/v1/rules/reload", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := decode[struct {
			Count int `json:"count"`
		}](t, rr).Count; got != 1 {
			t.Errorf("expected 1 active rule after reload, got %d", got)
		}

		ing := e.do(t, http.MethodPost, "/api/v1/transfers", transferBody("A", "B", 2000000, 0), nil)
		res := decode[domain.IngestResult](t, ing)
		if res.Status != domain.StatusFlagged || len(res.TriggeredRules) != 1 || res.TriggeredRules[0] != "Large Transfer" {
			t.Errorf("expected the reloaded rule to flag, got %+v", res)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if rr := e.do(t, http.MethodDelete, "/api/v1/rules/50", nil, nil); rr.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rr.Code)
		}
		if rr := e.do(t, http.MethodDelete, "/api/v1/rules/50", nil, nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
		if rr := e.do(t, http.MethodDelete, "/api/v1/rules/abc", nil, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	e := createTestServer(t, true)

	rr := e.do(t, http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "healthy" || body["version"] != "test-v1" {
		t.Errorf("unexpected health: %v", body)
	}

	if rr := e.do(t, http.MethodGet, "/ready", nil, nil); rr.Code != http.StatusOK {
		t.Errorf("expected ready, got %d", rr.Code)
	}

	rr = e.do(t, http.MethodGet, "/metrics", nil, nil)
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte("harrier_")) {
		t.Errorf("expected prometheus output, got %d", rr.Code)
	}

	t.Run("SessionAndWorker", func(t *testing.T) {
		if rr := e.do(t, http.MethodPost, "/api/v1/transfers", transferBody("A", "B", 10, 0), nil); rr.Code != http.StatusOK {
			t.Fatalf("ingest: expected 200, got %d", rr.Code)
		}

		w := worker.NewWorker(e.bus, e.server.handler.Pipeline, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()
		e.server.handler.Worker = w

		var body struct {
			Session struct {
				CleanSinceSweep int   `json:"cleanSinceSweep"`
				Batches         int64 `json:"batches"`
			} `json:"session"`
			Worker worker.Stats `json:"worker"`
		}
		rr := e.do(t, http.MethodGet, "/health", nil, nil)
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		if body.Session.CleanSinceSweep != 1 || body.Session.Batches != 0 {
			t.Errorf("unexpected session stats: %+v", body.Session)
		}
		if body.Worker.SubscriptionCount != 1 || body.Worker.Topics[0] != domain.TopicTransferSubmitted {
			t.Errorf("unexpected worker stats: %+v", body.Worker)
		}
	})

	t.Run("NotReadyWithoutRules", func(t *testing.T) {
		empty := createTestServer(t, false)
		if rr := empty.do(t, http.MethodGet, "/ready", nil, nil); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rr.Code)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	e := createTestServer(t, true)
	rr := e.do(t, http.MethodOptions, "/api/v1/transfers", nil, map[string]string{"Origin": "https://ops.example"})
	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrMalformedTransfer, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", domain.ErrInvalidInput), http.StatusBadRequest},
		{domain.ErrRuleCondition, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("append: %w", domain.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("submit: %w", domain.ErrNotDelivered), http.StatusServiceUnavailable},
		{&domain.UnevaluatedError{TransferID: "tx-1", Err: fmt.Errorf("boom")}, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}

	t.Run("unevaluated body carries the transfer id", func(t *testing.T) {
		rr := httptest.NewRecorder()
		writeError(rr, &domain.UnevaluatedError{TransferID: "tx-9", Err: domain.ErrStoreUnavailable})
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		body := decode[map[string]string](t, rr)
		if body["transferId"] != "tx-9" {
			t.Errorf("expected transferId tx-9, got %v", body)
		}
	})
}
