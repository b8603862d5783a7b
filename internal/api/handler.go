package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/harrier/internal/chain"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/logging"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Default query windows.
const (
	defaultAggregateWindow = time.Hour
	defaultChainWindow     = 24 * time.Hour
	defaultAlertLimit      = 100
	maxAlertLimit          = 1000
)

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
	now func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps, now: time.Now}
}

// log returns the request-scoped logger installed by LoggingMiddleware.
func (h *Handler) log(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx)
}

// AcceptedResponse is returned for asynchronous ingest.
type AcceptedResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// IngestTransfer handles POST /api/v1/transfers.
func (h *Handler) IngestTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON request body", domain.ErrMalformedTransfer))
		return
	}

	if r.URL.Query().Get("async") == "true" {
		h.submit(w, r, &req)
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if key != "" && h.Idempotency != nil {
		cached, err := h.Idempotency.Lookup(ctx, key)
		if err != nil {
			h.log(ctx).WarnContext(ctx, "idempotency lookup failed", "key", key, "error", err)
		} else if cached != nil {
			w.Header().Set(IdempotentReplayHeader, "true")
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	res, err := h.Pipeline.Ingest(ctx, &req)
	if err != nil {
		h.log(ctx).ErrorContext(ctx, "ingest failed", "error", err)
		writeError(w, err)
		return
	}

	if key != "" && h.Idempotency != nil {
		if err := h.Idempotency.Store(ctx, key, res); err != nil {
			h.log(ctx).WarnContext(ctx, "idempotency store failed", "key", key, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, req *domain.TransferRequest) {
	if h.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	requestID := GetRequestID(r.Context())
	if err := worker.Submit(r.Context(), h.Bus, requestID, req); err != nil {
		h.log(r.Context()).ErrorContext(r.Context(), "failed to submit transfer",
			"request_id", requestID,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":     "transfer not accepted, retry later",
			"requestId": requestID,
		})
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedResponse{RequestID: requestID, Status: "accepted"})
}

// GetTransfer handles GET /api/v1/transfers/{id}.
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.Repo.GetTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetFeatures handles GET /api/v1/transfers/{id}/features. The vector is
// recomputed as of the transfer's own commit; nothing is written.
func (h *Handler) GetFeatures(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fv, err := h.Pipeline.Features(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transferId": id,
		"features":   jsonFeatures(fv),
	})
}

// ListAlerts handles GET /api/v1/alerts?since=&limit=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, err := parseTime(q.Get("since"), time.Time{})
	if err != nil {
		writeError(w, err)
		return
	}
	limit := defaultAlertLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidInput))
			return
		}
		limit = min(n, maxAlertLimit)
	}

	alerts, err := h.Repo.ListAlerts(r.Context(), domain.AlertFilter{Since: since, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAggregate handles GET /api/v1/aggregates?sender=|receiver=&from=&to=&distinct=.
func (h *Handler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sender, receiver := q.Get("sender"), q.Get("receiver")

	var side domain.Side
	var party string
	switch {
	case sender != "" && receiver == "":
		side, party = domain.BySender, sender
	case receiver != "" && sender == "":
		side, party = domain.ByReceiver, receiver
	default:
		writeError(w, fmt.Errorf("%w: exactly one of sender or receiver is required", domain.ErrInvalidInput))
		return
	}

	from, to, err := parseRange(q.Get("from"), q.Get("to"), h.now(), defaultAggregateWindow)
	if err != nil {
		writeError(w, err)
		return
	}

	distinct := domain.DistinctCounterparty
	switch q.Get("distinct") {
	case "", "counterparty":
	case "country":
		distinct = domain.DistinctCountry
	case "device":
		distinct = domain.DistinctDeviceType
	default:
		writeError(w, fmt.Errorf("%w: distinct must be counterparty, country or device", domain.ErrInvalidInput))
		return
	}

	agg, err := h.Velocity.Aggregate(r.Context(), side, party, to, to.Sub(from), distinct, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"party":     party,
		"from":      from,
		"to":        to,
		"aggregate": agg,
	})
}

// ScanChains handles GET /api/v1/chains?from=&to=.
func (h *Handler) ScanChains(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseRange(q.Get("from"), q.Get("to"), h.now(), defaultChainWindow)
	if err != nil {
		writeError(w, err)
		return
	}

	chains, err := h.Detector.ScanWindow(r.Context(), from, to, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if chains == nil {
		chains = []chain.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chains": chains,
		"count":  len(chains),
	})
}

// ListRules returns the persisted rules and the state of the active snapshot.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	persisted, err := h.Repo.ListRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if persisted == nil {
		persisted = []*domain.Rule{}
	}

	snap := h.Engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":    persisted,
		"count":    len(persisted),
		"active":   snap.Len(),
		"faults":   snap.Faults(),
		"loadedAt": snap.LoadedAt(),
	})
}

// CreateRule validates and persists a rule. An existing rule with the same id
// is replaced in place. Call POST /api/v1/rules/reload to apply changes.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON request body", domain.ErrInvalidInput))
		return
	}
	if rule.ID <= 0 || rule.Name == "" {
		writeError(w, fmt.Errorf("%w: id and name are required", domain.ErrInvalidInput))
		return
	}
	if err := h.Engine.ValidateRule(&rule); err != nil {
		writeError(w, err)
		return
	}

	existing, err := h.Repo.ListRules(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	position := len(existing)
	for i, e := range existing {
		if e.ID == rule.ID {
			position = i
			break
		}
	}

	if err := h.Repo.SaveRule(ctx, &rule, position); err != nil {
		h.log(ctx).ErrorContext(ctx, "failed to save rule", "id", rule.ID, "error", err)
		writeError(w, err)
		return
	}

	h.log(ctx).InfoContext(ctx, "rule saved", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule saved. Call POST /api/v1/rules/reload to apply changes.",
	})
}

// DeleteRule handles DELETE /api/v1/rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: rule id must be an integer", domain.ErrInvalidInput))
		return
	}
	if err := h.Repo.DeleteRule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadRules recompiles the persisted rules into a new snapshot and swaps
// it in without a restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	persisted, err := h.Repo.ListRules(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	faults, err := h.Engine.Load(persisted)
	if err != nil {
		h.log(ctx).ErrorContext(ctx, "rule reload rejected", "error", err)
		writeError(w, err)
		return
	}
	if faults == nil {
		faults = []domain.RuleFault{}
	}

	h.log(ctx).InfoContext(ctx, "rules reloaded", "count", len(persisted), "faults", len(faults))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.Engine.RulesCount(),
		"faults":  faults,
	})
}

// Sweep runs an unscoped catch-up sweep.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Sweeper.Sweep(r.Context(), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"alerts": n})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	status := "healthy"

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.Repo != nil {
		check("repository", func() error { return h.Repo.Ping(ctx) })
	}
	if h.Cache != nil {
		check("cache", func() error { return h.Cache.Ping(ctx) })
	}
	if h.Bus != nil {
		check("bus", func() error { return h.Bus.Ping(ctx) })
	}

	body := map[string]any{
		"status":  status,
		"version": h.Version,
		"checks":  checks,
	}
	if h.Pipeline != nil {
		session := h.Pipeline.Session()
		body["session"] = map[string]any{
			"cleanSinceSweep": session.Clean(),
			"batches":         session.Batches(),
		}
	}
	if h.Worker != nil {
		body["worker"] = h.Worker.GetStats()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready reports whether the store is reachable and a rule set is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil || h.Repo.Ping(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	if h.Engine == nil || h.Engine.RulesCount() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var unevaluated *domain.UnevaluatedError
	switch {
	case errors.As(err, &unevaluated):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrMalformedTransfer),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrRuleCondition):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, domain.ErrNotDelivered):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	body := map[string]string{"error": msg}
	var unevaluated *domain.UnevaluatedError
	if errors.As(err, &unevaluated) {
		body["transferId"] = unevaluated.TransferID
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func parseTime(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not an RFC 3339 time", domain.ErrInvalidInput, s)
	}
	return t.UTC(), nil
}

// parseRange defaults to to=now and from=to-window.
func parseRange(fromStr, toStr string, now time.Time, window time.Duration) (time.Time, time.Time, error) {
	to, err := parseTime(toStr, now.UTC())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	from, err := parseTime(fromStr, to.Add(-window))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from is after to", domain.ErrInvalidInput)
	}
	return from, to, nil
}

// jsonFeatures replaces non-finite floats, which JSON cannot carry, with nil.
func jsonFeatures(fv domain.FeatureVector) map[string]any {
	out := make(map[string]any, len(fv))
	for k, v := range fv {
		switch x := v.(type) {
		case float64:
			if math.IsInf(x, 0) || math.IsNaN(x) {
				out[k] = nil
				continue
			}
		case []float64:
			clean := make([]any, len(x))
			for i, f := range x {
				if !math.IsInf(f, 0) && !math.IsNaN(f) {
					clean[i] = f
				}
			}
			out[k] = clean
			continue
		}
		out[k] = v
	}
	return out
}
