package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/chainguard/internal/domain"
	"github.com/opensource-finance/chainguard/internal/ingest"
	"github.com/opensource-finance/chainguard/internal/logging"
	"github.com/opensource-finance/chainguard/internal/pipeline"
	"github.com/opensource-finance/chainguard/internal/rules"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 20

// Handler holds the HTTP handlers.
type Handler struct {
	svc     *pipeline.Service
	metrics http.Handler
	version string
}

// NewHandler creates a handler. A nil metrics handler leaves /metrics unrouted.
func NewHandler(svc *pipeline.Service, metrics http.Handler, version string) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		version: version,
	}
}

// ScoreRequest is the JSON body of a scoring request. Each row maps column
// names to values; numbers and booleans are accepted alongside strings.
type ScoreRequest struct {
	Rows []map[string]any `json:"rows"`
}

// AsyncResponse is returned when a batch is queued.
type AsyncResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// EnabledRequest toggles a rule.
type EnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// ScoreRun scores a batch synchronously. The body is either a ScoreRequest
// or a CSV file with a header row.
func (h *Handler) ScoreRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rows, err := readRows(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.svc.Score(ctx, tenantID, "", rows)
	if err != nil {
		if run != nil && errors.Is(err, context.Canceled) {
			// Client went away; the partial run has already been recorded.
			logging.L(ctx).Warn("scoring run cancelled", "run_id", run.ID, "processed", run.Report.Processed)
			writeJSON(w, http.StatusOK, run)
			return
		}
		h.fail(w, r, "failed to score batch", err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// SubmitRun queues a batch for the background worker.
func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rows, err := readRows(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := h.svc.Submit(ctx, tenantID, rows)
	if err != nil {
		h.fail(w, r, "failed to submit batch", err)
		return
	}

	writeJSON(w, http.StatusAccepted, AsyncResponse{RunID: runID, Status: "queued"})
}

// GetRun returns a stored run with its assessments.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	run, err := h.svc.GetRun(ctx, GetTenantID(ctx), runID)
	if err != nil {
		h.fail(w, r, "failed to get run", err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// ListAssessments returns a run's assessments, filtered by the optional
// band query parameter.
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")
	band := domain.Band(r.URL.Query().Get("band"))

	list, err := h.svc.ListAssessments(ctx, GetTenantID(ctx), runID, band)
	if err != nil {
		h.fail(w, r, "failed to list assessments", err)
		return
	}
	if list == nil {
		list = []domain.RiskAssessment{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":       runID,
		"count":       len(list),
		"assessments": list,
	})
}

// ListRules returns the tenant's effective rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	views, err := h.svc.Rules(ctx, GetTenantID(ctx))
	if err != nil {
		h.fail(w, r, "failed to list rules", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(views),
		"rules": views,
	})
}

// GetRule returns one effective rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	view, err := h.svc.Rule(ctx, GetTenantID(ctx), ruleID)
	if err != nil {
		h.fail(w, r, "failed to get rule", err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// CreateRule validates and stores a tenant rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rc domain.RuleConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.svc.SaveRule(ctx, tenantID, &rc); err != nil {
		h.fail(w, r, "failed to save rule", err)
		return
	}

	logging.L(ctx).Info("rule saved", "tenant_id", tenantID, "rule_id", rc.ID, "version", rc.Version)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      rc.ID,
		"status":  "saved",
		"enabled": rc.Enabled,
	})
}

// SetRuleEnabled enables or disables a rule for the tenant.
func (h *Handler) SetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	var req EnabledRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `"enabled" is required`)
		return
	}

	if err := h.svc.SetRuleEnabled(ctx, GetTenantID(ctx), ruleID, *req.Enabled); err != nil {
		h.fail(w, r, "failed to toggle rule", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      ruleID,
		"enabled": *req.Enabled,
	})
}

// Health returns the server's health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string)
	for name, err := range h.svc.Ping(r.Context()) {
		if err != nil {
			status = "degraded"
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready reports whether every dependency answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, err := range h.svc.Ping(r.Context()) {
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": fmt.Sprintf("%s: %v", name, err),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// fail maps a service error to a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.L(r.Context()).Error(msg, "tenant_id", GetTenantID(r.Context()), "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrTooManyRows):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrNoRepository), errors.Is(err, pipeline.ErrNoEventBus):
		return http.StatusServiceUnavailable
	case errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, rules.ErrDuplicateRule),
		errors.Is(err, rules.ErrNegativeWeight),
		errors.Is(err, rules.ErrInvalidExpression),
		errors.Is(err, rules.ErrInvalidThresholds),
		errors.Is(err, rules.ErrNegativeCap),
		errors.Is(err, rules.ErrUnknownRule):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// readRows decodes a batch from a JSON or CSV body.
func readRows(r *http.Request) ([]domain.TransactionRow, error) {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == ingest.ContentTypeCSV {
		rows, err := ingest.ReadCSV(body)
		if err != nil {
			return nil, fmt.Errorf("invalid csv: %w", err)
		}
		return rows, nil
	}

	var req ScoreRequest
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("request body is empty")
		}
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Rows) == 0 {
		return nil, errors.New("rows are required")
	}

	rows := make([]domain.TransactionRow, len(req.Rows))
	for i, raw := range req.Rows {
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			s, err := fieldString(v)
			if err != nil {
				return nil, fmt.Errorf("row %d, column %q: %w", i, k, err)
			}
			fields[k] = s
		}
		rows[i] = domain.TransactionRow{Index: i, Fields: fields}
	}
	return rows, nil
}

func fieldString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
