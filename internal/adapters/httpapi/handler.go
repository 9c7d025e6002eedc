// Package httpapi exposes the state engine over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"planstate/docs/schema/openapi"
	"planstate/internal/adapters/runs"
	"planstate/internal/blob"
	"planstate/internal/core"
	"planstate/pkg/domain"
)

const apiPrefix = "/api/v1"

// Backend is the subset of the engine service used by the handler.
type Backend interface {
	Ingest(ctx context.Context, events []domain.Event) (core.IngestResult, error)
	GetBatch(ctx context.Context, keys []domain.Key, asOf domain.Date) ([]core.StateResult, error)
	GetHistory(ctx context.Context, key domain.Key, from, to domain.Date) ([]domain.PeriodState, error)
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	Validate(ctx context.Context, runID string) (domain.Report, error)
	PutEntity(ctx context.Context, entity domain.Entity) error
	RebuildSnapshot(ctx context.Context, key domain.Key, asOf domain.Date) (domain.Snapshot, error)
}

// StateReader resolves a single key; *core.StateLoader batches these.
type StateReader interface {
	Load(ctx context.Context, key domain.Key, asOf domain.Date) (core.StateResult, error)
}

// ReportStore lists and reads archived validation reports.
type ReportStore interface {
	ListReports(ctx context.Context, scenarioID, planID string) ([]blob.Info, error)
	LoadReport(ctx context.Context, key string) (domain.Report, error)
}

// Handler routes /api/v1 requests.
type Handler struct {
	Backend Backend
	States  StateReader
	Runs    runs.Scheduler
	Reports ReportStore
	Logger  core.Logger
}

// NewHandler constructs a handler. Runs and Reports are optional; their
// routes answer 404 when unset.
func NewHandler(b Backend, states StateReader) *Handler {
	return &Handler{Backend: b, States: states, Logger: core.NopLogger()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Backend == nil {
		writeError(w, http.StatusInternalServerError, "backend not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == apiPrefix+"/openapi.yaml":
		h.only(w, r, http.MethodGet, handleOpenAPI)
	case path == apiPrefix+"/events":
		h.only(w, r, http.MethodPost, h.handleIngest)
	case path == apiPrefix+"/entities":
		h.only(w, r, http.MethodPost, h.handlePutEntity)
	case path == apiPrefix+"/state":
		h.only(w, r, http.MethodGet, h.handleState)
	case path == apiPrefix+"/state:batch":
		h.only(w, r, http.MethodPost, h.handleBatch)
	case path == apiPrefix+"/history":
		h.only(w, r, http.MethodGet, h.handleHistory)
	case path == apiPrefix+"/snapshots:rebuild":
		h.only(w, r, http.MethodPost, h.handleRebuild)
	case path == apiPrefix+"/validate":
		h.only(w, r, http.MethodPost, h.handleValidate)
	case strings.HasPrefix(path, apiPrefix+"/runs"):
		if h.Runs == nil {
			http.NotFound(w, r)
			return
		}
		h.handleRuns(w, r, strings.TrimPrefix(path, apiPrefix+"/runs"))
	case strings.HasPrefix(path, apiPrefix+"/reports"):
		if h.Reports == nil {
			http.NotFound(w, r)
			return
		}
		h.handleReports(w, r, strings.TrimPrefix(path, apiPrefix+"/reports"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) only(w http.ResponseWriter, r *http.Request, method string, fn http.HandlerFunc) {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	fn(w, r)
}

func handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openapi.Spec())
}

type ingestRequest struct {
	Events []domain.Event `json:"events"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events required")
		return
	}
	res, err := h.Backend.Ingest(r.Context(), req.Events)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (h *Handler) handlePutEntity(w http.ResponseWriter, r *http.Request) {
	var entity domain.Entity
	if !decode(w, r, &entity) {
		return
	}
	if err := h.Backend.PutEntity(r.Context(), entity); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": entity})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(w, r)
	if !ok {
		return
	}
	asOf, ok := dateParam(w, r, "as_of")
	if !ok {
		return
	}
	if err := key.Validate(); err != nil {
		h.writeDomainError(w, err)
		return
	}
	var (
		res core.StateResult
		err error
	)
	if h.States != nil {
		res, err = h.States.Load(r.Context(), key, asOf)
	} else {
		var batch []core.StateResult
		batch, err = h.Backend.GetBatch(r.Context(), []domain.Key{key}, asOf)
		if err == nil {
			res, err = batch[0], batch[0].Err
		}
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": res})
}

type batchRequest struct {
	Keys []domain.Key `json:"keys"`
	AsOf domain.Date  `json:"as_of"`
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AsOf.IsZero() {
		writeError(w, http.StatusBadRequest, "as_of required")
		return
	}
	states, err := h.Backend.GetBatch(r.Context(), req.Keys, req.AsOf)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(w, r)
	if !ok {
		return
	}
	from, ok := dateParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := dateParam(w, r, "to")
	if !ok {
		return
	}
	rows, err := h.Backend.GetHistory(r.Context(), key, from, to)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "csv") || strings.Contains(r.Header.Get("Accept"), "text/csv") {
		streamHistoryCSV(w, key, rows)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

type rebuildRequest struct {
	domain.Key
	AsOf domain.Date `json:"as_of"`
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AsOf.IsZero() {
		writeError(w, http.StatusBadRequest, "as_of required")
		return
	}
	snap, err := h.Backend.RebuildSnapshot(r.Context(), req.Key, req.AsOf)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

type validateRequest struct {
	RunID string `json:"run_id"`
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RunID) == "" {
		writeError(w, http.StatusBadRequest, "run_id required")
		return
	}
	report, err := h.Backend.Validate(r.Context(), req.RunID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request, rest string) {
	if rest == "" {
		h.only(w, r, http.MethodPost, h.handleRunCreate)
		return
	}
	id := strings.TrimPrefix(rest, "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		job, ok := h.Runs.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "run job not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": job})
	case http.MethodDelete:
		job, err := h.Runs.Cancel(id)
		if errors.Is(err, runs.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "run job not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	var req core.RunRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Window.Start.IsZero() {
		if year, err := strconv.Atoi(r.URL.Query().Get("year")); err == nil {
			req.Window = core.YearWindow(year)
		}
	}
	job, err := h.Runs.Enqueue(r.Context(), req)
	if errors.Is(err, runs.ErrQueueFull) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (h *Handler) handleReports(w http.ResponseWriter, r *http.Request, rest string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if rest == "" {
		q := r.URL.Query()
		infos, err := h.Reports.ListReports(r.Context(), q.Get("scenario_id"), q.Get("plan_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": infos})
		return
	}
	parts := strings.Split(strings.TrimPrefix(rest, "/"), "/")
	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	report, err := h.Reports.LoadReport(r.Context(), blob.ReportKey(parts[0], parts[1], parts[2]))
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func keyFromQuery(w http.ResponseWriter, r *http.Request) (domain.Key, bool) {
	q := r.URL.Query()
	key := domain.Key{ScenarioID: q.Get("scenario_id"), PlanID: q.Get("plan_id"), EntityID: q.Get("entity_id")}
	if key.ScenarioID == "" || key.PlanID == "" || key.EntityID == "" {
		writeError(w, http.StatusBadRequest, "scenario_id, plan_id and entity_id required")
		return key, false
	}
	return key, true
}

func dateParam(w http.ResponseWriter, r *http.Request, name string) (domain.Date, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		writeError(w, http.StatusBadRequest, name+" required")
		return domain.Date{}, false
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", name, err))
		return domain.Date{}, false
	}
	return d, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return false
	}
	return true
}

func streamHistoryCSV(w http.ResponseWriter, key domain.Key, rows []domain.PeriodState) {
	filename := fmt.Sprintf("%s-%s-%s-%s.csv", key.ScenarioID, key.PlanID, key.EntityID, time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	writer := csv.NewWriter(w)
	defer writer.Flush()
	if err := writer.Write([]string{"period_start", "period_end", "value", "is_active", "is_current", "source_type", "version", "bounds_violation"}); err != nil {
		return
	}
	for _, row := range rows {
		record := []string{
			row.Period.Start.String(),
			row.Period.End.String(),
			row.Value.String(),
			strconv.FormatBool(row.IsActive),
			strconv.FormatBool(row.IsCurrent),
			string(row.SourceType),
			strconv.FormatInt(row.Version, 10),
			strconv.FormatBool(row.BoundsViolation),
		}
		if err := writer.Write(record); err != nil {
			return
		}
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error("request failed", "code", code, "error", err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "code": code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
