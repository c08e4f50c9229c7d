package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/flexinfer/flowtest/internal/compiler"
	"github.com/flexinfer/flowtest/internal/config"
	"github.com/flexinfer/flowtest/internal/criteria"
	"github.com/flexinfer/flowtest/internal/eventlog"
	"github.com/flexinfer/flowtest/internal/flowstore"
	"github.com/flexinfer/flowtest/internal/graph"
	"github.com/flexinfer/flowtest/internal/runner"
	"github.com/flexinfer/flowtest/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Catalog serves the node catalog and its validation tag.
type Catalog interface {
	Catalog() (data []byte, etag string, err error)
}

// Deps are the collaborators the handlers serve.
type Deps struct {
	Catalog   Catalog
	Compiler  *compiler.Compiler
	Events    eventlog.Log
	Store     flowstore.Store
	Runner    *runner.Runner
	Evaluator *criteria.Evaluator
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	Deps
	config *config.Config
	logger *slog.Logger

	// background is the parent context of submitted tasks; cancelled on shutdown
	background context.Context
}

// NewHandlers creates a new Handlers instance. Tasks submitted over HTTP run
// under background so they outlive the submitting request.
func NewHandlers(background context.Context, deps Deps, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handlers{Deps: deps, config: cfg, logger: logger, background: background}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the event broker.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.Events.Info(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "event log unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"status": "ready", "eventlog": info})
}

// --- Catalog and Compilation ---

// Catalog handles GET /api/v1/nodes. The response carries a strong ETag and
// honours If-None-Match.
func (h *Handlers) Catalog(w http.ResponseWriter, r *http.Request) {
	data, etag, err := h.Deps.Catalog.Catalog()
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to build catalog", err)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// etagMatches implements the If-None-Match comparison for a strong tag.
func etagMatches(header, etag string) bool {
	for header != "" {
		var candidate string
		candidate, header, _ = strings.Cut(header, ",")
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag || candidate == "W/"+etag {
			return true
		}
	}
	return false
}

// CompileReceipt is the response of a successful compilation.
type CompileReceipt struct {
	Valid  bool             `json:"valid"`
	Stats  graph.Stats      `json:"stats"`
	Order  []string         `json:"order"`
	Stages []compiler.Stage `json:"stages"`
	Sinks  []string         `json:"sinks"`
}

// CompileRejection lists every defect found.
type CompileRejection struct {
	Valid   bool                `json:"valid"`
	Stats   graph.Stats         `json:"stats"`
	Defects compiler.DefectList `json:"defects"`
}

// Compile handles POST /api/v1/compile.
func (h *Handlers) Compile(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read body", err)
		return
	}

	// Stats are best effort; a payload that fails to decode reports zeroes.
	var p types.GraphPayload
	_ = json.Unmarshal(data, &p)

	plan, err := h.Compiler.CompileJSON(data)
	if err != nil {
		var defects compiler.DefectList
		var schemaErr *graph.SchemaError
		switch {
		case errors.As(err, &defects):
			h.respondJSON(w, http.StatusUnprocessableEntity, CompileRejection{
				Stats:   graph.PayloadStats(p),
				Defects: defects,
			})
		case errors.As(err, &schemaErr):
			writeErrorResponse(w, r, http.StatusBadRequest, "graph payload does not match schema",
				map[string]any{"errors": schemaErr.Errors})
		default:
			h.respondError(w, r, http.StatusBadRequest, "invalid graph payload", err)
		}
		return
	}

	h.respondJSON(w, http.StatusOK, CompileReceipt{
		Valid:  true,
		Stats:  graph.PayloadStats(p),
		Order:  plan.Order,
		Stages: plan.Stages,
		Sinks:  plan.Sinks,
	})
}

// --- Flows and Cases ---

// CreateFlow handles POST /api/v1/flows.
func (h *Handlers) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var req flowstore.CreateFlowRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid flow", err)
		return
	}
	flow, err := h.Store.CreateFlow(r.Context(), &req)
	if err != nil {
		h.fail(w, r, "failed to create flow", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, flow)
}

// ListFlows handles GET /api/v1/flows?limit=&offset=.
func (h *Handlers) ListFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	flows, err := h.Store.ListFlows(r.Context(), &flowstore.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		h.fail(w, r, "failed to list flows", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"flows": flows, "count": len(flows)})
}

// GetFlow handles GET /api/v1/flows/{id}.
func (h *Handlers) GetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.Store.GetFlow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, "failed to get flow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, flow)
}

// UpdateFlow handles PUT /api/v1/flows/{id}.
func (h *Handlers) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	var req flowstore.UpdateFlowRequest
	if !h.decode(w, r, &req) {
		return
	}
	flow, err := h.Store.UpdateFlow(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		h.fail(w, r, "failed to update flow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, flow)
}

// DeleteFlow handles DELETE /api/v1/flows/{id}.
func (h *Handlers) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteFlow(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, "failed to delete flow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutCase handles PUT /api/v1/cases/{id}.
func (h *Handlers) PutCase(w http.ResponseWriter, r *http.Request) {
	var tc flowstore.TestCase
	if !h.decode(w, r, &tc) {
		return
	}
	tc.ID = mux.Vars(r)["id"]
	saved, err := h.Store.PutCase(r.Context(), &tc)
	if err != nil {
		h.fail(w, r, "failed to save test case", err)
		return
	}
	h.respondJSON(w, http.StatusOK, saved)
}

// GetCase handles GET /api/v1/cases/{id}.
func (h *Handlers) GetCase(w http.ResponseWriter, r *http.Request) {
	tc, err := h.Store.GetCase(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, "failed to get test case", err)
		return
	}
	h.respondJSON(w, http.StatusOK, tc)
}

// --- Tasks ---

// SubmitTaskResponse is returned when a task is accepted.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	SSEURL string `json:"sse_url"`
}

// SubmitTask handles POST /api/v1/tasks. The attempt runs in the background;
// progress is observable on the task's event stream.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req runner.Request
	if !h.decode(w, r, &req) {
		return
	}
	if req.CaseID == "" {
		h.respondError(w, r, http.StatusBadRequest, "case_id is required", nil)
		return
	}
	if req.Attempt == 0 {
		req.Attempt = 1
	}

	task, err := h.Runner.Enqueue(r.Context(), req)
	if err != nil {
		h.fail(w, r, "failed to enqueue task", err)
		return
	}
	// a resubmitted attempt replays or joins the existing one
	go func() {
		out := h.Runner.Run(h.background, req)
		h.logger.Debug("background task done", "task_id", out.TaskID, "status", out.Status, "in_flight", out.InFlight)
	}()

	h.respondJSON(w, http.StatusAccepted, SubmitTaskResponse{
		TaskID: task.ID,
		Status: string(task.Status),
		SSEURL: "/api/v1/tasks/" + task.ID + "/events",
	})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Store.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, "failed to get task", err)
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	if err := h.Runner.Cancel(taskID); err != nil {
		h.fail(w, r, "task is not running", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "cancelling"})
}

// --- Criteria ---

// EvaluateRequest scores an output against a rule set without running a flow.
type EvaluateRequest struct {
	RuleSet criteria.RuleSet `json:"rule_set"`
	Output  string           `json:"output"`
}

// EvaluateCriteria handles POST /api/v1/criteria/evaluate.
func (h *Handlers) EvaluateCriteria(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondJSON(w, http.StatusOK, h.Evaluator.Evaluate(r.Context(), &req.RuleSet, req.Output))
}

// --- Helper Methods ---

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// fail responds with the status statusFor assigns to err.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.respondError(w, r, statusFor(err), message, err)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]any
	if err != nil {
		details = map[string]any{"cause": err.Error()}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status)
	} else {
		h.logger.Debug(message, "error", err, "status", status)
	}
	writeErrorResponse(w, r, status, message, details)
}
