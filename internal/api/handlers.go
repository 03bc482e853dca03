package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/agent"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/auth"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/config"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/debug"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/definitions"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/policy"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	orch   *orchestrator.Orchestrator
	store  eventlog.Store
	bus    *eventlog.Bus
	defs   definitions.Store
	insp   *debug.Inspector
	audit  *policy.AuditLog
	config *config.Config
	logger *slog.Logger

	heartbeat time.Duration
}

// NewHandlers creates a new Handlers instance. defs and audit may be nil.
func NewHandlers(orch *orchestrator.Orchestrator, bus *eventlog.Bus, defs definitions.Store, insp *debug.Inspector, audit *policy.AuditLog, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Load()
	}
	if insp == nil {
		insp = debug.NewInspector(orch.Store(), nil)
	}
	return &Handlers{
		orch:      orch,
		store:     orch.Store(),
		bus:       bus,
		defs:      defs,
		insp:      insp,
		audit:     audit,
		config:    cfg,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the event store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "event store unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ready",
		"eventstore": info,
		"live":       len(h.orch.Live()),
	})
}

// --- Workflows ---

// ExecuteResponse is returned when a workflow starts.
type ExecuteResponse struct {
	WorkflowID string                   `json:"workflow_id"`
	Status     types.WorkflowStatus     `json:"status"`
	TraceID    string                   `json:"trace_id,omitempty"`
	StreamURL  string                   `json:"stream_url"`
	Execution  *types.WorkflowExecution `json:"execution,omitempty"`
}

// ExecuteWorkflow handles POST /api/v1/workflows. The body is a workflow
// definition. With ?wait=true the response carries the final state.
func (h *Handlers) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var def types.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	h.execute(w, r, &def)
}

func (h *Handlers) execute(w http.ResponseWriter, r *http.Request, def *types.WorkflowDefinition) {
	handle, err := h.orch.Submit(r.Context(), def)
	if err != nil {
		h.recordAction(r, "workflow.execute", def.Name, err)
		h.respondError(w, r, statusFor(err), "failed to execute workflow", err)
		return
	}
	h.recordAction(r, "workflow.execute", handle.ID(), nil)

	status := http.StatusAccepted
	exec := handle.Snapshot()
	resp := ExecuteResponse{
		WorkflowID: handle.ID(),
		Status:     exec.Status,
		TraceID:    exec.TraceID,
		StreamURL:  "/api/v1/workflows/" + handle.ID() + "/stream",
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		final, err := handle.Wait(r.Context())
		if err != nil {
			h.respondError(w, r, http.StatusInternalServerError, "workflow stopped", err)
			return
		}
		resp.Status = final.Status
		resp.Execution = final
		status = http.StatusOK
	}
	h.respondJSON(w, status, resp)
}

// WorkflowSummary is one entry of the workflow list.
type WorkflowSummary struct {
	WorkflowID string `json:"workflow_id"`
	Live       bool   `json:"live"`
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.Workflows(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list workflows", err)
		return
	}
	live := make(map[string]bool)
	for _, id := range h.orch.Live() {
		live[id] = true
	}
	sort.Strings(ids)
	out := make([]WorkflowSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, WorkflowSummary{WorkflowID: id, Live: live[id]})
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"workflows": out})
}

// WorkflowView is the state of one workflow.
type WorkflowView struct {
	*types.WorkflowExecution
	Live    bool                 `json:"live"`
	Outcome types.WorkflowStatus `json:"outcome"`
	Blocked []string             `json:"blocked,omitempty"`
}

// GetWorkflow handles GET /api/v1/workflows/{id}. A workflow driven by this
// process is read from its handle; any other is replayed from its log.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var exec *types.WorkflowExecution
	handle, live := h.orch.Handle(id)
	if live {
		exec = handle.Snapshot()
	} else {
		state, err := h.insp.StateAt(r.Context(), id, 0)
		if err != nil {
			h.respondError(w, r, statusFor(err), "failed to load workflow", err)
			return
		}
		exec = state
	}

	h.respondJSON(w, http.StatusOK, WorkflowView{
		WorkflowExecution: exec,
		Live:              live,
		Outcome:           exec.Resolve(),
		Blocked:           exec.Blocked(),
	})
}

// ResumeWorkflow handles POST /api/v1/workflows/{id}/resume
func (h *Handlers) ResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	handle, err := h.orch.ResumeWorkflow(r.Context(), id)
	h.recordAction(r, "workflow.resume", id, err)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to resume workflow", err)
		return
	}
	exec := handle.Snapshot()
	h.respondJSON(w, http.StatusOK, ExecuteResponse{
		WorkflowID: id,
		Status:     exec.Status,
		TraceID:    exec.TraceID,
		StreamURL:  "/api/v1/workflows/" + id + "/stream",
	})
}

// CancelRequest is the optional body of a cancel call.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CancelWorkflow handles POST /api/v1/workflows/{id}/cancel
func (h *Handlers) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	err := h.orch.CancelWorkflow(r.Context(), id, req.Reason)
	h.recordAction(r, "workflow.cancel", id, err)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to cancel workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{
		"workflow_id": id,
		"status":      string(types.WorkflowStatusCancelled),
		"reason":      req.Reason,
	})
}

// ListEvents handles GET /api/v1/workflows/{id}/events?from=N
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	from, err := queryInt64(r, "from", 1)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid from", err)
		return
	}

	events, err := h.insp.Events(r.Context(), id)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to read events", err)
		return
	}
	start := sort.Search(len(events), func(i int) bool { return events[i].Sequence >= from })
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": id,
		"events":      events[start:],
	})
}

// ReplayResponse is the state at a prefix of the log.
type ReplayResponse struct {
	WorkflowID string                   `json:"workflow_id"`
	At         int64                    `json:"at"`
	State      *types.WorkflowExecution `json:"state"`
	Verified   *bool                    `json:"verified,omitempty"`
	Mismatches []string                 `json:"mismatches,omitempty"`
}

// Replay handles GET /api/v1/workflows/{id}/replay?at=N&verify=true
func (h *Handlers) Replay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	at, err := queryInt64(r, "at", 0)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid at", err)
		return
	}

	state, err := h.insp.StateAt(r.Context(), id, at)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to replay workflow", err)
		return
	}
	resp := ReplayResponse{WorkflowID: id, At: state.LastSequence, State: state}

	if verify, _ := strconv.ParseBool(r.URL.Query().Get("verify")); verify {
		mismatches, err := h.insp.Verify(r.Context(), id)
		if err != nil {
			h.respondError(w, r, statusFor(err), "failed to verify workflow", err)
			return
		}
		ok := len(mismatches) == 0
		resp.Verified = &ok
		resp.Mismatches = mismatches
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// Timeline handles GET /api/v1/workflows/{id}/timeline
func (h *Handlers) Timeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := h.insp.Timeline(r.Context(), id)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to build timeline", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": id,
		"timeline":    entries,
	})
}

// Check handles GET /api/v1/workflows/{id}/check
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	violations, err := h.insp.Check(r.Context(), id)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to check workflow", err)
		return
	}
	if violations == nil {
		violations = []debug.Violation{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": id,
		"ok":          len(violations) == 0,
		"violations":  violations,
	})
}

// --- Agents and policy ---

// AgentView is the state of one registered agent.
type AgentView struct {
	ID       string      `json:"id"`
	State    agent.State `json:"state"`
	InFlight int         `json:"in_flight"`
}

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	states := h.orch.Agents().States()
	total, perAgent := h.orch.Limits()

	out := make([]AgentView, 0, len(states))
	for _, id := range h.orch.Agents().List() {
		out = append(out, AgentView{ID: id, State: states[id], InFlight: perAgent[id]})
	}
	cfg := h.orch.Config()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"agents":                out,
		"in_flight":             total,
		"max_parallelism":       cfg.MaxParallelism,
		"per_agent_concurrency": cfg.PerAgentConcurrency,
	})
}

// ListAudit handles GET /api/v1/audit
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries := []policy.AuditEntry{}
	if h.audit != nil {
		entries = h.audit.Entries()
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// --- Definitions ---

func (h *Handlers) definitionsEnabled(w http.ResponseWriter, r *http.Request) bool {
	if h.defs == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "definition store not configured", errors.New("no definition store"))
		return false
	}
	return true
}

// CreateDefinition handles POST /api/v1/definitions
func (h *Handlers) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	if !h.definitionsEnabled(w, r) {
		return
	}
	var req definitions.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, r, http.StatusUnprocessableEntity, "invalid definition", err)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = callerID(r)
	}
	def, err := h.defs.Create(r.Context(), &req)
	h.recordAction(r, "definition.create", req.Name, err)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to create definition", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, def)
}

// ListDefinitions handles GET /api/v1/definitions?limit=&offset=&created_by=
func (h *Handlers) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	if !h.definitionsEnabled(w, r) {
		return
	}
	limit, err := queryInt64(r, "limit", 0)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid limit", err)
		return
	}
	offset, err := queryInt64(r, "offset", 0)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid offset", err)
		return
	}
	defs, err := h.defs.List(r.Context(), &definitions.ListOptions{
		Limit:     int(limit),
		Offset:    int(offset),
		CreatedBy: r.URL.Query().Get("created_by"),
	})
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to list definitions", err)
		return
	}
	if defs == nil {
		defs = []*definitions.Definition{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"definitions": defs})
}

// GetDefinition handles GET /api/v1/definitions/{id}
func (h *Handlers) GetDefinition(w http.ResponseWriter, r *http.Request) {
	if !h.definitionsEnabled(w, r) {
		return
	}
	def, err := h.defs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to get definition", err)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// UpdateDefinition handles PUT /api/v1/definitions/{id}
func (h *Handlers) UpdateDefinition(w http.ResponseWriter, r *http.Request) {
	if !h.definitionsEnabled(w, r) {
		return
	}
	var req definitions.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, r, http.StatusUnprocessableEntity, "invalid definition", err)
		return
	}
	def, err := h.defs.Update(r.Context(), mux.Vars(r)["id"], &req)
	h.recordAction(r, "definition.update", mux.Vars(r)["id"], err)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to update definition", err)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// DeleteDefinition handles DELETE /api/v1/definitions/{id}
func (h *Handlers) DeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if !h.definitionsEnabled(w, r) {
		return
	}
	err := h.defs.Delete(r.Context(), mux.Vars(r)["id"])
	h.recordAction(r, "definition.delete", mux.Vars(r)["id"], err)
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to delete definition", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteDefinition handles POST /api/v1/definitions/{id}/execute. The
// started workflow records which definition and version it came from.
func (h *Handlers) ExecuteDefinition(w http.ResponseWriter, r *http.Request) {
	if !h.definitionsEnabled(w, r) {
		return
	}
	def, err := h.defs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, statusFor(err), "failed to get definition", err)
		return
	}
	wf := def.Workflow
	if wf.Name == "" {
		wf.Name = def.Name
	}
	if wf.Metadata == nil {
		wf.Metadata = make(map[string]string)
	}
	wf.Metadata["definition_id"] = def.ID
	wf.Metadata["definition_version"] = strconv.Itoa(def.Version)
	h.execute(w, r, wf)
}

// --- Helpers ---

// callerID is the authenticated subject, or "anonymous" when auth is off.
func callerID(r *http.Request) string {
	if c := auth.GetClaims(r.Context()); c != nil && c.Subject != "" {
		return c.Subject
	}
	return "anonymous"
}

// recordAction writes an operator action to the audit log.
func (h *Handlers) recordAction(r *http.Request, operation, resource string, err error) {
	if h.audit == nil {
		return
	}
	entry := policy.AuditEntry{
		Principal: callerID(r),
		Operation: operation,
		Resource:  resource,
		Allowed:   err == nil,
	}
	if err != nil {
		entry.Reason = err.Error()
	}
	h.audit.Record(entry)
}

func queryInt64(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"error": err.Error()}
		if status >= http.StatusInternalServerError {
			h.logger.Error(message,
				slog.String("request_id", GetRequestID(r.Context(), r)),
				slog.String("path", r.URL.Path),
				slog.Any("error", err),
			)
		}
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}
