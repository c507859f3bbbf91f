package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shinrai-ai/shinrai/internal/auth"
	"github.com/shinrai-ai/shinrai/internal/breaker"
	"github.com/shinrai-ai/shinrai/internal/model"
	"github.com/shinrai-ai/shinrai/internal/registry"
	"github.com/shinrai-ai/shinrai/internal/storage"
)

// Store is the persistence surface the HTTP handlers need. Satisfied by
// *storage.DB.
type Store interface {
	GetRun(ctx context.Context, runID uuid.UUID) (model.RunRecord, error)
	ListRuns(ctx context.Context, agentID string, limit, offset int) ([]model.RunRecord, int, error)
	ListEventsByRun(ctx context.Context, runID uuid.UUID) ([]model.AuditEvent, error)
	ListDeadLetters(ctx context.Context, agentID string, limit, offset int) ([]model.DeadLetter, int, error)
	ListApprovals(ctx context.Context, status model.ApprovalStatus, limit, offset int) ([]model.ApprovalQueueItem, int, error)
	ReviewApprovalItem(ctx context.Context, id uuid.UUID, verdict model.ApprovalStatus, reviewer string) (model.ApprovalQueueItem, error)
	GetOperatorKeyByPrefix(ctx context.Context, prefix string) (storage.OperatorKey, error)
	TouchOperatorKeyLastUsed(ctx context.Context, keyID uuid.UUID) error
	Ping(ctx context.Context) error
}

// Launcher starts agent runs. Satisfied by *runner.Runner.
type Launcher interface {
	Launch(ctx context.Context, agentID, trigger string, payload map[string]any) (uuid.UUID, error)
}

// Handlers holds the dependencies for all HTTP endpoints.
type Handlers struct {
	store    Store
	launcher Launcher
	registry *registry.Registry
	breaker  *breaker.Breaker
	jwtMgr   *auth.JWTManager
	logger   *slog.Logger
	version  string

	openapiSpec []byte
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(store Store, launcher Launcher, reg *registry.Registry, cb *breaker.Breaker, jwtMgr *auth.JWTManager, version string, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:    store,
		launcher: launcher,
		registry: reg,
		breaker:  cb,
		jwtMgr:   jwtMgr,
		logger:   logger,
		version:  version,
	}
}

// VerifyOperatorKey checks a plaintext operator key against the stored
// hash and returns the key's identity. Runs a dummy hash on lookup miss
// so invalid prefixes take as long as invalid keys.
func (h *Handlers) VerifyOperatorKey(ctx context.Context, key string) (*Identity, error) {
	if len(key) < auth.KeyPrefixLen {
		auth.DummyVerify()
		return nil, errors.New("server: key too short")
	}
	rec, err := h.store.GetOperatorKeyByPrefix(ctx, key[:auth.KeyPrefixLen])
	if err != nil {
		auth.DummyVerify()
		return nil, errors.New("server: unknown operator key")
	}
	ok, err := auth.VerifyKey(key, rec.KeyHash)
	if err != nil || !ok {
		return nil, errors.New("server: operator key mismatch")
	}
	if err := h.store.TouchOperatorKeyLastUsed(ctx, rec.ID); err != nil {
		h.logger.Warn("failed to update key last_used_at", "key_id", rec.ID, "error", err)
	}
	return &Identity{KeyID: rec.ID, Label: rec.Label}, nil
}

// POST /v1/auth/token
//
// Exchanges a raw operator key for a short-lived session token, so the
// key itself does not have to travel on every request.
func (h *Handlers) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Key == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "key is required")
		return
	}

	identity, err := h.VerifyOperatorKey(r.Context(), req.Key)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid operator key")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueSessionToken(identity.KeyID, identity.Label)
	if err != nil {
		h.logger.Error("failed to issue session token", "key_id", identity.KeyID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}

// POST /v1/agents/{agent_id}/runs
func (h *Handlers) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	desc, ok := h.registry.Descriptor(agentID)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown agent: "+agentID)
		return
	}
	if !desc.Enabled {
		writeError(w, r, http.StatusConflict, model.ErrCodeAgentDisabled, "agent is disabled: "+agentID)
		return
	}

	var req struct {
		Payload map[string]any `json:"payload"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
			return
		}
	}

	runID, err := h.launcher.Launch(r.Context(), agentID, "manual", req.Payload)
	if err != nil {
		h.logger.Error("failed to launch run", "agent_id", agentID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to launch run")
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"run_id":   runID,
		"agent_id": agentID,
		"status":   model.RunStatusPending,
	})
}

// POST /v1/hooks/{agent_id}
//
// Webhook trigger. The entire request body becomes the run payload, so
// unknown fields are allowed here.
func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	desc, ok := h.registry.Descriptor(agentID)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown agent: "+agentID)
		return
	}
	if !desc.Enabled {
		writeError(w, r, http.StatusConflict, model.ErrCodeAgentDisabled, "agent is disabled: "+agentID)
		return
	}

	var payload map[string]any
	if r.ContentLength > 0 {
		if err := decodeLooseJSON(r, &payload); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body")
			return
		}
	}

	runID, err := h.launcher.Launch(r.Context(), agentID, "webhook", payload)
	if err != nil {
		h.logger.Error("failed to launch webhook run", "agent_id", agentID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to launch run")
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"run_id":   runID,
		"agent_id": agentID,
		"status":   model.RunStatusPending,
	})
}

// GET /v1/runs
func (h *Handlers) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	agentID := r.URL.Query().Get("agent_id")

	runs, total, err := h.store.ListRuns(r.Context(), agentID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	writeList(w, r, runs, total, limit, offset)
}

// GET /v1/runs/{run_id}
func (h *Handlers) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("failed to get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// GET /v1/runs/{run_id}/events
func (h *Handlers) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("failed to get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}

	events, err := h.store.ListEventsByRun(r.Context(), runID)
	if err != nil {
		h.logger.Error("failed to list run events", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list events")
		return
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// GET /v1/agents
func (h *Handlers) handleListAgents(w http.ResponseWriter, r *http.Request) {
	type agentView struct {
		model.AgentDescriptor
		Available bool `json:"available"`
	}

	descs := h.registry.Descriptors()
	views := make([]agentView, 0, len(descs))
	for _, d := range descs {
		views = append(views, agentView{
			AgentDescriptor: d,
			Available:       h.registry.IsAvailable(d.ID),
		})
	}
	writeJSON(w, r, http.StatusOK, views)
}

// GET /v1/agents/{agent_id}/availability
func (h *Handlers) handleAgentAvailability(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	report, err := h.registry.ValidateEnvironment(agentID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown agent: "+agentID)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// GET /v1/breaker
func (h *Handlers) handleBreakerStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.breaker.AllStates())
}

// POST /v1/breaker/{agent_id}/reset
func (h *Handlers) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if _, ok := h.registry.Descriptor(agentID); !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown agent: "+agentID)
		return
	}

	h.breaker.Reset(r.Context(), agentID)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"state":    h.breaker.State(agentID),
	})
}

// GET /v1/approvals
func (h *Handlers) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	status := model.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.ApprovalPending, model.ApprovalApproved, model.ApprovalRejected:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter")
		return
	}

	items, total, err := h.store.ListApprovals(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list approvals", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list approvals")
		return
	}
	if items == nil {
		items = []model.ApprovalQueueItem{}
	}
	writeList(w, r, items, total, limit, offset)
}

// POST /v1/approvals/{id}/review
func (h *Handlers) handleReviewApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid approval id")
		return
	}

	var req struct {
		Status     model.ApprovalStatus `json:"status"`
		ReviewedBy string               `json:"reviewed_by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := model.ValidateReviewStatus(req.Status); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.ReviewedBy == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewed_by is required")
		return
	}

	item, err := h.store.ReviewApprovalItem(r.Context(), id, req.Status, req.ReviewedBy)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "item not found or already reviewed")
			return
		}
		h.logger.Error("failed to review approval item", "item_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to review item")
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

// GET /v1/deadletters
func (h *Handlers) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	agentID := r.URL.Query().Get("agent_id")

	letters, total, err := h.store.ListDeadLetters(r.Context(), agentID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []model.DeadLetter{}
	}
	writeList(w, r, letters, total, limit, offset)
}

// GET /health
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
	})
}

// GET /openapi.yaml
func (h *Handlers) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
