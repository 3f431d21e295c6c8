// Package handler fronts the Workflow Engine with the JSON-over-HTTP API
// surface of spec.md §6, in the teacher's http_handler.go idiom (method
// check per mux pattern, decode body, call the domain layer, encode
// response) generalized to session/step/approval/lock resources instead of
// invoices.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/collaborators"
	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/internal/workflow"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
	"github.com/pesio-ai/be-screening-workflow/pkg/obslog"
)

// defaultLockAcquireWait mirrors the Workflow Engine's own fallback, applied
// when the caller passes a zero SessionLockAcquireWait.
const defaultLockAcquireWait = 10 * time.Second

// WorkflowHandler handles the session/step/approval/lock HTTP resources.
type WorkflowHandler struct {
	engine          *workflow.Engine
	identity        collaborators.IdentityClientInterface
	lockAcquireWait time.Duration
	log             obslog.Logger
}

// NewWorkflowHandler builds a WorkflowHandler. lockAcquireWait bounds how
// long each request waits on the per-session lock (spec.md §5) before the
// request is abandoned with apperrors.Busy, independent of the outer HTTP
// server timeout.
func NewWorkflowHandler(engine *workflow.Engine, identity collaborators.IdentityClientInterface, lockAcquireWait time.Duration, log obslog.Logger) *WorkflowHandler {
	if lockAcquireWait <= 0 {
		lockAcquireWait = defaultLockAcquireWait
	}
	return &WorkflowHandler{engine: engine, identity: identity, lockAcquireWait: lockAcquireWait, log: log}
}

// boundedContext wraps the request's context with the handler's session-lock
// acquire deadline, so sessionlock.Registry.Acquire times out at the
// configured value rather than whatever the outer HTTP timeout happens to be.
func (h *WorkflowHandler) boundedContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.lockAcquireWait)
}

// Register wires every route onto mux using Go 1.22+ method-aware patterns.
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", h.CreateSession)
	mux.HandleFunc("GET /sessions/{id}", h.GetSession)
	mux.HandleFunc("PUT /sessions/{id}/steps/{step}", h.UpdateStep)
	mux.HandleFunc("GET /sessions/{id}/activity-logs", h.ListActivity)
	mux.HandleFunc("POST /sessions/{id}/approval-requests", h.RequestApproval)
	mux.HandleFunc("PUT /approval-requests/{req_id}", h.ResolveApproval)
	mux.HandleFunc("POST /sessions/{id}/lock", h.LockSession)
	mux.HandleFunc("DELETE /sessions/{id}/lock", h.UnlockSession)
}

func (h *WorkflowHandler) actor(r *http.Request) (workflow.Actor, error) {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" {
		return workflow.Actor{}, apperrors.New(apperrors.Unauthenticated, "missing bearer credential")
	}
	resolved, err := h.identity.Resolve(r.Context(), token)
	if err != nil {
		return workflow.Actor{}, err
	}
	return workflow.Actor{
		UserID:    resolved.UserID,
		Name:      resolved.DisplayName,
		Role:      resolved.Role,
		SourceIP:  sourceIP(r),
		DeviceTag: r.UserAgent(),
	}, nil
}

// sourceIP prefers the first hop of X-Forwarded-For, matching the original
// mobile API's proxy-aware capture, falling back to the raw connection
// address.
func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return r.RemoteAddr
}

func writeEnvelope(w http.ResponseWriter, status int, message string, payload map[string]any) {
	body := map[string]any{"success": status < 300, "message": message}
	for k, v := range payload {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, log obslog.Logger, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.Internal, "unexpected error")
	}
	if appErr.Kind == apperrors.Internal {
		log.Error().Err(err).Msg("handler: internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode())
	json.NewEncoder(w).Encode(map[string]string{"detail": string(appErr.Kind)})
}

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.Validation, "malformed request body")
	}
	return nil
}

// CreateSession handles POST /sessions.
func (h *WorkflowHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, h.log, err)
		return
	}

	ctx, cancel := h.boundedContext(r)
	defer cancel()
	session, err := h.engine.CreateSession(ctx, workflow.CreateSessionInput{
		Actor:         actor,
		PatientID:     req.PatientID,
		ScreeningType: req.ScreeningType,
		InitialStep:   req.InitialStep,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeEnvelope(w, http.StatusCreated, "session created", map[string]any{"session": session})
}

// GetSession handles GET /sessions/{id}.
func (h *WorkflowHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	ctx, cancel := h.boundedContext(r)
	defer cancel()
	session, steps, err := h.engine.GetSession(ctx, r.PathValue("id"), actor)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "ok", map[string]any{"session": session, "steps": steps})
}

// UpdateStep handles PUT /sessions/{id}/steps/{step}.
func (h *WorkflowHandler) UpdateStep(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req UpdateStepRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	ctx, cancel := h.boundedContext(r)
	defer cancel()
	session, err := h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
		Actor:           actor,
		SessionID:       r.PathValue("id"),
		Step:            model.Step(r.PathValue("step")),
		DataPatch:       req.DataPatch,
		Complete:        req.Complete,
		RequestApproval: req.RequestApproval,
		Comment:         req.Comment,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "step updated", map[string]any{"session": session})
}

// ListActivity handles GET /sessions/{id}/activity-logs.
func (h *WorkflowHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	q := r.URL.Query()
	in := workflow.ListActivityInput{SessionID: r.PathValue("id")}
	if v := q.Get("skip"); v != "" {
		in.Skip, _ = strconv.Atoi(v)
	}
	in.Limit = 50
	if v := q.Get("limit"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil && n >= 1 && n <= 100 {
			in.Limit = n
		}
	}
	if v := q.Get("step"); v != "" {
		step := model.Step(v)
		in.Step = &step
	}
	if v := q.Get("action"); v != "" {
		action := model.Action(v)
		in.Action = &action
	}
	if v := q.Get("user_id"); v != "" {
		in.UserID = &v
	}

	ctx, cancel := h.boundedContext(r)
	defer cancel()
	entries, err := h.engine.ListActivity(ctx, actor, in)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "ok", map[string]any{"activity_logs": entries})
}

// RequestApproval handles POST /sessions/{id}/approval-requests.
func (h *WorkflowHandler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req RequestApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, h.log, err)
		return
	}

	ctx, cancel := h.boundedContext(r)
	defer cancel()
	approval, err := h.engine.RequestApproval(ctx, workflow.RequestApprovalInput{
		Actor:        actor,
		SessionID:    r.PathValue("id"),
		Step:         req.Step,
		Reason:       req.Reason,
		DataSnapshot: req.DataSnapshot,
		Priority:     req.Priority,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeEnvelope(w, http.StatusCreated, "approval requested", map[string]any{"approval_request": approval})
}

// ResolveApproval handles PUT /approval-requests/{req_id}.
func (h *WorkflowHandler) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req ResolveApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, h.log, err)
		return
	}

	ctx, cancel := h.boundedContext(r)
	defer cancel()
	approval, err := h.engine.ResolveApproval(ctx, workflow.ResolveApprovalInput{
		Actor:     actor,
		RequestID: r.PathValue("req_id"),
		Decision:  workflow.ApprovalDecision(req.Decision),
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "approval resolved", map[string]any{"approval_request": approval})
}

// LockSession handles POST /sessions/{id}/lock.
func (h *WorkflowHandler) LockSession(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req LockSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, h.log, err)
		return
	}

	ctx, cancel := h.boundedContext(r)
	defer cancel()
	lock, err := h.engine.LockSession(ctx, workflow.LockSessionInput{
		Actor:         actor,
		SessionID:     r.PathValue("id"),
		Step:          req.Step,
		Type:          req.Type,
		Reason:        req.Reason,
		DurationHours: req.DurationHours,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeEnvelope(w, http.StatusCreated, "session locked", map[string]any{"lock": lock})
}

// UnlockSession handles DELETE /sessions/{id}/lock?reason=…
func (h *WorkflowHandler) UnlockSession(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	ctx, cancel := h.boundedContext(r)
	defer cancel()
	status, err := h.engine.UnlockSession(ctx, workflow.UnlockSessionInput{
		Actor:     actor,
		SessionID: r.PathValue("id"),
		Reason:    r.URL.Query().Get("reason"),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "session unlocked", map[string]any{"status": status})
}
