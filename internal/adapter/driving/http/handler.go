// Package httphandler is the HTTP driving adapter: forge and backend
// webhooks, the status API, allowlist management and health.
package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// maxPayloadBytes matches GitHub's webhook payload cap.
const maxPayloadBytes = 25 << 20

// Ingester consumes raw events.
type Ingester interface {
	Ingest(ctx context.Context, raw model.RawEvent) (application.IngestResult, error)
}

// QueueHealth reports whether the task queue connection is up.
type QueueHealth interface {
	IsConnected() bool
}

// Options configures request authentication and limits.
type Options struct {
	WebhookSecret     string
	TestingFarmSecret string
	AdminToken        string
	RatePerMinute     int
	IngestTimeout     time.Duration
	// TrustedProxies are addresses or CIDR ranges allowed to report the
	// client address through forwarding headers.
	TrustedProxies []string
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	ingester  Ingester
	admission *application.AdmissionService
	status    *application.StatusService
	queue     QueueHealth
	opts      Options
	proxies   trustedProxies
	limiter   *rateLimiter
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	ingester Ingester,
	admission *application.AdmissionService,
	status *application.StatusService,
	queue QueueHealth,
	opts Options,
	logger *slog.Logger,
) *Handler {
	if opts.IngestTimeout <= 0 {
		opts.IngestTimeout = 30 * time.Second
	}
	proxies, invalid := parseTrustedProxies(opts.TrustedProxies)
	if len(invalid) > 0 {
		logger.Warn("ignoring invalid trusted proxies", "entries", invalid)
	}
	return &Handler{
		ingester:  ingester,
		admission: admission,
		status:    status,
		queue:     queue,
		opts:      opts,
		proxies:   proxies,
		limiter:   newRateLimiter(opts.RatePerMinute),
		logger:    logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/webhooks/github", h.GitHubWebhook)
	mux.HandleFunc("POST /api/v1/webhooks/testing-farm", h.TestingFarmWebhook)
	mux.HandleFunc("POST /api/v1/messages", h.requireAdmin(h.InjectMessage))
	mux.HandleFunc("GET /api/v1/pipelines/{id}", h.GetPipeline)
	mux.HandleFunc("GET /api/v1/groups/{id}", h.GetGroup)
	mux.HandleFunc("GET /api/v1/triggers/{id}/pipelines", h.ListTriggerPipelines)
	mux.HandleFunc("GET /api/v1/allowlist", h.ListNamespaces)
	mux.HandleFunc("GET /api/v1/allowlist/{namespace...}", h.GetNamespace)
	mux.HandleFunc("PUT /api/v1/allowlist/{namespace...}", h.requireAdmin(h.SetNamespace))
	mux.HandleFunc("DELETE /api/v1/allowlist/{namespace...}", h.requireAdmin(h.RemoveNamespace))
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// GitHubWebhook accepts a signed GitHub webhook delivery.
func (h *Handler) GitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow("github:" + h.proxies.clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := verifyGitHubSignature(h.opts.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		h.logger.Warn("rejected webhook", "source", h.proxies.clientIP(r), "error", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		writeError(w, http.StatusBadRequest, "missing X-GitHub-Event header")
		return
	}
	if event == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	payload, ok := decodePayload(w, body)
	if !ok {
		return
	}
	h.ingest(w, r, model.RawEvent{Source: model.SourceGitHub, Header: event, Payload: payload})
}

// TestingFarmWebhook accepts a Testing Farm notification. The body must echo
// the configured token. Only the request id is used; the current state is
// fetched from Testing Farm later.
func (h *Handler) TestingFarmWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow("testing-farm:" + h.proxies.clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	payload, ok := decodePayload(w, body)
	if !ok {
		return
	}
	token, _ := payload["token"].(string)
	delete(payload, "token")
	if !tokenMatches(token, h.opts.TestingFarmSecret) {
		h.logger.Warn("rejected testing farm notification", "source", h.proxies.clientIP(r), "request_id", payload["request_id"])
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	h.ingest(w, r, model.RawEvent{Source: model.SourceTestingFarm, Payload: payload})
}

// InjectMessage ingests a message-bus payload posted over HTTP.
func (h *Handler) InjectMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	h.ingest(w, r, model.RawEvent{Source: model.SourceBus, Topic: req.Topic, Payload: req.Body})
}

// ingest hands raw to the ingester. Ingestion outlives a client that hangs
// up early so a half-processed event is not abandoned.
func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, raw model.RawEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.opts.IngestTimeout)
	defer cancel()

	res, err := h.ingester.Ingest(ctx, raw)
	if err != nil {
		h.logger.Error("ingestion failed", "source", raw.Source, "header", raw.Header, "topic", raw.Topic, "error", err)
		writeError(w, http.StatusServiceUnavailable, "ingestion failed, retry later")
		return
	}

	writeJSON(w, http.StatusAccepted, toIngestResponse(res))
}

// GetPipeline returns one pipeline with its SRPM build and group.
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	view, err := h.status.Pipeline(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get pipeline", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}

	writeJSON(w, http.StatusOK, toPipelineResponse(*view))
}

// GetGroup returns one run group with its targets and rendered summary.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	view, err := h.status.Group(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get group", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}

	writeJSON(w, http.StatusOK, toGroupResponse(*view))
}

// ListTriggerPipelines returns every pipeline a trigger started, oldest first.
func (h *Handler) ListTriggerPipelines(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	view, err := h.status.TriggerPipelines(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list trigger pipelines", "trigger_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}

	writeJSON(w, http.StatusOK, toTriggerPipelinesResponse(*view))
}

// ListNamespaces returns allowlist entries with the requested status,
// "waiting" by default.
func (h *Handler) ListNamespaces(w http.ResponseWriter, r *http.Request) {
	status := model.AllowStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.AllowWaiting
	}

	entries, err := h.admission.List(r.Context(), status)
	if err != nil {
		if errors.Is(err, application.ErrInvalidStatus) {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		h.logger.Error("failed to list namespaces", "status", status, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]NamespaceResponse, 0, len(entries))
	for _, ns := range entries {
		resp = append(resp, toNamespaceResponse(ns))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetNamespace returns the allowlist entry recorded for one namespace.
func (h *Handler) GetNamespace(w http.ResponseWriter, r *http.Request) {
	name := model.ParseNamespace(r.PathValue("namespace")).String()

	ns, err := h.admission.Status(r.Context(), name)
	if err != nil {
		h.logger.Error("failed to get namespace", "namespace", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if ns == nil {
		writeError(w, http.StatusNotFound, "namespace not found")
		return
	}

	writeJSON(w, http.StatusOK, toNamespaceResponse(*ns))
}

// SetNamespace records an approval decision for a namespace.
func (h *Handler) SetNamespace(w http.ResponseWriter, r *http.Request) {
	var req SetNamespaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	name := r.PathValue("namespace")
	err := h.admission.SetStatus(r.Context(), name, model.AllowStatus(req.Status))
	switch {
	case errors.Is(err, application.ErrInvalidStatus), errors.Is(err, application.ErrInvalidNamespace):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to set namespace", "namespace", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, NamespaceResponse{
		Namespace: model.ParseNamespace(name).String(),
		Status:    req.Status,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// RemoveNamespace deletes the allowlist entry for a namespace.
func (h *Handler) RemoveNamespace(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("namespace")

	if err := h.admission.Remove(r.Context(), name); err != nil {
		if errors.Is(err, driven.ErrNotFound) {
			writeError(w, http.StatusNotFound, "namespace not found")
			return
		}
		h.logger.Error("failed to remove namespace", "namespace", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health reports liveness and the state of the queue connection.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Queue: "connected", Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK

	if h.queue != nil && !h.queue.IsConnected() {
		resp.Status, resp.Queue = "degraded", "disconnected"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// requireAdmin rejects requests without the configured admin bearer token.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !bearerMatches(r, h.opts.AdminToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func decodePayload(w http.ResponseWriter, body []byte) (map[string]any, bool) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return payload, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
