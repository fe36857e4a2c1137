package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/perdiem/internal/bus"
	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/policy"
	"github.com/opensource-finance/perdiem/internal/repository"
	"github.com/opensource-finance/perdiem/internal/scoring"
)

// maxBodyBytes bounds request bodies, policy documents included.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	deps   Deps
	tracer trace.Tracer
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, tracer: newTracer(deps.Tracing, deps.TracerProvider)}
}

// TripRequest is the request body for POST /estimate.
type TripRequest struct {
	Days     int     `json:"days"`
	Miles    float64 `json:"miles"`
	Receipts float64 `json:"receipts"`
}

func (t TripRequest) trip() domain.Trip {
	return domain.Trip{Days: t.Days, Miles: t.Miles, Receipts: t.Receipts}
}

// BatchRequest is the request body for POST /estimate/batch.
type BatchRequest struct {
	Trips []TripRequest `json:"trips"`
}

// BatchItem is one entry of a batch response, in request order.
type BatchItem struct {
	Index    int                      `json:"index"`
	Estimate *domain.EstimateResponse `json:"estimate,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// BatchResponse is the response for POST /estimate/batch.
type BatchResponse struct {
	Results []BatchItem `json:"results"`
	Count   int         `json:"count"`
	Failed  int         `json:"failed"`
}

// AcceptedResponse is returned for asynchronous submissions.
type AcceptedResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// Estimate handles POST /estimate. With ?async=true the trip is queued on
// the event bus and scored by a worker.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req TripRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if r.URL.Query().Get("async") == "true" {
		h.submit(w, r, req.trip())
		return
	}

	ctx, span := h.tracer.Start(ctx, "scoring.Score")
	span.SetAttributes(
		attribute.Int("trip.days", req.Days),
		attribute.Float64("trip.miles", req.Miles),
		attribute.Float64("trip.receipts", req.Receipts),
	)
	defer span.End()

	est, err := h.deps.Scoring.Score(ctx, tenantID, traceID, req.trip())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeError(w, statusFor(err), err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("estimate.regime", string(est.Regime)),
		attribute.String("estimate.path", string(est.Path)),
	)

	writeJSON(w, http.StatusOK, est.ToResponse(scoring.FormatAmount))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, trip domain.Trip) {
	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}
	if err := trip.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := domain.TripSubmission{RequestID: uuid.New().String(), Trip: trip}
	if err := bus.PublishJSON(r.Context(), h.deps.Bus, GetTenantID(r.Context()), domain.TopicTripSubmitted, sub); err != nil {
		slog.Error("failed to submit trip", "request_id", sub.RequestID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to submit trip")
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedResponse{RequestID: sub.RequestID, Status: "accepted"})
}

// EstimateBatch handles POST /estimate/batch.
func (h *Handler) EstimateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Trips) == 0 {
		writeError(w, http.StatusBadRequest, "trips is required")
		return
	}

	trips := make([]domain.Trip, len(req.Trips))
	for i, t := range req.Trips {
		trips[i] = t.trip()
	}

	ctx, span := h.tracer.Start(ctx, "scoring.ScoreBatch")
	span.SetAttributes(attribute.Int("batch.size", len(trips)))
	defer span.End()

	results, err := h.deps.Scoring.ScoreBatch(ctx, GetTenantID(ctx), GetTraceID(ctx), trips)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := BatchResponse{Results: make([]BatchItem, len(results)), Count: len(results)}
	for i, res := range results {
		item := BatchItem{Index: i}
		if res.Err != nil {
			item.Error = res.Err.Error()
			resp.Failed++
		} else {
			item.Estimate = res.Estimate.ToResponse(scoring.FormatAmount)
		}
		resp.Results[i] = item
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetEstimate handles GET /estimates/{id}.
func (h *Handler) GetEstimate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.deps.Repository == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	est, err := h.deps.Repository.GetEstimate(ctx, GetTenantID(ctx), id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get estimate", "id", id, "error", err)
		}
		writeError(w, statusFor(err), "estimate not found")
		return
	}

	writeJSON(w, http.StatusOK, est.ToResponse(scoring.FormatAmount))
}

// ListEstimates handles GET /estimates?limit=.
func (h *Handler) ListEstimates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.deps.Repository == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	estimates, err := h.deps.Repository.ListEstimates(ctx, GetTenantID(ctx), limit)
	if err != nil {
		slog.Error("failed to list estimates", "error", err)
		writeError(w, statusFor(err), "failed to list estimates")
		return
	}

	out := make([]*domain.EstimateResponse, len(estimates))
	for i, est := range estimates {
		out[i] = est.ToResponse(scoring.FormatAmount)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"estimates": out,
		"count":     len(out),
	})
}

// GetPolicy returns the active policy table.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Scoring.Predictor().Policy().Table())
}

// ListPolicies returns every stored policy version.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repository == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	docs, err := h.deps.Repository.ListPolicies(r.Context())
	if err != nil {
		slog.Error("failed to list policies", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list policies")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policies": docs,
		"active":   h.deps.Scoring.Predictor().Policy().Version(),
		"count":    len(docs),
	})
}

// StorePolicy validates and stores a YAML or JSON policy table. The table
// is activated only with ?activate=true.
func (h *Handler) StorePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read policy document")
		return
	}

	doc, err := h.deps.Scoring.StorePolicy(ctx, data)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if r.URL.Query().Get("activate") == "true" {
		table, _ := policy.Parse(data)
		if err := h.deps.Scoring.Activate(ctx, table); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}

	slog.Info("policy stored", "version", doc.Version, "checksum", doc.Checksum)
	writeJSON(w, http.StatusCreated, map[string]any{
		"version":  doc.Version,
		"checksum": doc.Checksum,
		"active":   h.deps.Scoring.Predictor().Policy().Version(),
	})
}

// ReloadPolicy activates a stored version, or re-reads the policy file
// when no version is given.
func (h *Handler) ReloadPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	version := r.URL.Query().Get("version")

	switch {
	case version != "":
		if _, err := h.deps.Scoring.ActivateVersion(ctx, version); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

	case h.deps.PolicyPath != "":
		table, _, err := policy.LoadFile(h.deps.PolicyPath)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		if err := h.deps.Scoring.Activate(ctx, table); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

	default:
		writeError(w, http.StatusBadRequest, "version is required when no policy file is configured")
		return
	}

	p := h.deps.Scoring.Predictor()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "policy activated",
		"version":      p.Policy().Version(),
		"modelsLoaded": p.Registry().Len(),
	})
}

// ListModels returns the loaded ensemble members.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	p := h.deps.Scoring.Predictor()
	models := h.deps.Scoring.Models()

	writeJSON(w, http.StatusOK, map[string]any{
		"models":      models,
		"count":       len(models),
		"configured":  len(p.Weights()),
		"fingerprint": p.Registry().Fingerprint(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"

	if h.deps.Repository != nil {
		if err := h.deps.Repository.Ping(ctx); err != nil {
			status = "degraded"
		}
	}
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(ctx); err != nil {
			status = "degraded"
		}
	}
	if h.deps.Bus != nil {
		if err := h.deps.Bus.Ping(ctx); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.deps.Version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	p := h.deps.Scoring.Predictor()
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":         true,
		"policyVersion": p.Policy().Version(),
		"modelsLoaded":  p.Registry().Len(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, policy.ErrInvalidTable):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, scoring.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
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
