package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/kafka"
	"github.com/liu-kaining/ThetaMind-sub004/internal/mongo"
	"github.com/liu-kaining/ThetaMind-sub004/internal/postgres"
	redisstore "github.com/liu-kaining/ThetaMind-sub004/internal/redis"
	"github.com/liu-kaining/ThetaMind-sub004/internal/report"
	"github.com/liu-kaining/ThetaMind-sub004/pkg/telemetry"
)

// REST handles HTTP requests for the API Gateway.
type REST struct {
	producer kafka.Producer
	live     redisstore.StateStore
	repo     postgres.TaskRepository
	reports  report.Store
	logger   *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(producer kafka.Producer, live redisstore.StateStore, repo postgres.TaskRepository, reports report.Store, logger *slog.Logger) *REST {
	return &REST{producer: producer, live: live, repo: repo, reports: reports, logger: logger}
}

// SubmitRequest is the JSON body for POST /api/v1/analyses.
type SubmitRequest struct {
	Kind    domain.Kind            `json:"kind"`
	Request domain.AnalysisRequest `json:"request"`
}

// SubmitResponse is the 202 response body.
type SubmitResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusResponse is the GET /api/v1/analyses/{id} response body.
type StatusResponse struct {
	TaskID       string                `json:"task_id"`
	Kind         string                `json:"kind"`
	Status       string                `json:"status"`
	Progress     int                   `json:"progress"`
	CurrentStage string                `json:"current_stage,omitempty"`
	Stages       []domain.StageRecord  `json:"stages,omitempty"`
	History      []domain.HistoryEvent `json:"execution_history,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	ResultRef    string                `json:"result_ref,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}

// Submit handles POST /api/v1/analyses.
func (h *REST) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_analysis")
	defer span.End()

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Kind == "" {
		req.Kind = domain.KindFullAnalysis
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "field 'kind' must be full_analysis or research_only")
		return
	}
	req.Request.Symbol = strings.ToUpper(strings.TrimSpace(req.Request.Symbol))
	if req.Request.Symbol == "" {
		writeError(w, http.StatusBadRequest, "field 'request.symbol' is required")
		return
	}

	payload, err := json.Marshal(req.Request)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	taskID := uuid.New().String()
	now := time.Now().UTC()

	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.kind", string(req.Kind)),
		attribute.String("symbol", req.Request.Symbol),
	)

	task := &domain.Task{
		ID:        taskID,
		Kind:      req.Kind,
		Status:    domain.StatusPending,
		Request:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Postgres is the source of truth: a task that is not durably created
	// is not accepted.
	if err := h.repo.Create(ctx, task); err != nil {
		span.RecordError(err)
		h.logger.Error("task create failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	// The live mirror is best-effort; pollers fall back to Postgres.
	err = h.live.SetLive(ctx, &redisstore.LiveStatus{
		TaskID: taskID,
		Status: domain.StatusPending,
	})
	if err != nil {
		h.logger.Warn("live status mirror failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}

	env, err := kafka.EncodeEnvelope(kafka.TaskEnvelope{TaskID: taskID, Kind: req.Kind, SubmittedAt: now})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to serialize task")
		return
	}
	if err := h.producer.Publish(ctx, kafka.TopicSubmitted, taskID, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kafka publish failed")
		h.logger.Error("submit publish failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		// The task row exists: the scheduler's stale-PENDING sweep will
		// requeue it, so the submission still succeeds.
	}

	telemetry.APIAnalysesSubmitted.WithLabelValues(string(req.Kind)).Inc()
	h.logger.Info("analysis submitted",
		slog.String("task_id", taskID),
		slog.String("kind", string(req.Kind)),
		slog.String("symbol", req.Request.Symbol),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitResponse{
		TaskID:    taskID,
		Status:    string(domain.StatusPending),
		CreatedAt: now,
	})
}

// GetStatus handles GET /api/v1/analyses/{id}.
func (h *REST) GetStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	ctx := r.Context()

	task, err := h.repo.GetByID(ctx, taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("postgres error", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	resp := StatusResponse{
		TaskID:       task.ID,
		Kind:         string(task.Kind),
		Status:       string(task.Status),
		Progress:     task.Progress,
		CurrentStage: task.CurrentStage,
		Stages:       task.Stages,
		History:      task.History,
		ErrorMessage: task.ErrorMessage,
		ResultRef:    task.ResultRef,
		CreatedAt:    task.CreatedAt,
		CompletedAt:  task.CompletedAt,
	}

	// The live mirror can be ahead of the last Postgres write for a running
	// task; prefer it for the fast-moving fields.
	source := "postgres"
	if !task.Status.IsTerminal() {
		if live, liveErr := h.live.GetLive(ctx, taskID); liveErr == nil {
			source = "redis"
			resp.Status = string(live.Status)
			resp.CurrentStage = live.CurrentStage
			if live.Progress > resp.Progress {
				resp.Progress = live.Progress
			}
		}
	}
	telemetry.APIStatusRequests.WithLabelValues(source).Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetReport handles GET /api/v1/analyses/{id}/report.
func (h *REST) GetReport(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	ctx := r.Context()

	// Hot path: a previously rendered report cached in Redis.
	if cached, err := h.live.GetReport(ctx, taskID); err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}

	task, err := h.repo.GetByID(ctx, taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("postgres error", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	switch task.Status {
	case domain.StatusSuccess:
		// fall through to the report fetch
	case domain.StatusFailed:
		writeError(w, http.StatusConflict, "task failed: "+task.ErrorMessage)
		return
	default:
		writeError(w, http.StatusConflict, "task is not finished")
		return
	}

	rep, err := h.reports.Get(ctx, task.ResultRef)
	if err != nil {
		var repNotFound *mongo.ReportNotFoundError
		if errors.As(err, &repNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		h.logger.Error("report fetch failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve report")
		return
	}

	body, err := json.Marshal(rep)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render report")
		return
	}
	if cacheErr := h.live.CacheReport(ctx, taskID, body, 0); cacheErr != nil {
		h.logger.Warn("report cache failed", slog.String("task_id", taskID), slog.String("error", cacheErr.Error()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.live.GetLive(ctx, "__readyz__"); err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
