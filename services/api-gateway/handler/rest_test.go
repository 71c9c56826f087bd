package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
	"github.com/liu-kaining/ThetaMind-sub004/internal/kafka"
	"github.com/liu-kaining/ThetaMind-sub004/internal/mongo"
	"github.com/liu-kaining/ThetaMind-sub004/internal/postgres"
	redisstore "github.com/liu-kaining/ThetaMind-sub004/internal/redis"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeProducer struct {
	mu       sync.Mutex
	messages []string // topics published to
	err      error
}

func (p *fakeProducer) Publish(_ context.Context, topic, _ string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, topic)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeLive struct {
	live       map[string]*redisstore.LiveStatus
	reports    map[string][]byte
	cacheCalls int
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		live:    make(map[string]*redisstore.LiveStatus),
		reports: make(map[string][]byte),
	}
}

func (s *fakeLive) SetLive(_ context.Context, live *redisstore.LiveStatus) error {
	s.live[live.TaskID] = live
	return nil
}

func (s *fakeLive) GetLive(_ context.Context, taskID string) (*redisstore.LiveStatus, error) {
	if l, ok := s.live[taskID]; ok {
		return l, nil
	}
	return nil, &domain.TaskNotFoundError{TaskID: taskID}
}

func (s *fakeLive) CacheReport(_ context.Context, taskID string, report []byte, _ time.Duration) error {
	s.cacheCalls++
	s.reports[taskID] = report
	return nil
}

func (s *fakeLive) GetReport(_ context.Context, taskID string) ([]byte, error) {
	if r, ok := s.reports[taskID]; ok {
		return r, nil
	}
	return nil, &domain.TaskNotFoundError{TaskID: taskID}
}

var _ redisstore.StateStore = (*fakeLive)(nil)

type fakeRepo struct {
	tasks     map[string]*domain.Task
	createErr error
	getCalls  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: make(map[string]*domain.Task)}
}

func (r *fakeRepo) Create(_ context.Context, task *domain.Task) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.tasks[task.ID] = task
	return nil
}

func (r *fakeRepo) Claim(_ context.Context, id string) (*domain.Task, error) {
	return nil, &domain.TaskNotFoundError{TaskID: id}
}

func (r *fakeRepo) Update(_ context.Context, task *domain.Task) error {
	r.tasks[task.ID] = task
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	r.getCalls++
	if t, ok := r.tasks[id]; ok {
		return t, nil
	}
	return nil, &domain.TaskNotFoundError{TaskID: id}
}

func (r *fakeRepo) ListByStatus(context.Context, domain.Status, int) ([]*domain.Task, error) {
	return nil, nil
}

func (r *fakeRepo) ListStalePending(context.Context, time.Duration, int) ([]*domain.Task, error) {
	return nil, nil
}

var _ postgres.TaskRepository = (*fakeRepo)(nil)

type fakeReports struct {
	reports map[string]*domain.Report
}

func (s *fakeReports) Put(_ context.Context, rep *domain.Report) (string, error) {
	if s.reports == nil {
		s.reports = make(map[string]*domain.Report)
	}
	ref := "ref-" + rep.TaskID
	s.reports[ref] = rep
	return ref, nil
}

func (s *fakeReports) Get(_ context.Context, ref string) (*domain.Report, error) {
	if rep, ok := s.reports[ref]; ok {
		return rep, nil
	}
	return nil, &mongo.ReportNotFoundError{Ref: ref}
}

// ── helpers ───────────────────────────────────────────────────────────────────

type testEnv struct {
	router   http.Handler
	producer *fakeProducer
	live     *fakeLive
	repo     *fakeRepo
	reports  *fakeReports
}

func newTestEnv() *testEnv {
	env := &testEnv{
		producer: &fakeProducer{},
		live:     newFakeLive(),
		repo:     newFakeRepo(),
		reports:  &fakeReports{},
	}
	h := NewREST(env.producer, env.live, env.repo, env.reports, discardLogger)

	r := chi.NewRouter()
	r.Post("/api/v1/analyses", h.Submit)
	r.Get("/api/v1/analyses/{id}", h.GetStatus)
	r.Get("/api/v1/analyses/{id}/report", h.GetReport)
	env.router = r
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// ── submit ───────────────────────────────────────────────────────────────────

func TestSubmit_AcceptsAndPersists(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/api/v1/analyses", SubmitRequest{
		Kind:    domain.KindFullAnalysis,
		Request: domain.AnalysisRequest{Symbol: "aapl", Horizon: "30d"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeBody[SubmitResponse](t, rec)
	require.NotEmpty(t, resp.TaskID)
	assert.Equal(t, string(domain.StatusPending), resp.Status)

	task, ok := env.repo.tasks[resp.TaskID]
	require.True(t, ok, "task must be durably created")
	assert.Equal(t, domain.StatusPending, task.Status)

	var req domain.AnalysisRequest
	require.NoError(t, json.Unmarshal(task.Request, &req))
	assert.Equal(t, "AAPL", req.Symbol, "symbol must be normalized to upper case")

	assert.Equal(t, []string{kafka.TopicSubmitted}, env.producer.messages)
}

func TestSubmit_DefaultsToFullAnalysis(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/api/v1/analyses", SubmitRequest{
		Request: domain.AnalysisRequest{Symbol: "MSFT"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeBody[SubmitResponse](t, rec)
	assert.Equal(t, domain.KindFullAnalysis, env.repo.tasks[resp.TaskID].Kind)
}

func TestSubmit_Rejections(t *testing.T) {
	cases := []struct {
		name string
		body SubmitRequest
	}{
		{"missing symbol", SubmitRequest{Kind: domain.KindFullAnalysis}},
		{"blank symbol", SubmitRequest{Request: domain.AnalysisRequest{Symbol: "   "}}},
		{"unknown kind", SubmitRequest{Kind: "quick_look", Request: domain.AnalysisRequest{Symbol: "AAPL"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv()
			rec := env.do(t, http.MethodPost, "/api/v1/analyses", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, env.repo.tasks, "rejected submissions must not create tasks")
		})
	}
}

func TestSubmit_MalformedBody(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_CreateFailureRejects(t *testing.T) {
	env := newTestEnv()
	env.repo.createErr = errors.New("postgres down")

	rec := env.do(t, http.MethodPost, "/api/v1/analyses", SubmitRequest{
		Request: domain.AnalysisRequest{Symbol: "AAPL"},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, env.producer.messages, "nothing published for a task that was never created")
}

func TestSubmit_PublishFailureStillAccepted(t *testing.T) {
	env := newTestEnv()
	env.producer.err = errors.New("kafka down")

	rec := env.do(t, http.MethodPost, "/api/v1/analyses", SubmitRequest{
		Request: domain.AnalysisRequest{Symbol: "AAPL"},
	})
	// The row exists, so the stale-PENDING sweep will requeue it.
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeBody[SubmitResponse](t, rec)
	_, ok := env.repo.tasks[resp.TaskID]
	assert.True(t, ok)
}

// ── status ───────────────────────────────────────────────────────────────────

func TestGetStatus_NotFound(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/api/v1/analyses/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatus_TerminalServedFromPostgres(t *testing.T) {
	env := newTestEnv()
	done := time.Now().UTC()
	env.repo.tasks["t1"] = &domain.Task{
		ID:          "t1",
		Kind:        domain.KindFullAnalysis,
		Status:      domain.StatusSuccess,
		Progress:    100,
		ResultRef:   "ref-t1",
		CompletedAt: &done,
	}
	// A stale live entry must not override a terminal record.
	env.live.live["t1"] = &redisstore.LiveStatus{TaskID: "t1", Status: domain.StatusProcessing, Progress: 95}

	rec := env.do(t, http.MethodGet, "/api/v1/analyses/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[StatusResponse](t, rec)
	assert.Equal(t, string(domain.StatusSuccess), resp.Status)
	assert.Equal(t, 100, resp.Progress)
	assert.Equal(t, "ref-t1", resp.ResultRef)
}

func TestGetStatus_LiveMirrorOverlaysRunningTask(t *testing.T) {
	env := newTestEnv()
	env.repo.tasks["t2"] = &domain.Task{
		ID:       "t2",
		Kind:     domain.KindFullAnalysis,
		Status:   domain.StatusProcessing,
		Progress: 20,
	}
	env.live.live["t2"] = &redisstore.LiveStatus{
		TaskID:       "t2",
		Status:       domain.StatusProcessing,
		Progress:     45,
		CurrentStage: "analysis",
	}

	rec := env.do(t, http.MethodGet, "/api/v1/analyses/t2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[StatusResponse](t, rec)
	assert.Equal(t, 45, resp.Progress, "live mirror is ahead of the last Postgres write")
	assert.Equal(t, "analysis", resp.CurrentStage)
}

func TestGetStatus_LiveMirrorNeverLowersProgress(t *testing.T) {
	env := newTestEnv()
	env.repo.tasks["t3"] = &domain.Task{
		ID:       "t3",
		Status:   domain.StatusProcessing,
		Progress: 60,
	}
	env.live.live["t3"] = &redisstore.LiveStatus{TaskID: "t3", Status: domain.StatusProcessing, Progress: 40}

	rec := env.do(t, http.MethodGet, "/api/v1/analyses/t3", nil)
	resp := decodeBody[StatusResponse](t, rec)
	assert.Equal(t, 60, resp.Progress)
}

// ── report ───────────────────────────────────────────────────────────────────

func successfulTaskWithReport(env *testEnv, taskID string) {
	ref, _ := env.reports.Put(context.Background(), &domain.Report{
		TaskID: taskID,
		Symbol: "AAPL",
		Sections: []domain.ReportSection{
			{Title: domain.SectionContext, Body: "context"},
			{Title: domain.SectionReview, Body: "review"},
			{Title: domain.SectionResearch, Body: "research"},
			{Title: domain.SectionVerdict, Body: "verdict"},
		},
	})
	env.repo.tasks[taskID] = &domain.Task{
		ID:        taskID,
		Status:    domain.StatusSuccess,
		ResultRef: ref,
	}
}

func TestGetReport_ServedAndCached(t *testing.T) {
	env := newTestEnv()
	successfulTaskWithReport(env, "t1")

	rec := env.do(t, http.MethodGet, "/api/v1/analyses/t1/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rep := decodeBody[domain.Report](t, rec)
	assert.Equal(t, "AAPL", rep.Symbol)
	assert.Len(t, rep.Sections, 4)
	assert.Equal(t, 1, env.live.cacheCalls, "rendered report must be cached")
}

func TestGetReport_CacheHitSkipsBackends(t *testing.T) {
	env := newTestEnv()
	env.live.reports["t1"] = []byte(`{"task_id":"t1","symbol":"AAPL"}`)

	rec := env.do(t, http.MethodGet, "/api/v1/analyses/t1/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, env.repo.getCalls, "cache hit must not touch Postgres")
}

func TestGetReport_UnfinishedTaskConflicts(t *testing.T) {
	env := newTestEnv()
	env.repo.tasks["t1"] = &domain.Task{ID: "t1", Status: domain.StatusProcessing, Progress: 40}

	rec := env.do(t, http.MethodGet, "/api/v1/analyses/t1/report", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetReport_FailedTaskConflictsWithReason(t *testing.T) {
	env := newTestEnv()
	env.repo.tasks["t1"] = &domain.Task{
		ID:           "t1",
		Status:       domain.StatusFailed,
		ErrorMessage: "data enrichment failed after retries",
	}

	rec := env.do(t, http.MethodGet, "/api/v1/analyses/t1/report", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "data enrichment failed")
}

func TestGetReport_MissingDocument(t *testing.T) {
	env := newTestEnv()
	env.repo.tasks["t1"] = &domain.Task{ID: "t1", Status: domain.StatusSuccess, ResultRef: "ref-gone"}

	rec := env.do(t, http.MethodGet, "/api/v1/analyses/t1/report", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetReport_UnknownTask(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/api/v1/analyses/ghost/report", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
