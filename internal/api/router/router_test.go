package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/face-pipeline/internal/api/dto"
	"github.com/cuongbtq/face-pipeline/internal/api/handler"
	"github.com/cuongbtq/face-pipeline/internal/intake"
	"github.com/cuongbtq/face-pipeline/internal/joblog"
	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"github.com/cuongbtq/face-pipeline/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	uploaded  []intake.File
	uploadErr error
	createErr error
}

func (f *fakeSessions) CreateSession(ctx context.Context) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "s-new", nil
}

func (f *fakeSessions) UploadImages(ctx context.Context, sessionID string, files []intake.File) ([]pipeline.ImageMetadata, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploaded = files
	out := make([]pipeline.ImageMetadata, len(files))
	for i, file := range files {
		out[i] = pipeline.ImageMetadata{
			Filename: file.Filename,
			ImageID:  fmt.Sprintf("i%d", i),
			ImageURL: pipeline.ImageKey(sessionID, fmt.Sprintf("i%d", i), file.Filename),
			Filesize: int64(len(file.Data)),
		}
	}
	return out, nil
}

type fakeSummaries struct {
	summaries map[string]*session.Summary
	err       error
}

func (f *fakeSummaries) GetSummary(ctx context.Context, sessionID string) (*session.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.summaries[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

type fakeLedger struct {
	jobs       []joblog.JobRecord
	lastFilter joblog.JobFilter
}

func (f *fakeLedger) GetJobByID(ctx context.Context, jobID string) (*joblog.JobRecord, error) {
	for i := range f.jobs {
		if f.jobs[i].JobID == jobID {
			return &f.jobs[i], nil
		}
	}
	return nil, joblog.ErrJobNotFound
}

func (f *fakeLedger) ListJobs(ctx context.Context, filter joblog.JobFilter) ([]joblog.JobRecord, error) {
	f.lastFilter = filter
	if len(f.jobs) > filter.PageSize+1 {
		return f.jobs[:filter.PageSize+1], nil
	}
	return f.jobs, nil
}

type testEnv struct {
	sessions  *fakeSessions
	summaries *fakeSummaries
	ledger    *fakeLedger
	router    *gin.Engine
	health    error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		sessions:  &fakeSessions{},
		summaries: &fakeSummaries{summaries: map[string]*session.Summary{}},
		ledger:    &fakeLedger{},
	}
	env.router = SetupRouter(&handler.Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ServiceName: "test-api",
		Sessions:    env.sessions,
		Summaries:   env.summaries,
		Jobs:        env.ledger,
		HealthChecks: []handler.HealthCheck{
			{Name: "mongodb", Check: func(ctx context.Context) error { return env.health }},
		},
	})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, url string, filenames ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, name := range filenames {
		part, err := writer.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("content-" + name))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test-api", body["service"])

	env.health = errors.New("no primary")
	w = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")

	w := env.do(req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"sessionId":"s-new"}`, w.Body.String())

	env.sessions.createErr = errors.New("mongo down")
	w = env.do(httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestUploadImages(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(multipartRequest(t, "/api/v1/sessions/s1/images", "a.jpg", "b.png"))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp dto.UploadImagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	require.Len(t, resp.Metadata, 2)
	assert.Equal(t, "sessions/s1/i0/a.jpg", resp.Metadata[0].ImageURL)

	require.Len(t, env.sessions.uploaded, 2)
	assert.Equal(t, "a.jpg", env.sessions.uploaded[0].Filename)
	assert.Equal(t, []byte("content-a.jpg"), env.sessions.uploaded[0].Data)
}

func TestUploadImagesErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "validation", err: fmt.Errorf("%w: notes.txt", intake.ErrUnsupportedFileType), wantStatus: http.StatusBadRequest},
		{name: "unknown session", err: intake.ErrUnknownSession, wantStatus: http.StatusBadRequest},
		{name: "limit", err: intake.ErrUploadLimitExceeded, wantStatus: http.StatusBadRequest},
		{name: "infrastructure", err: errors.New("s3 down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.sessions.uploadErr = tt.err

			w := env.do(multipartRequest(t, "/api/v1/sessions/s1/images", "a.jpg"))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	t.Run("not multipart", func(t *testing.T) {
		env := newTestEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/images", bytes.NewBufferString(`{}`))
		req.Header.Set("Content-Type", "application/json")

		w := env.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetSummary(t *testing.T) {
	env := newTestEnv(t)
	env.summaries.summaries["s1"] = &session.Summary{
		SessionID: "s1",
		Summaries: []session.ImageSummary{
			{ImageID: "i1", Filename: "a.jpg", Encodings: []float64{0.5}},
			{ImageID: "i2", Filename: "b.jpg", Encodings: []float64{}},
		},
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/summary", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessionId":"s1","summaries":[
		{"imageId":"i1","filename":"a.jpg","encodings":[0.5]},
		{"imageId":"i2","filename":"b.jpg","encodings":[]}
	]}`, w.Body.String())

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing/summary", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.summaries.err = errors.New("s3 down")
	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/summary", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestJobs(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		env.ledger.jobs = append(env.ledger.jobs, joblog.JobRecord{
			JobID:     fmt.Sprintf("job-%d", i),
			QueueName: "image-metadata",
			JobName:   "process-image",
			Status:    joblog.JobStatusFailed,
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
			UpdatedAt: base,
		})
	}

	t.Run("list with pagination", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=FAILED&queue=image-metadata&session_id=s1&page_size=2", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Jobs, 2)
		assert.Equal(t, "job-0", resp.Jobs[0].JobID)
		require.NotEmpty(t, resp.NextCursor)

		cursor, err := joblog.DecodeJobCursor(resp.NextCursor)
		require.NoError(t, err)
		assert.Equal(t, "job-1", cursor.JobID)

		assert.Equal(t, "FAILED", env.ledger.lastFilter.Status)
		assert.Equal(t, "image-metadata", env.ledger.lastFilter.Queue)
		assert.Equal(t, "s1", env.ledger.lastFilter.SessionID)
		assert.Equal(t, 2, env.ledger.lastFilter.PageSize)
	})

	t.Run("page size defaults and caps", func(t *testing.T) {
		env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
		assert.Equal(t, 20, env.ledger.lastFilter.PageSize)

		env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?page_size=1000", nil))
		assert.Equal(t, 100, env.ledger.lastFilter.PageSize)
	})

	t.Run("invalid status", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=BOGUS", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid cursor", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?cursor=%25%25", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("get one", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var job dto.JobDTO
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
		assert.Equal(t, "job-1", job.JobID)
		assert.Equal(t, "FAILED", job.Status)
	})

	t.Run("get missing", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
