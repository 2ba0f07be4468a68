package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/face-pipeline/internal/intake"
	"github.com/cuongbtq/face-pipeline/internal/joblog"
	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"github.com/cuongbtq/face-pipeline/internal/session"
)

// SessionService creates sessions and admits uploads
type SessionService interface {
	CreateSession(ctx context.Context) (string, error)
	UploadImages(ctx context.Context, sessionID string, files []intake.File) ([]pipeline.ImageMetadata, error)
}

// SummaryReader renders session summaries
type SummaryReader interface {
	GetSummary(ctx context.Context, sessionID string) (*session.Summary, error)
}

// JobLedger reads the job ledger
type JobLedger interface {
	GetJobByID(ctx context.Context, jobID string) (*joblog.JobRecord, error)
	ListJobs(ctx context.Context, filter joblog.JobFilter) ([]joblog.JobRecord, error)
}

// HealthCheck checks one dependency
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	ServiceName  string
	Sessions     SessionService
	Summaries    SummaryReader
	Jobs         JobLedger
	HealthChecks []HealthCheck
}

// SessionHandler handles session-related HTTP requests
type SessionHandler struct {
	logger    *slog.Logger
	sessions  SessionService
	summaries SummaryReader
}

// NewSessionHandler creates a new SessionHandler instance
func NewSessionHandler(deps *Dependencies) *SessionHandler {
	return &SessionHandler{
		logger:    deps.Logger,
		sessions:  deps.Sessions,
		summaries: deps.Summaries,
	}
}

// JobHandler handles job ledger HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobLedger
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}
