// Package intake admits uploaded images into the pipeline: it validates uploads,
// stores images and their metadata, and enqueues the image batch job.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"github.com/cuongbtq/face-pipeline/internal/queue"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultAllowedExtensions are the accepted image file extensions
var DefaultAllowedExtensions = []string{"jpg", "jpeg", "png", "gif"}

// ContentWriter stores uploaded image bytes
type ContentWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// SessionRegistry creates and looks up sessions
type SessionRegistry interface {
	Create(ctx context.Context, sessionID string) error
	Exists(ctx context.Context, sessionID string) (bool, error)
}

// Enqueuer produces image batch jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, jobName string, payload any, opts queue.Options) (string, error)
}

// File is one uploaded image
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Config holds intake dependencies and limits
type Config struct {
	Logger             *slog.Logger
	Sessions           SessionRegistry
	Metadata           MetadataStore
	Content            ContentWriter
	Queue              Enqueuer
	JobName            string
	JobOptions         queue.Options
	MaxFilesPerRequest int
	UploadLimit        int
	AllowedExtensions  []string
}

// Service implements session creation and image upload
type Service struct {
	logger      *slog.Logger
	sessions    SessionRegistry
	metadata    MetadataStore
	content     ContentWriter
	queue       Enqueuer
	jobName     string
	jobOptions  queue.Options
	maxFiles    int
	uploadLimit int
	allowed     map[string]struct{}
	now         func() time.Time
	newID       func() string
}

// NewService creates the intake service
func NewService(cfg *Config) *Service {
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultAllowedExtensions
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}

	maxFiles := cfg.MaxFilesPerRequest
	if maxFiles <= 0 {
		maxFiles = 5
	}

	return &Service{
		logger:      cfg.Logger.With(slog.String("component", "intake")),
		sessions:    cfg.Sessions,
		metadata:    cfg.Metadata,
		content:     cfg.Content,
		queue:       cfg.Queue,
		jobName:     cfg.JobName,
		jobOptions:  cfg.JobOptions,
		maxFiles:    maxFiles,
		uploadLimit: cfg.UploadLimit,
		allowed:     allowed,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// CreateSession registers a new session and returns its id
func (s *Service) CreateSession(ctx context.Context) (string, error) {
	// time-ordered ids keep the session index append-mostly
	id, err := uuid.NewUUID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}

	if err := s.sessions.Create(ctx, id.String()); err != nil {
		return "", err
	}

	s.logger.Info("Session created", slog.String("session_id", id.String()))
	return id.String(), nil
}

// UploadImages validates and stores the files, then enqueues one image batch job for them
func (s *Service) UploadImages(ctx context.Context, sessionID string, files []File) ([]pipeline.ImageMetadata, error) {
	if err := s.validateFiles(files); err != nil {
		return nil, err
	}

	exists, err := s.sessions.Exists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	if s.uploadLimit > 0 {
		count, err := s.metadata.CountBySession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if count+int64(len(files)) > int64(s.uploadLimit) {
			return nil, fmt.Errorf("%w: %d stored, %d uploaded, limit %d",
				ErrUploadLimitExceeded, count, len(files), s.uploadLimit)
		}
	}

	startTime := s.now()
	metadata := make([]pipeline.ImageMetadata, len(files))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			imageID := s.newID()
			filename := path.Base(f.Filename)
			key := pipeline.ImageKey(sessionID, imageID, filename)
			filetype := contentTypeOf(f)

			if err := s.content.Put(gctx, key, f.Data, filetype); err != nil {
				return fmt.Errorf("failed to store image %s: %w", filename, err)
			}

			doc := &ImageMetadata{
				SessionID: sessionID,
				ImageID:   imageID,
				ImageURL:  key,
				Filename:  filename,
				Filetype:  filetype,
				Filesize:  int64(len(f.Data)),
				CreatedAt: startTime,
			}
			if err := s.metadata.Save(gctx, doc); err != nil {
				return err
			}

			metadata[i] = pipeline.ImageMetadata{
				Filename: filename,
				Filetype: filetype,
				Filesize: doc.Filesize,
				ImageURL: key,
				ImageID:  imageID,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("Failed to store uploaded images",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return nil, err
	}

	payload := pipeline.ImageBatchPayload{
		SessionID: sessionID,
		StartTime: startTime.UnixMilli(),
		Metadata:  metadata,
	}
	jobID, err := s.queue.Enqueue(ctx, s.jobName, payload, s.jobOptions)
	if err != nil {
		s.logger.Error("Failed to enqueue image batch",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return nil, err
	}

	s.logger.Info("Images uploaded",
		slog.String("session_id", sessionID),
		slog.String("job_id", jobID),
		slog.Int("images", len(files)),
	)

	return metadata, nil
}

func (s *Service) validateFiles(files []File) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	if len(files) > s.maxFiles {
		return fmt.Errorf("%w: %d files, at most %d allowed", ErrTooManyFiles, len(files), s.maxFiles)
	}
	for _, f := range files {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(f.Filename), "."))
		if _, ok := s.allowed[ext]; !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedFileType, f.Filename)
		}
	}
	return nil
}

func contentTypeOf(f File) string {
	if f.ContentType != "" && f.ContentType != "application/octet-stream" {
		return f.ContentType
	}
	if ct := mime.TypeByExtension(path.Ext(f.Filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
