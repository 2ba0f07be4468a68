package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/cuongbtq/face-pipeline/internal/api/dto"
	"github.com/cuongbtq/face-pipeline/internal/intake"
	"github.com/cuongbtq/face-pipeline/internal/session"
	"github.com/gin-gonic/gin"
)

// imagesField is the multipart field carrying uploaded images
const imagesField = "images"

// CreateSession handles POST /api/v1/sessions
func (h *SessionHandler) CreateSession(c *gin.Context) {
	sessionID, err := h.sessions.CreateSession(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to create session", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create session",
		})
		return
	}

	c.JSON(http.StatusCreated, dto.CreateSessionResponse{SessionID: sessionID})
}

// UploadImages handles POST /api/v1/sessions/:id/images
func (h *SessionHandler) UploadImages(c *gin.Context) {
	sessionID := c.Param("id")

	form, err := c.MultipartForm()
	if err != nil {
		h.logger.Error("Invalid multipart form", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid multipart form",
		})
		return
	}

	files, err := readFiles(form.File[imagesField])
	if err != nil {
		h.logger.Error("Failed to read uploaded files", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded files",
		})
		return
	}

	metadata, err := h.sessions.UploadImages(c.Request.Context(), sessionID, files)
	if err != nil {
		if intake.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to upload images",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to upload images",
		})
		return
	}

	c.JSON(http.StatusCreated, dto.UploadImagesResponse{
		SessionID: sessionID,
		Metadata:  metadata,
	})
}

// GetSummary handles GET /api/v1/sessions/:id/summary
func (h *SessionHandler) GetSummary(c *gin.Context) {
	sessionID := c.Param("id")

	summary, err := h.summaries.GetSummary(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Session not found",
			})
			return
		}
		h.logger.Error("Failed to get session summary",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get session summary",
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

func readFiles(headers []*multipart.FileHeader) ([]intake.File, error) {
	files := make([]intake.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
		}
		files = append(files, intake.File{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return files, nil
}
