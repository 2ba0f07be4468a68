package dto

import "github.com/cuongbtq/face-pipeline/internal/pipeline"

type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type UploadImagesResponse struct {
	SessionID string                   `json:"sessionId"`
	Metadata  []pipeline.ImageMetadata `json:"metadata"`
}
