// Package pipeline defines the payloads that travel between pipeline stages and
// the tagged union stage handlers dispatch on.
package pipeline

import (
	"fmt"

	"github.com/cuongbtq/face-pipeline/internal/queue"
)

// ImageMetadata describes one stored image of an upload batch
type ImageMetadata struct {
	Filename string `json:"filename"`
	Filetype string `json:"filetype"`
	Filesize int64  `json:"filesize"`
	ImageURL string `json:"imageUrl"`
	ImageID  string `json:"imageId"`
}

// ImageBatchPayload is the job payload of the image metadata queue
type ImageBatchPayload struct {
	SessionID string          `json:"sessionId"`
	StartTime int64           `json:"startTime"`
	Metadata  []ImageMetadata `json:"metadata"`
}

// Validate reports a permanent error when the batch cannot be processed
func (p *ImageBatchPayload) Validate() error {
	if p.SessionID == "" {
		return invalid("missing sessionId")
	}
	if len(p.Metadata) == 0 {
		return invalid("batch has no images")
	}
	for i, m := range p.Metadata {
		if m.ImageID == "" {
			return invalid(fmt.Sprintf("image %d has no imageId", i))
		}
		if m.ImageURL == "" {
			return invalid(fmt.Sprintf("image %s has no imageUrl", m.ImageID))
		}
	}
	return nil
}

// EncodedImageResult is the outcome of encoding one image. An empty
// EncodingFileKey means no face was detected.
type EncodedImageResult struct {
	ImageID         string `json:"imageId" bson:"imageId"`
	Filename        string `json:"filename" bson:"filename"`
	EncodingFileKey string `json:"encodingfileKey" bson:"encodingfileKey"`
}

// SessionSummaryPayload is the job payload of the session summary queue
type SessionSummaryPayload struct {
	SessionID      string               `json:"sessionId"`
	ImagesMetadata []EncodedImageResult `json:"imagesMetada"`
}

// Validate reports a permanent error when the summary cannot be merged
func (p *SessionSummaryPayload) Validate() error {
	if p.SessionID == "" {
		return invalid("missing sessionId")
	}
	for i, r := range p.ImagesMetadata {
		if r.ImageID == "" {
			return invalid(fmt.Sprintf("result %d has no imageId", i))
		}
	}
	return nil
}

// EncodingsDocument is the stored form of one image's face encoding
type EncodingsDocument struct {
	Encodings []float64 `json:"encodings"`
}

func invalid(reason string) error {
	return queue.Permanent(fmt.Errorf("%w: %s", queue.ErrInvalidPayload, reason))
}
