package pipeline

import (
	"github.com/cuongbtq/face-pipeline/internal/queue"
)

// Message is the closed set of job payloads. Handlers switch over the concrete
// types and take an explicit branch for variants they do not own.
type Message interface {
	isMessage()
}

// ImageBatch carries an upload batch awaiting face encoding
type ImageBatch struct {
	Payload ImageBatchPayload
}

// SessionSummary carries encoding results awaiting merge into the session record
type SessionSummary struct {
	Payload SessionSummaryPayload
}

// Unknown is a job whose name matches no configured job name
type Unknown struct {
	Name string
}

func (ImageBatch) isMessage()     {}
func (SessionSummary) isMessage() {}
func (Unknown) isMessage()        {}

// JobNames maps configured job names to message variants
type JobNames struct {
	ImageBatch     string
	SessionSummary string
}

// Decode turns a job into its message variant. Payloads are validated; an
// invalid payload yields a permanent error.
func (n JobNames) Decode(job *queue.Job) (Message, error) {
	return n.DecodeOwned(job, job.Name)
}

// DecodeOwned is Decode for a stage that only owns the owned job name. Other
// known variants come back with an empty payload and are never parsed, so a
// malformed foreign job still reaches the stage's no-op branch.
func (n JobNames) DecodeOwned(job *queue.Job, owned string) (Message, error) {
	switch job.Name {
	case n.ImageBatch:
		var p ImageBatchPayload
		if job.Name == owned {
			if err := decodeValid(job, &p); err != nil {
				return nil, err
			}
		}
		return ImageBatch{Payload: p}, nil

	case n.SessionSummary:
		var p SessionSummaryPayload
		if job.Name == owned {
			if err := decodeValid(job, &p); err != nil {
				return nil, err
			}
		}
		return SessionSummary{Payload: p}, nil

	default:
		return Unknown{Name: job.Name}, nil
	}
}

type validator interface {
	Validate() error
}

func decodeValid(job *queue.Job, p validator) error {
	if err := job.Decode(p); err != nil {
		return err
	}
	return p.Validate()
}
