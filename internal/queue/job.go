package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// BackoffType selects how the retry delay grows between attempts
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// maxBackoffShift caps the exponent so the delay cannot overflow
const maxBackoffShift = 30

// Backoff describes the delay applied before a failed job is retried
type Backoff struct {
	Type  BackoffType   `json:"type" yaml:"type"`
	Delay time.Duration `json:"delay" yaml:"delay"`
}

// DelayFor returns the wait before the next attempt once attemptsMade attempts have failed.
// Exponential backoff yields Delay * 2^(attemptsMade-1).
func (b Backoff) DelayFor(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}

	shift := attemptsMade - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return b.Delay * time.Duration(1<<uint(shift))
}

// Options control delivery of a single job
type Options struct {
	MaxAttempts int
	Backoff     Backoff
}

// Job is the envelope carried in the broker message body
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      Backoff         `json:"backoff"`
	Timestamp    int64           `json:"timestamp"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// Decode unmarshals the job payload into v. A payload that cannot be decoded
// is a permanent failure.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	return nil
}

// DecodeJob parses a broker message body into a Job
func DecodeJob(body []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: missing job id", ErrInvalidEnvelope)
	}
	if job.Name == "" {
		return nil, fmt.Errorf("%w: missing job name", ErrInvalidEnvelope)
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	return &job, nil
}
