package queue

import "errors"

var (
	// ErrQueueUnavailable is returned when a job cannot be handed to the broker
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrInvalidEnvelope is returned when a message body is not a job envelope
	ErrInvalidEnvelope = errors.New("invalid job envelope")

	// ErrInvalidPayload is returned when job payload JSON is malformed or incomplete
	ErrInvalidPayload = errors.New("invalid job payload")
)

// PermanentError wraps errors that must not be retried. Any other handler
// error is treated as transient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return err
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps was marked permanent
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
