package intake

import "errors"

// Validation errors are business rule rejections; they are returned synchronously and never retried.
var (
	ErrNoFiles             = errors.New("no images provided")
	ErrTooManyFiles        = errors.New("too many images in one request")
	ErrUnsupportedFileType = errors.New("unsupported image type")
	ErrUploadLimitExceeded = errors.New("session upload limit exceeded")
	ErrUnknownSession      = errors.New("session does not exist")
)

var validationErrors = []error{
	ErrNoFiles,
	ErrTooManyFiles,
	ErrUnsupportedFileType,
	ErrUploadLimitExceeded,
	ErrUnknownSession,
}

// IsValidation reports whether err is a business rule rejection
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
