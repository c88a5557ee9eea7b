package domain

import (
	"errors"
	"fmt"
)

// Dispatch and validation failure kinds. Callers branch on these with
// errors.Is / errors.As rather than matching strings.
var (
	// ErrUnknownModel: the requested model id is not in the registry.
	ErrUnknownModel = errors.New("unknown model")

	// ErrMissingCredential: the model resolved but its API key is empty.
	ErrMissingCredential = errors.New("missing credential")

	// ErrUnsupportedAttachment: the attachment MIME type has no configured
	// handling on the dispatch path.
	ErrUnsupportedAttachment = errors.New("unsupported attachment")

	// ErrExtractionFailed: the attachment bytes could not be parsed.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrAttachmentTooLarge: the attachment exceeds the configured byte limit.
	ErrAttachmentTooLarge = errors.New("attachment too large")

	// ErrAttachmentTypeRejected: the attachment MIME type is not on the
	// allow list.
	ErrAttachmentTypeRejected = errors.New("attachment type rejected")
)

// BackendError wraps any failure of the completion call itself: network
// errors, timeouts, non-2xx statuses, and malformed response bodies.
// The triggering user turn is still recorded in history; the failed
// assistant turn is not.
type BackendError struct {
	Reason string
	Err    error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend failure: %s: %v", e.Reason, e.Err)
	}
	return "backend failure: " + e.Reason
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsBackendError reports whether err is (or wraps) a BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
