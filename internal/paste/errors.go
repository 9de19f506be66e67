package paste

import "errors"

var (
	// ErrNotFound covers absent, expired and view-exhausted pastes alike.
	// Callers must not be able to tell these apart.
	ErrNotFound = errors.New("paste not found")
	// ErrPersistence wraps any failure reported by the store.
	ErrPersistence = errors.New("paste storage failure")
)

// ValidationError reports a rejected create request. Field names the
// offending JSON field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
