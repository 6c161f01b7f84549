package receipt

import "errors"

var (
	// ErrSessionNotFound covers both absent and expired sessions
	ErrSessionNotFound = errors.New("session expired or not found")

	// ErrPaymentRequired is returned when the checkout has not been paid
	ErrPaymentRequired = errors.New("payment not completed")
)

// ValidationError reports a missing or malformed request field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
