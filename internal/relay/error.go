package relay

import (
	"errors"
	"fmt"

	"roomcrypt/internal/domain"
)

// Error is a non-2xx response from the homeserver.
type Error struct {
	// Status is the HTTP status code.
	Status int `json:"-"`
	// ErrCode is the Matrix error code, e.g. "M_FORBIDDEN".
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
}

// Standard Matrix error codes the client reacts to.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
)

func (e *Error) Error() string {
	return fmt.Sprintf("relay: %s (%d): %s", e.ErrCode, e.Status, e.Message)
}

// Unwrap makes every homeserver error match domain.ErrTransport.
func (e *Error) Unwrap() error { return domain.ErrTransport }

// IsError reports whether err carries an *Error with the given code.
func IsError(err error, code string) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.ErrCode == code
	}
	return false
}
