package model

import (
	"errors"
	"fmt"
)

// Error classes shared by every component. Callers match them with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrNeedsReauth      = errors.New("account needs re-authorization")
	ErrMissingConfig    = errors.New("missing configuration")
	ErrTransientSync    = errors.New("transient sync error")
	ErrRemoteWrite      = errors.New("remote write failed")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrRefreshFailed    = errors.New("token refresh failed")
)

// Invalid returns an ErrValidation with a formatted detail message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound naming the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}
