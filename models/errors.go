package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every audit component. Specific errors wrap exactly one of
// these so callers can branch with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyActive      = errors.New("an audit session is already active for this scope")
	ErrLimitReached       = errors.New("report limit reached for session")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrValidation         = errors.New("validation error")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

var (
	ErrSessionNotFound    = fmt.Errorf("%w: audit session", ErrNotFound)
	ErrReportNotFound     = fmt.Errorf("%w: audit report", ErrNotFound)
	ErrAssignmentNotFound = fmt.Errorf("%w: audit assignment", ErrNotFound)
	ErrAssetNotFound      = fmt.Errorf("%w: asset", ErrNotFound)

	ErrSessionInactive = fmt.Errorf("%w: audit session is not active", ErrValidation)
	ErrReviewLocked    = fmt.Errorf("%w: department has already submitted its review", ErrUnauthorized)
)

type ErrorKind string

const (
	KindNotFound           ErrorKind = "NotFound"
	KindAlreadyActive      ErrorKind = "AlreadyActive"
	KindLimitReached       ErrorKind = "LimitReached"
	KindUnauthorized       ErrorKind = "Unauthorized"
	KindValidation         ErrorKind = "ValidationError"
	KindStorageUnavailable ErrorKind = "StorageUnavailable"
	KindInternal           ErrorKind = "Internal"
)

// KindOf classifies err into the taxonomy. Unclassified errors are Internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyActive):
		return KindAlreadyActive
	case errors.Is(err, ErrLimitReached):
		return KindLimitReached
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	}
	return KindInternal
}

// Validationf builds an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
