package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrEntryNotFound      = errors.New("entry not found")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrInvalidOptions     = errors.New("invalid search options")
	ErrSourceFetch        = errors.New("source fetch failed")
	ErrCacheWrite         = errors.New("cache write rejected")
	ErrIndexInconsistency = errors.New("index entry missing from store")
	ErrSnapshotInvalid    = errors.New("snapshot file invalid")
	ErrIngestCancelled    = errors.New("ingestion cancelled")
	ErrInternal           = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidQuery), errors.Is(err, ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, ErrSourceFetch), errors.Is(err, ErrSnapshotInvalid):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
