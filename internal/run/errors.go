package run

import "errors"

// Client errors. None of these are retriable; the caller surfaces them
// as blocked actions rather than retrying.
var (
	ErrAlreadyActive   = errors.New("participant already has an active session")
	ErrNotFound        = errors.New("run session not found")
	ErrAlreadyResolved = errors.New("run session already resolved")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// ErrorCode maps a service error to its wire code, or "" for internal
// errors.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	}
	return ""
}

// ErrorFromCode is the client-side inverse of ErrorCode.
func ErrorFromCode(code string) error {
	switch code {
	case "already_active":
		return ErrAlreadyActive
	case "not_found":
		return ErrNotFound
	case "already_resolved":
		return ErrAlreadyResolved
	case "unauthenticated":
		return ErrUnauthenticated
	case "":
		return nil
	}
	return errors.New(code)
}
