// Package apperr defines the error-kind taxonomy shared by the store,
// dispatcher, and runner. Callers classify an error with errors.Is against
// one of the sentinel Kind values rather than inspecting error strings.
package apperr

import "errors"

// Kind sentinels. Wrap with fmt.Errorf("...: %w", Kind) to attach context
// while keeping errors.Is(err, apperr.NotFound) working.
var (
	ValidationFailed = errors.New("validation failed")
	NotFound         = errors.New("not found")
	Conflict         = errors.New("conflict")
	Persistent       = errors.New("persistent store error")
	SpawnFailed      = errors.New("spawn failed")
	Timeout          = errors.New("timeout")
	PermissionDenied = errors.New("permission denied")
	Internal         = errors.New("internal error")
)

// Is reports whether err is, or wraps, kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
