package manager

import (
	"errors"
	"fmt"
	"time"

	"modelvisor/internal/alloc"
	"modelvisor/internal/artifact"
	"modelvisor/internal/launcher"
)

// modelNotFoundError is returned for ids the registry does not track.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// readinessTimeoutError reports a backend that never answered its health check.
type readinessTimeoutError struct {
	id    string
	after time.Duration
}

func (e readinessTimeoutError) Error() string {
	if e.after <= 0 {
		return "readiness timeout: " + e.id
	}
	return fmt.Sprintf("readiness timeout: %s not healthy after %s", e.id, e.after)
}

// ErrReadinessTimeout constructs a readinessTimeoutError.
func ErrReadinessTimeout(id string, after time.Duration) error {
	return readinessTimeoutError{id: id, after: after}
}

// IsReadinessTimeout reports whether err is a readiness timeout.
func IsReadinessTimeout(err error) bool {
	var e readinessTimeoutError
	return errors.As(err, &e)
}

// stopSupersededError is returned to start callers whose sequence was
// canceled by a stop request.
type stopSupersededError struct{ id string }

func (e stopSupersededError) Error() string { return "start superseded by stop: " + e.id }

// ErrStopSuperseded constructs a stopSupersededError.
func ErrStopSuperseded(id string) error { return stopSupersededError{id: id} }

// IsStopSuperseded reports whether a start was canceled by a stop.
func IsStopSuperseded(err error) bool {
	var e stopSupersededError
	return errors.As(err, &e)
}

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// modelBusyError is returned by Forget for records that are still active.
type modelBusyError struct {
	id    string
	phase Phase
}

func (e modelBusyError) Error() string { return fmt.Sprintf("model %s is %s", e.id, e.phase) }

// IsModelBusy reports whether err came from touching an active record.
func IsModelBusy(err error) bool {
	var e modelBusyError
	return errors.As(err, &e)
}

// Predicates for errors raised by the supervisor's collaborators.
var (
	IsArtifactNotFound = artifact.IsNotFound
	IsDownload         = artifact.IsDownload
	IsLaunch           = launcher.IsLaunch
	IsExhausted        = alloc.IsExhausted
)

// Kind classifies err for API consumers. It returns "" for unclassified errors.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsModelNotFound(err), IsArtifactNotFound(err):
		return "not_found"
	case IsDownload(err):
		return "download"
	case IsLaunch(err):
		return "launch"
	case IsReadinessTimeout(err):
		return "readiness_timeout"
	case IsExhausted(err):
		return "exhausted"
	case IsStopSuperseded(err):
		return "stop_superseded"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case IsModelBusy(err):
		return "busy"
	}
	return ""
}
