package artifact

import (
	"errors"
	"fmt"
)

// NotFoundError reports an invalid reference or one the source does not know.
type NotFoundError struct {
	Ref    string
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.Reason == "" {
		return "artifact not found: " + e.Ref
	}
	return fmt.Sprintf("artifact not found: %s: %s", e.Ref, e.Reason)
}

// DownloadError reports a network, storage or integrity failure while fetching.
type DownloadError struct {
	Ref string
	Err error
}

func (e *DownloadError) Error() string { return fmt.Sprintf("download %s: %v", e.Ref, e.Err) }

func (e *DownloadError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsDownload reports whether err is (or wraps) a DownloadError.
func IsDownload(err error) bool {
	var e *DownloadError
	return errors.As(err, &e)
}

func notFound(ref, format string, args ...any) error {
	return &NotFoundError{Ref: ref, Reason: fmt.Sprintf(format, args...)}
}
