package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKind    = errors.New("invalid media kind")
	ErrInvalidName    = errors.New("invalid file name")
	ErrInvalidSerial  = errors.New("serial must be exactly 6 digits")
	ErrJobActive      = errors.New("a job for this key is already running")
	ErrJobNotFound    = errors.New("job not found")
	ErrNotCancellable = errors.New("job is not cancellable")
)

// SourceNotFoundError means the input file is missing. Not retried.
type SourceNotFoundError struct {
	Path string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("source not found: %s", e.Path)
}

// InvalidMediaError means the probe found nothing usable; no work was started.
type InvalidMediaError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidMediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid media %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid media %s: %s", e.Path, e.Reason)
}

func (e *InvalidMediaError) Unwrap() error { return e.Err }

// SpawnError means an external process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TranscodeError is a genuine external process failure. Stderr holds the
// tail of the process diagnostics.
type TranscodeError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *TranscodeError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// StorageError covers read/write failures of durable files.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// VerificationError means a write did not read back as written.
type VerificationError struct {
	Path string
	Want string
	Got  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: wrote %q, read %q", e.Path, e.Want, e.Got)
}

// ErrorType maps an error to a stable identifier used in API responses and metrics.
func ErrorType(err error) string {
	var (
		notFound  *SourceNotFoundError
		invalid   *InvalidMediaError
		spawn     *SpawnError
		transcode *TranscodeError
		storage   *StorageError
		verify    *VerificationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &notFound):
		return "source_not_found"
	case errors.As(err, &invalid):
		return "invalid_media"
	case errors.As(err, &spawn):
		return "spawn"
	case errors.As(err, &transcode):
		return "transcode"
	case errors.As(err, &verify):
		return "verification"
	case errors.As(err, &storage):
		return "storage"
	case errors.Is(err, ErrJobActive):
		return "job_active"
	case errors.Is(err, ErrJobNotFound):
		return "job_not_found"
	case errors.Is(err, ErrNotCancellable):
		return "not_cancellable"
	case errors.Is(err, ErrInvalidSerial), errors.Is(err, ErrInvalidKind), errors.Is(err, ErrInvalidName):
		return "invalid_request"
	default:
		return "internal"
	}
}
