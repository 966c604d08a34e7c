package streamcorpus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error is a constant error value.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrUnknownStage is returned when a stage name is not in the registry.
	ErrUnknownStage = Error("unknown stage")

	// ErrUnsupportedVersion is returned for records whose schema is too old
	// to upgrade.
	ErrUnsupportedVersion = Error("unsupported stream item version")

	// ErrVersionMismatch is returned when a chunk declares a schema version
	// the reader cannot decode.
	ErrVersionMismatch = Error("chunk version mismatch")

	// ErrConfiguration is the cause of every missing or malformed config
	// value.
	ErrConfiguration = Error("configuration error")

	// ErrGracefulShutdown is returned by long running operations that
	// stopped because the shutdown flag was raised.
	ErrGracefulShutdown = Error("graceful shutdown")

	// ErrTransientIO marks I/O failures that are worth retrying.
	ErrTransientIO = Error("transient I/O error")
)

// RecordFailure is a per-record transform error. The record is dropped and
// processing continues.
type RecordFailure struct {
	Stage    string
	StreamID string
	Err      error
}

func (e *RecordFailure) Error() string {
	return fmt.Sprintf("stage %s failed on %s: %v", e.Stage, e.StreamID, e.Err)
}

// Cause lets errors.Cause see through the failure.
func (e *RecordFailure) Cause() error { return e.Err }

// ChunkFailure is a batch transform or loader error. It is fatal for the
// task being processed but not for the worker.
type ChunkFailure struct {
	Stage string
	Path  string
	Err   error
}

func (e *ChunkFailure) Error() string {
	return fmt.Sprintf("stage %s failed on chunk %s: %v", e.Stage, e.Path, e.Err)
}

// Cause lets errors.Cause see through the failure.
func (e *ChunkFailure) Cause() error { return e.Err }

// IsChunkFailure reports whether err is, or wraps, a ChunkFailure.
func IsChunkFailure(err error) bool {
	for err != nil {
		if _, ok := err.(*ChunkFailure); ok {
			return true
		}
		c, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = c.Cause()
	}
	return false
}

// Is reports whether the root cause of err is target.
func Is(err, target error) bool {
	return errors.Cause(err) == target
}
