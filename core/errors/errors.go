// Package errors defines the error taxonomy for the orchestration engine.
// Each class carries an explicit retry policy: validation, connector-not-found
// and submission errors are fatal; transient network errors are retried with
// bounded backoff; integrity and timeout errors surface to the caller.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for job orchestration.
var (
	// ErrValidation indicates a bad training config. Fatal, never retried.
	ErrValidation = errors.New("invalid training config")

	// ErrConnectorNotFound indicates the named provider is not registered
	// or was disabled at registration time. Fatal.
	ErrConnectorNotFound = errors.New("connector not found")

	// ErrSubmission indicates the connector rejected the submission.
	// Fatal: the caller must resubmit as a new job.
	ErrSubmission = errors.New("connector submission failed")

	// ErrTransient indicates a status-poll or cancel failure that is
	// retried with bounded backoff and never fails the job by itself.
	ErrTransient = errors.New("transient connector error")

	// ErrTimeout indicates a control call exceeded its bound.
	ErrTimeout = errors.New("operation timed out")

	// ErrIntegrity indicates an artifact hash mismatch. The download
	// fails and the job keeps its state; never silently accepted.
	ErrIntegrity = errors.New("artifact integrity check failed")

	// ErrCancellationRace indicates cancel was requested on a job already
	// in a terminal state. Reported to the caller as a no-op.
	ErrCancellationRace = errors.New("job already terminal")

	// ErrJobNotFound indicates no job exists with the given id.
	ErrJobNotFound = errors.New("job not found")

	// ErrArtifactUnavailable indicates the job has no fetchable artifact.
	ErrArtifactUnavailable = errors.New("artifact not available")
)

// JobError wraps an orchestration error with the job and operation context.
type JobError struct {
	// Op is the operation that failed (e.g., "Submit", "Cancel").
	Op string

	// JobID is the affected job, if known.
	JobID string

	// Provider is the bound connector name, if applicable.
	Provider string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	switch {
	case e.JobID != "" && e.Provider != "":
		return fmt.Sprintf("%s job %s (provider %s): %v", e.Op, e.JobID, e.Provider, e.Err)
	case e.JobID != "":
		return fmt.Sprintf("%s job %s: %v", e.Op, e.JobID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *JobError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether the error is a fatal config validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConnectorNotFound reports whether the named provider was unresolvable.
func IsConnectorNotFound(err error) bool {
	return errors.Is(err, ErrConnectorNotFound)
}

// IsTransient reports whether the error is retryable with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsTimeout reports whether a control call exceeded its bound.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsIntegrity reports whether an artifact failed hash verification.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

// IsCancellationRace reports whether cancel hit an already-terminal job.
func IsCancellationRace(err error) bool {
	return errors.Is(err, ErrCancellationRace)
}

// IsJobNotFound reports whether the job id was unknown.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}
