// Package connector defines the capability contract every compute provider
// adapter must satisfy, and the static registry they are installed into at
// process start.
package connector

import (
	"context"

	"github.com/Ankesh-007/peft-studio-sub012/core/models"
)

// StatusUpdate is one element of a connector's status stream: either a
// progress snapshot or a terminal marker, never both. The step lives on the
// snapshot itself.
type StatusUpdate struct {
	Metrics  *models.MetricSnapshot
	Terminal *Terminal
}

// Terminal signals the end of a provider-side run.
type Terminal struct {
	Completed bool
	Cause     string
}

// Connector is the capability contract for a compute provider. Each call may
// fail independently; a failure on one job must never affect another.
type Connector interface {
	// Name returns the provider name the connector registers under.
	Name() string

	// Submit starts a training run and returns the provider's opaque
	// job handle. Submit is not idempotent and is never auto-retried.
	Submit(ctx context.Context, cfg models.TrainingConfig) (string, error)

	// Stream returns a lazy, restartable sequence of status updates for
	// a previously submitted run. The channel is closed after a terminal
	// update or when ctx is done.
	Stream(ctx context.Context, providerJobID string) (<-chan StatusUpdate, error)

	// Cancel requests best-effort cancellation of a run. The orchestrator
	// does not depend on the acknowledgement arriving.
	Cancel(ctx context.Context, providerJobID string) error

	// FetchArtifact returns the trained output bytes and, when the
	// provider supplies one, its declared content hash (hex sha256).
	FetchArtifact(ctx context.Context, providerJobID string) ([]byte, string, error)
}

// PauseResumer is the optional capability for providers that can suspend a
// run in place. Only the local provider implements it.
type PauseResumer interface {
	Pause(ctx context.Context, providerJobID string) error
	Resume(ctx context.Context, providerJobID string) error
}

// Validator is implemented by connectors that can self-check readiness at
// registration time (binary present, endpoint reachable, credentials bound).
type Validator interface {
	Validate() error
}
