package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Ankesh-007/peft-studio-sub012/core/connector"
	oerrors "github.com/Ankesh-007/peft-studio-sub012/core/errors"
	"github.com/Ankesh-007/peft-studio-sub012/core/models"
	"github.com/Ankesh-007/peft-studio-sub012/core/repository"
	"github.com/Ankesh-007/peft-studio-sub012/core/spec"
	"github.com/Ankesh-007/peft-studio-sub012/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns the set of concurrently active runs. Each run is the sole
// writer of its own job record; operations on one job never read or mutate
// another's in-memory state. Aggregate queries go through store snapshots,
// never live run state.
type Manager struct {
	registry  *connector.Registry
	store     repository.Store
	artifacts *storage.ArtifactStore
	archiver  Archiver
	opts      Options
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewManager creates a multi-run manager. archiver may be nil.
func NewManager(
	registry *connector.Registry,
	store repository.Store,
	artifacts *storage.ArtifactStore,
	archiver Archiver,
	opts Options,
	logger *zap.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry:  registry,
		store:     store,
		artifacts: artifacts,
		archiver:  archiver,
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*Run),
	}
}

// SubmitJob validates the config, resolves the connector, creates the job
// record, and submits it. Validation and resolution failures are fatal and
// never retried; a connector submission failure moves the job to Failed and
// the caller must resubmit as a new job.
func (m *Manager) SubmitJob(ctx context.Context, cfg models.TrainingConfig, provider, name, specYAML string) (*models.Job, error) {
	if err := spec.Validate(cfg); err != nil {
		return nil, &oerrors.JobError{Op: "SubmitJob", Provider: provider, Err: err}
	}

	conn, err := m.registry.Lookup(provider)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:       uuid.New().String(),
		Name:     name,
		Provider: provider,
		Config:   cfg,
		State:    models.JobStateCreated,
		SpecYAML: specYAML,
	}
	if job.Name == "" {
		job.Name = fmt.Sprintf("%s-%s", cfg.Algorithm, job.ID[:8])
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, &oerrors.JobError{Op: "SubmitJob", Provider: provider, Err: err}
	}

	run := newRun(job, conn, m.store, m.artifacts, m.archiver, m.opts, m.logger)

	m.mu.Lock()
	m.runs[job.ID] = run
	m.mu.Unlock()

	if err := run.submit(ctx); err != nil {
		return m.snapshot(job.ID), err
	}
	run.start(m.ctx)

	m.logger.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.String("provider", provider))
	return m.snapshot(job.ID), nil
}

// GetStatus returns a snapshot of the job record.
func (m *Manager) GetStatus(jobID string) (*models.Job, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, &oerrors.JobError{Op: "GetStatus", JobID: jobID, Err: err}
	}
	return job, nil
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	State       models.JobState
	CompletedAt *time.Time
	Message     string
}

// CancelJob cancels a job with the optimistic-with-timeout policy. A cancel
// against an already-terminal job is a no-op reported as "already terminal",
// never an error to the caller.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (CancelResult, error) {
	run, err := m.run(jobID)
	if err != nil {
		// No live run: the job may predate this process. Judge from the
		// record alone.
		job, gerr := m.store.GetJob(jobID)
		if gerr != nil {
			return CancelResult{}, &oerrors.JobError{Op: "CancelJob", JobID: jobID, Err: gerr}
		}
		if job.State.Terminal() {
			return CancelResult{State: job.State, CompletedAt: job.CompletedAt, Message: "already terminal"}, nil
		}
		return CancelResult{}, err
	}

	state, message, err := run.cancel(ctx)
	if err != nil {
		if oerrors.IsCancellationRace(err) {
			job, _ := m.store.GetJob(jobID)
			result := CancelResult{State: state, Message: message}
			if job != nil {
				result.CompletedAt = job.CompletedAt
			}
			return result, nil
		}
		return CancelResult{}, err
	}

	job, _ := m.store.GetJob(jobID)
	result := CancelResult{State: state, Message: message}
	if job != nil {
		result.CompletedAt = job.CompletedAt
	}
	return result, nil
}

// PauseJob suspends a running job on a pause-capable provider.
func (m *Manager) PauseJob(ctx context.Context, jobID string) error {
	run, err := m.run(jobID)
	if err != nil {
		return err
	}
	return run.pause(ctx)
}

// ResumeJob continues a paused job.
func (m *Manager) ResumeJob(ctx context.Context, jobID string) error {
	run, err := m.run(jobID)
	if err != nil {
		return err
	}
	return run.resume(ctx)
}

// DownloadArtifact fetches, verifies, and records the artifact of a
// completed job. Retry-safe: a prior integrity failure leaves no artifact
// recorded, and a later call fetches again.
func (m *Manager) DownloadArtifact(ctx context.Context, jobID string) (models.Artifact, error) {
	run, err := m.run(jobID)
	if err != nil {
		job, gerr := m.store.GetJob(jobID)
		if gerr != nil {
			return models.Artifact{}, &oerrors.JobError{Op: "DownloadArtifact", JobID: jobID, Err: gerr}
		}
		if job.Artifact != nil {
			return *job.Artifact, nil
		}
		return models.Artifact{}, err
	}
	return run.fetchArtifact(ctx)
}

// ListJobs returns store snapshots of jobs matching the filter.
func (m *Manager) ListJobs(filter repository.ListFilter) ([]*models.Job, error) {
	return m.store.ListJobs(filter)
}

// CountActive returns the number of non-terminal jobs.
func (m *Manager) CountActive() (int, error) {
	return m.store.CountActive()
}

// Providers returns the usable provider names.
func (m *Manager) Providers() []string {
	return m.registry.Providers()
}

// Subscribe attaches an event subscriber to a live job's push channel.
func (m *Manager) Subscribe(jobID string, buffer int) (<-chan models.Event, func(), error) {
	run, err := m.run(jobID)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := run.Subscribe(buffer)
	return ch, unsubscribe, nil
}

// GetJobEvents returns the transition audit trail for a job.
func (m *Manager) GetJobEvents(jobID string, limit int) ([]models.JobEvent, error) {
	return m.store.GetJobEvents(jobID, limit)
}

// Close stops all run loops. Job records keep their last persisted state.
func (m *Manager) Close() {
	m.cancel()

	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	m.mu.RUnlock()

	for _, run := range runs {
		if !run.Started() {
			continue
		}
		select {
		case <-run.Done():
		case <-time.After(5 * time.Second):
			m.logger.Warn("run did not stop in time", zap.String("job_id", run.jobID))
		}
	}
}

func (m *Manager) run(jobID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[jobID]
	if !ok {
		return nil, &oerrors.JobError{Op: "Lookup", JobID: jobID, Err: oerrors.ErrJobNotFound}
	}
	return run, nil
}

func (m *Manager) snapshot(jobID string) *models.Job {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil
	}
	return job
}
