// Package orchestrator drives training jobs through their lifecycle: one
// state-machine run per job, owned by a manager that isolates concurrent
// jobs from each other.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Ankesh-007/peft-studio-sub012/core/analysis"
	"github.com/Ankesh-007/peft-studio-sub012/core/connector"
	oerrors "github.com/Ankesh-007/peft-studio-sub012/core/errors"
	"github.com/Ankesh-007/peft-studio-sub012/core/models"
	"github.com/Ankesh-007/peft-studio-sub012/core/monitoring"
	"github.com/Ankesh-007/peft-studio-sub012/core/repository"
	"github.com/Ankesh-007/peft-studio-sub012/storage"

	"go.uber.org/zap"
)

// Options configure the per-job runs.
type Options struct {
	// ControlTimeout bounds submit, cancel, and artifact-fetch calls.
	ControlTimeout time.Duration

	// CancelTimeout bounds how long a cancel waits for the connector's
	// acknowledgement before the job is forced to Stopped anyway.
	CancelTimeout time.Duration

	// Backoff governs retries of transient status-stream failures.
	Backoff BackoffPolicy

	// SubscriberBuffer is the event buffer for internal subscribers.
	SubscriberBuffer int
}

// DefaultOptions returns the standard run options.
func DefaultOptions() Options {
	return Options{
		ControlTimeout:   30 * time.Second,
		CancelTimeout:    30 * time.Second,
		Backoff:          DefaultBackoff(),
		SubscriberBuffer: monitoring.DefaultSubscriberBuffer,
	}
}

// Archiver mirrors verified artifacts to remote storage. Optional.
type Archiver interface {
	Archive(ctx context.Context, jobID string, artifact models.Artifact) error
}

// Run is the orchestrator core for a single job: the sole writer of its job
// record, driving the state machine from submission to a terminal state.
type Run struct {
	jobID     string
	jobName   string
	provider  string
	config    models.TrainingConfig
	conn      connector.Connector
	store     repository.Store
	mux       *monitoring.Multiplexer
	artifacts *storage.ArtifactStore
	archiver  Archiver
	opts      Options
	logger    *zap.Logger

	mu            sync.Mutex
	state         models.JobState
	providerJobID string
	stopStream    context.CancelFunc
	started       bool

	done chan struct{}
}

func newRun(
	job *models.Job,
	conn connector.Connector,
	store repository.Store,
	artifacts *storage.ArtifactStore,
	archiver Archiver,
	opts Options,
	logger *zap.Logger,
) *Run {
	return &Run{
		jobID:     job.ID,
		jobName:   job.Name,
		provider:  job.Provider,
		config:    job.Config,
		conn:      conn,
		store:     store,
		mux:       monitoring.NewMultiplexer(job.ID, logger),
		artifacts: artifacts,
		archiver:  archiver,
		opts:      opts,
		logger:    logger.With(zap.String("job_id", job.ID), zap.String("provider", job.Provider)),
		state:     job.State,
		done:      make(chan struct{}),
	}
}

// submit performs the submission algorithm: call the connector, bind the
// provider handle, and move Created to Initializing. A connector rejection is
// fatal and moves the job to Failed; the caller must resubmit as a new job.
// A submit that exceeds the control bound surfaces a timeout instead and
// leaves the job in Created.
func (r *Run) submit(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, r.opts.ControlTimeout)
	defer cancel()

	providerJobID, err := r.conn.Submit(sctx, r.config)
	if err != nil {
		if sctx.Err() == context.DeadlineExceeded {
			return &oerrors.JobError{
				Op: "Submit", JobID: r.jobID, Provider: r.provider,
				Err: fmt.Errorf("%w: submit exceeded %s", oerrors.ErrTimeout, r.opts.ControlTimeout),
			}
		}
		r.fail(models.JobStateCreated, "submission_failed", err.Error())
		return &oerrors.JobError{
			Op: "Submit", JobID: r.jobID, Provider: r.provider,
			Err: fmt.Errorf("%w: %v", oerrors.ErrSubmission, err),
		}
	}

	if err := r.store.SetProviderJobID(r.jobID, providerJobID); err != nil {
		r.fail(models.JobStateCreated, "submission_failed", err.Error())
		return &oerrors.JobError{Op: "Submit", JobID: r.jobID, Provider: r.provider, Err: err}
	}

	r.mu.Lock()
	r.providerJobID = providerJobID
	r.mu.Unlock()

	if err := r.transition(models.JobStateInitializing, "submitted", map[string]interface{}{
		"provider_job_id": providerJobID,
	}); err != nil {
		return err
	}

	r.logger.Info("job submitted", zap.String("provider_job_id", providerJobID))
	return nil
}

// start launches the stream-consumption loop and the milestone engine.
func (r *Run) start(ctx context.Context) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	events, unsubscribe := r.mux.Subscribe(r.opts.SubscriberBuffer)
	engine := monitoring.NewMilestoneEngine(
		r.jobID, r.jobName, r.config.Hyperparameters.TotalSteps,
		r.store, r.mux, r.logger,
	)
	go engine.Run(events)

	go func() {
		defer close(r.done)
		defer r.mux.Close()
		defer unsubscribe()
		r.loop(ctx)
	}()
}

// loop consumes the connector's status stream, restarting it with bounded
// backoff on transient failures. Stream errors never fail the job until the
// retry budget is exhausted.
func (r *Run) loop(ctx context.Context) {
	attempt := 0
	for {
		if r.State().Terminal() {
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.stopStream = cancel
		pid := r.providerJobID
		r.mu.Unlock()

		updates, err := r.conn.Stream(streamCtx, pid)
		if err != nil {
			cancel()
			if !r.retryStream(ctx, &attempt, err) {
				return
			}
			continue
		}

		attempt = 0
		finished := r.consume(updates)
		cancel()
		if finished || r.State().Terminal() {
			return
		}
		if ctx.Err() != nil {
			return
		}

		// Stream ended without a terminal update: restart it.
		if !r.retryStream(ctx, &attempt, fmt.Errorf("%w: stream ended early", oerrors.ErrTransient)) {
			return
		}
	}
}

// retryStream sleeps per the backoff policy. It reports false once the
// retry budget is spent, failing the job.
func (r *Run) retryStream(ctx context.Context, attempt *int, cause error) bool {
	if ctx.Err() != nil {
		return false
	}
	if *attempt >= r.opts.Backoff.MaxRetries {
		r.logger.Error("status stream retries exhausted", zap.Error(cause))
		r.fail(r.State(), "stream_failed", cause.Error())
		return false
	}

	wait := r.opts.Backoff.Interval(*attempt)
	*attempt++
	r.logger.Warn("status stream interrupted, retrying",
		zap.Int("attempt", *attempt),
		zap.Duration("backoff", wait),
		zap.Error(cause))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

// consume drains one stream until it closes. Reports whether the job
// reached a terminal state.
func (r *Run) consume(updates <-chan connector.StatusUpdate) bool {
	for update := range updates {
		switch {
		case update.Terminal != nil:
			r.finish(*update.Terminal)
			return true
		case update.Metrics != nil:
			r.ingestMetrics(*update.Metrics)
		}
	}
	return false
}

// ingestMetrics records one progress snapshot. The first event moves the job
// from Initializing to Running. Ingestion errors degrade to warnings; the
// job keeps running.
func (r *Run) ingestMetrics(snap models.MetricSnapshot) {
	if r.State() == models.JobStateInitializing {
		if err := r.transition(models.JobStateRunning, "execution_started", nil); err != nil {
			r.logger.Warn("failed to mark job running", zap.Error(err))
		}
	}

	if err := r.store.AppendMetric(r.jobID, snap); err != nil {
		r.logger.Warn("metric rejected", zap.Int("step", snap.Step), zap.Error(err))
		return
	}
	r.mux.PublishMetrics(snap)
}

// finish handles the connector's terminal signal.
func (r *Run) finish(t connector.Terminal) {
	state := r.State()
	if state.Terminal() {
		// Cancel already forced a terminal state locally.
		return
	}

	if t.Completed {
		if err := r.transition(models.JobStateCompleted, "training_completed", nil); err != nil {
			r.logger.Error("failed to complete job", zap.Error(err))
			return
		}
		r.logger.Info("training completed")
		r.fetchAndAnalyze(context.Background())
		return
	}

	cause := t.Cause
	if cause == "" {
		cause = "provider reported failure"
	}
	r.fail(state, "training_failed", cause)
}

// fetchAndAnalyze runs once on the Running to Completed transition: fetch
// and verify the artifact, then score the run. An integrity failure leaves
// the job Completed and artifact-less; the download can be retried.
func (r *Run) fetchAndAnalyze(ctx context.Context) {
	if _, err := r.fetchArtifact(ctx); err != nil {
		r.logger.Error("artifact fetch after completion failed", zap.Error(err))
	}

	job, err := r.store.GetJob(r.jobID)
	if err != nil {
		r.logger.Error("failed to load job for analysis", zap.Error(err))
		return
	}
	result := analysis.ResultFromHistory(job.MetricHistory, job.Config)
	quality := analysis.Analyze(result)
	if err := r.store.SetQuality(r.jobID, quality); err != nil {
		r.logger.Warn("quality analysis not recorded", zap.Error(err))
		return
	}
	r.logger.Info("quality analysis recorded",
		zap.Int("score", quality.Score),
		zap.Int("suggestions", len(quality.Suggestions)))
}

// fetchArtifact performs the artifact fetch algorithm. Permitted only when
// the job is Completed.
func (r *Run) fetchArtifact(ctx context.Context) (models.Artifact, error) {
	if r.State() != models.JobStateCompleted {
		return models.Artifact{}, &oerrors.JobError{
			Op: "FetchArtifact", JobID: r.jobID, Provider: r.provider,
			Err: fmt.Errorf("%w: job is %s", oerrors.ErrArtifactUnavailable, r.State()),
		}
	}

	if job, err := r.store.GetJob(r.jobID); err == nil && job.Artifact != nil {
		return *job.Artifact, nil
	}

	fctx, cancel := context.WithTimeout(ctx, r.opts.ControlTimeout)
	defer cancel()

	r.mu.Lock()
	pid := r.providerJobID
	r.mu.Unlock()

	data, declaredHash, err := r.conn.FetchArtifact(fctx, pid)
	if err != nil {
		if fctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: fetch exceeded %s", oerrors.ErrTimeout, r.opts.ControlTimeout)
		}
		return models.Artifact{}, &oerrors.JobError{
			Op: "FetchArtifact", JobID: r.jobID, Provider: r.provider, Err: err,
		}
	}

	artifact, err := r.artifacts.Save(r.jobID, data, declaredHash)
	if err != nil {
		// Integrity failure: the job stays Completed without an artifact.
		return models.Artifact{}, err
	}

	if err := r.store.SetArtifact(r.jobID, artifact); err != nil {
		return models.Artifact{}, &oerrors.JobError{
			Op: "FetchArtifact", JobID: r.jobID, Err: err,
		}
	}

	if r.archiver != nil {
		if err := r.archiver.Archive(ctx, r.jobID, artifact); err != nil {
			r.logger.Warn("artifact archive failed", zap.Error(err))
		}
	}
	return artifact, nil
}

// cancel implements the optimistic-with-timeout cancellation policy: signal
// the connector, and force the local state to Stopped once the bound
// elapses even if the remote never confirms. Local consistency wins over
// remote truth; any disagreement is recorded for later reconciliation.
func (r *Run) cancel(ctx context.Context) (models.JobState, string, error) {
	state := r.State()
	if state.Terminal() {
		return state, "already terminal", &oerrors.JobError{
			Op: "Cancel", JobID: r.jobID, Err: oerrors.ErrCancellationRace,
		}
	}
	if !state.Cancelable() {
		return state, "", &oerrors.JobError{
			Op: "Cancel", JobID: r.jobID,
			Err: fmt.Errorf("cannot cancel job in state %s", state),
		}
	}

	r.mu.Lock()
	pid := r.providerJobID
	r.mu.Unlock()

	ackCh := make(chan error, 1)
	go func() {
		cctx, ccancel := context.WithTimeout(context.Background(), r.opts.CancelTimeout)
		defer ccancel()
		ackCh <- r.conn.Cancel(cctx, pid)
	}()

	acknowledged := false
	select {
	case err := <-ackCh:
		acknowledged = err == nil
		if err != nil {
			r.logger.Warn("connector cancel failed", zap.Error(err))
		}
	case <-time.After(r.opts.CancelTimeout):
		r.logger.Warn("connector never acknowledged cancel",
			zap.Duration("timeout", r.opts.CancelTimeout))
	case <-ctx.Done():
	}

	meta := map[string]interface{}{"acknowledged": acknowledged}
	reason := "user_canceled"
	if !acknowledged {
		reason = "cancel_unacknowledged"
	}
	if err := r.transition(models.JobStateStopped, reason, meta); err != nil {
		// The run reached a terminal state while the cancel was in
		// flight; report the race instead of an error.
		final := r.State()
		if final.Terminal() {
			return final, "already terminal", &oerrors.JobError{
				Op: "Cancel", JobID: r.jobID, Err: oerrors.ErrCancellationRace,
			}
		}
		return final, "", err
	}

	r.stopStreaming()
	message := "job stopped"
	if !acknowledged {
		message = "job stopped locally; provider did not acknowledge"
	}
	return models.JobStateStopped, message, nil
}

// pause suspends a run in place. Only connectors with the pause capability
// (the local provider) support it.
func (r *Run) pause(ctx context.Context) error {
	pr, ok := r.conn.(connector.PauseResumer)
	if !ok {
		return &oerrors.JobError{
			Op: "Pause", JobID: r.jobID, Provider: r.provider,
			Err: fmt.Errorf("provider %s does not support pause", r.provider),
		}
	}
	if r.State() != models.JobStateRunning {
		return &oerrors.JobError{
			Op: "Pause", JobID: r.jobID,
			Err: fmt.Errorf("cannot pause job in state %s", r.State()),
		}
	}

	r.mu.Lock()
	pid := r.providerJobID
	r.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, r.opts.ControlTimeout)
	defer cancel()
	if err := pr.Pause(pctx, pid); err != nil {
		return &oerrors.JobError{Op: "Pause", JobID: r.jobID, Err: err}
	}
	return r.transition(models.JobStatePaused, "user_paused", nil)
}

// resume continues a paused run.
func (r *Run) resume(ctx context.Context) error {
	pr, ok := r.conn.(connector.PauseResumer)
	if !ok {
		return &oerrors.JobError{
			Op: "Resume", JobID: r.jobID, Provider: r.provider,
			Err: fmt.Errorf("provider %s does not support resume", r.provider),
		}
	}
	if r.State() != models.JobStatePaused {
		return &oerrors.JobError{
			Op: "Resume", JobID: r.jobID,
			Err: fmt.Errorf("cannot resume job in state %s", r.State()),
		}
	}

	r.mu.Lock()
	pid := r.providerJobID
	r.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, r.opts.ControlTimeout)
	defer cancel()
	if err := pr.Resume(pctx, pid); err != nil {
		return &oerrors.JobError{Op: "Resume", JobID: r.jobID, Err: err}
	}
	return r.transition(models.JobStateRunning, "user_resumed", nil)
}

// State returns the run's current state.
func (r *Run) State() models.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe attaches a new event subscriber to the run's multiplexer.
func (r *Run) Subscribe(buffer int) (<-chan models.Event, func()) {
	return r.mux.Subscribe(buffer)
}

// Done is closed when the run's stream loop exits.
func (r *Run) Done() <-chan struct{} { return r.done }

// Started reports whether the stream loop was ever launched.
func (r *Run) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// transition serializes a state change through the run's mutex and the
// store, then publishes the status event. All transition paths funnel here,
// keeping the single-writer discipline.
func (r *Run) transition(to models.JobState, reason string, meta map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.state
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", from, to, r.jobID)
	}
	if err := r.store.UpdateJobState(r.jobID, from, to, reason, meta); err != nil {
		return err
	}
	r.state = to
	r.mux.PublishStatus(models.StatusChange{From: from, To: to, Reason: reason})
	return nil
}

// fail moves the job to Failed with the captured cause, tolerating races
// with other terminal transitions.
func (r *Run) fail(from models.JobState, reason, cause string) {
	if err := r.store.SetFailureCause(r.jobID, cause); err != nil {
		r.logger.Warn("failed to record failure cause", zap.Error(err))
	}
	if err := r.transition(models.JobStateFailed, reason, map[string]interface{}{
		"cause": cause,
	}); err != nil {
		r.logger.Warn("failed to mark job failed",
			zap.String("from", string(from)), zap.Error(err))
		return
	}
	r.logger.Error("job failed", zap.String("reason", reason), zap.String("cause", cause))
	r.stopStreaming()
}

func (r *Run) stopStreaming() {
	r.mu.Lock()
	stop := r.stopStream
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}
