package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Ankesh-007/peft-studio-sub012/core/connector"
	oerrors "github.com/Ankesh-007/peft-studio-sub012/core/errors"
	"github.com/Ankesh-007/peft-studio-sub012/core/models"
	"github.com/Ankesh-007/peft-studio-sub012/core/repository"
	"github.com/Ankesh-007/peft-studio-sub012/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeConnector is a scriptable provider adapter for orchestrator tests.
type fakeConnector struct {
	name         string
	submitErr    error
	submitHangs  bool
	providerID   string
	cancelErr    error
	cancelHangs  bool
	artifact     []byte
	declaredHash string
	fetchErr     error

	mu        sync.Mutex
	updates   chan connector.StatusUpdate
	submitted []models.TrainingConfig
	canceled  []string
}

func newFakeConnector(name string) *fakeConnector {
	return &fakeConnector{
		name:       name,
		providerID: "abc123",
		updates:    make(chan connector.StatusUpdate, 64),
	}
}

func (f *fakeConnector) current() chan connector.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

// breakStream ends the live stream without a terminal update, as a dropped
// provider connection would. Later sends go to the replacement stream.
func (f *fakeConnector) breakStream() {
	f.mu.Lock()
	old := f.updates
	f.updates = make(chan connector.StatusUpdate, 64)
	f.mu.Unlock()
	close(old)
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Submit(ctx context.Context, cfg models.TrainingConfig) (string, error) {
	if f.submitHangs {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, cfg)
	f.mu.Unlock()
	return f.providerID, nil
}

func (f *fakeConnector) Stream(ctx context.Context, _ string) (<-chan connector.StatusUpdate, error) {
	in := f.current()
	out := make(chan connector.StatusUpdate)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeConnector) Cancel(ctx context.Context, providerJobID string) error {
	if f.cancelHangs {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	f.canceled = append(f.canceled, providerJobID)
	f.mu.Unlock()
	return f.cancelErr
}

func (f *fakeConnector) FetchArtifact(context.Context, string) ([]byte, string, error) {
	if f.fetchErr != nil {
		return nil, "", f.fetchErr
	}
	return f.artifact, f.declaredHash, nil
}

func (f *fakeConnector) progress(step int, loss float64) {
	f.current() <- connector.StatusUpdate{
		Metrics: &models.MetricSnapshot{Step: step, Loss: loss, GradNorm: 1.0},
	}
}

func (f *fakeConnector) complete() {
	f.current() <- connector.StatusUpdate{Terminal: &connector.Terminal{Completed: true}}
}

func (f *fakeConnector) failWith(cause string) {
	f.current() <- connector.StatusUpdate{Terminal: &connector.Terminal{Completed: false, Cause: cause}}
}

func testConfig() models.TrainingConfig {
	return models.TrainingConfig{
		BaseModel:  "m",
		DatasetURI: "d",
		Algorithm:  models.AlgorithmLoRA,
		Hyperparameters: models.Hyperparameters{
			Epochs: 2, BatchSize: 4, LearningRate: 0.0002, LoRARank: 8, TotalSteps: 1000,
		},
	}
}

type fixture struct {
	manager *Manager
	store   *repository.MemoryStore
	conn    *fakeConnector
}

func newFixture(t *testing.T, mutate func(*Options, *fakeConnector)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	conn := newFakeConnector("p1")
	opts := DefaultOptions()
	opts.ControlTimeout = 2 * time.Second
	opts.CancelTimeout = 200 * time.Millisecond
	opts.Backoff = BackoffPolicy{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
	if mutate != nil {
		mutate(&opts, conn)
	}

	reg := newTestRegistry(t, conn)
	store := repository.NewMemoryStore()
	artifacts, err := storage.NewArtifactStore(t.TempDir(), logger)
	require.NoError(t, err)

	manager := NewManager(reg, store, artifacts, nil, opts, logger)
	t.Cleanup(manager.Close)
	return &fixture{manager: manager, store: store, conn: conn}
}

func waitForState(t *testing.T, store repository.Store, jobID string, want models.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := store.GetJob(jobID)
		return err == nil && job.State == want
	}, 3*time.Second, 5*time.Millisecond, "job never reached %s", want)
}

func TestSubmitJob_StateSequence(t *testing.T) {
	f := newFixture(t, nil)

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStateInitializing, job.State)
	assert.Equal(t, "abc123", job.ProviderJobID)

	// First status event moves the job to Running.
	f.conn.progress(10, 2.0)
	waitForState(t, f.store, job.ID, models.JobStateRunning)

	// Observed sequence Created -> Initializing -> Running.
	events, err := f.manager.GetJobEvents(job.ID, 10)
	require.NoError(t, err)
	var states []models.JobState
	for i := len(events) - 1; i >= 0; i-- {
		states = append(states, events[i].ToState)
	}
	assert.Equal(t, []models.JobState{
		models.JobStateCreated, models.JobStateInitializing, models.JobStateRunning,
	}, states)
}

func TestSubmitJob_ValidationFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)

	cfg := testConfig()
	cfg.BaseModel = ""
	_, err := f.manager.SubmitJob(context.Background(), cfg, "p1", "run", "")
	require.Error(t, err)
	assert.True(t, oerrors.IsValidation(err))
	assert.Empty(t, f.conn.submitted, "validation failure must not reach the connector")
}

func TestSubmitJob_UnknownProvider(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.manager.SubmitJob(context.Background(), testConfig(), "nope", "run", "")
	require.Error(t, err)
	assert.True(t, oerrors.IsConnectorNotFound(err))
}

func TestSubmitJob_SubmissionFailureMovesToFailed(t *testing.T) {
	f := newFixture(t, func(_ *Options, conn *fakeConnector) {
		conn.submitErr = errors.New("quota exceeded")
	})

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, oerrors.ErrSubmission)

	require.NotNil(t, job)
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Contains(t, job.FailureCause, "quota exceeded")
}

func TestSubmitJob_TimeoutSurfacesAndLeavesJobCreated(t *testing.T) {
	f := newFixture(t, func(opts *Options, conn *fakeConnector) {
		opts.ControlTimeout = 50 * time.Millisecond
		conn.submitHangs = true
	})

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.Error(t, err)
	assert.True(t, oerrors.IsTimeout(err))
	assert.False(t, errors.Is(err, oerrors.ErrSubmission),
		"a timed-out submit is not a connector rejection")

	// The job keeps its prior state; only a connector rejection fails it.
	require.NotNil(t, job)
	assert.Equal(t, models.JobStateCreated, job.State)
	assert.Empty(t, job.FailureCause)
	assert.Empty(t, f.conn.submitted)
}

func TestCompletion_FetchesArtifactAndRunsAnalysisOnce(t *testing.T) {
	payload := []byte("trained adapter weights")
	sum := sha256.Sum256(payload)

	f := newFixture(t, func(_ *Options, conn *fakeConnector) {
		conn.artifact = payload
		conn.declaredHash = hex.EncodeToString(sum[:])
	})

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.NoError(t, err)

	f.conn.progress(100, 2.0)
	f.conn.progress(1000, 0.3)
	f.conn.complete()

	waitForState(t, f.store, job.ID, models.JobStateCompleted)
	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(job.ID)
		return err == nil && j.Quality != nil && j.Artifact != nil
	}, 3*time.Second, 5*time.Millisecond)

	j, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), j.Artifact.SHA256)
	assert.Equal(t, int64(len(payload)), j.Artifact.SizeBytes)
	assert.Greater(t, j.Quality.Score, 0)
	require.NotNil(t, j.CompletedAt)
}

func TestCompletion_IntegrityMismatchLeavesJobCompletedWithoutArtifact(t *testing.T) {
	f := newFixture(t, func(_ *Options, conn *fakeConnector) {
		conn.artifact = []byte("corrupted bytes")
		conn.declaredHash = "deadbeef"
	})

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.NoError(t, err)

	f.conn.progress(1000, 0.3)
	f.conn.complete()
	waitForState(t, f.store, job.ID, models.JobStateCompleted)

	// The retryable download surfaces the integrity error.
	_, err = f.manager.DownloadArtifact(context.Background(), job.ID)
	require.Error(t, err)
	assert.True(t, oerrors.IsIntegrity(err))

	j, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, j.State)
	assert.Nil(t, j.Artifact, "artifact must stay unset after a hash mismatch")
}

func TestCancel_UnacknowledgedForcesStoppedWithinBound(t *testing.T) {
	f := newFixture(t, func(_ *Options, conn *fakeConnector) {
		conn.cancelHangs = true
	})

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.NoError(t, err)
	f.conn.progress(10, 2.0)
	waitForState(t, f.store, job.ID, models.JobStateRunning)

	start := time.Now()
	result, err := f.manager.CancelJob(context.Background(), job.ID)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, models.JobStateStopped, result.State)
	assert.Contains(t, result.Message, "did not acknowledge")
	// Forced local stop lands within the timeout bound plus jitter.
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)

	waitForState(t, f.store, job.ID, models.JobStateStopped)
}

func TestCancel_AlreadyTerminalIsNoOp(t *testing.T) {
	f := newFixture(t, nil)

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.NoError(t, err)
	f.conn.progress(10, 2.0)
	f.conn.failWith("out of memory")
	waitForState(t, f.store, job.ID, models.JobStateFailed)

	result, err := f.manager.CancelJob(context.Background(), job.ID)
	require.NoError(t, err, "cancel on a terminal job is reported, not an error")
	assert.Equal(t, models.JobStateFailed, result.State)
	assert.Equal(t, "already terminal", result.Message)
}

func TestTerminalFailureRecordsCause(t *testing.T) {
	f := newFixture(t, nil)

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.NoError(t, err)
	f.conn.progress(10, 2.0)
	f.conn.failWith("CUDA out of memory")
	waitForState(t, f.store, job.ID, models.JobStateFailed)

	j, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "CUDA out of memory", j.FailureCause)
	assert.Nil(t, j.Quality, "failed jobs are never analyzed")
}

func TestConcurrentJobs_Isolation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	connA := newFakeConnector("pa")
	connA.providerID = "pa-1"
	connB := newFakeConnector("pb")
	connB.providerID = "pb-1"

	reg := newTestRegistry(t, connA, connB)
	store := repository.NewMemoryStore()
	artifacts, err := storage.NewArtifactStore(t.TempDir(), logger)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.CancelTimeout = 100 * time.Millisecond
	manager := NewManager(reg, store, artifacts, nil, opts, logger)
	t.Cleanup(manager.Close)

	jobA, err := manager.SubmitJob(context.Background(), testConfig(), "pa", "a", "")
	require.NoError(t, err)
	jobB, err := manager.SubmitJob(context.Background(), testConfig(), "pb", "b", "")
	require.NoError(t, err)

	connA.progress(10, 2.0)
	connB.progress(10, 2.0)
	waitForState(t, store, jobA.ID, models.JobStateRunning)
	waitForState(t, store, jobB.ID, models.JobStateRunning)

	before, err := store.GetJob(jobB.ID)
	require.NoError(t, err)

	// Fail A while B keeps streaming.
	connA.failWith("boom")
	waitForState(t, store, jobA.ID, models.JobStateFailed)
	for step := 20; step <= 100; step += 10 {
		connB.progress(step, 1.5)
	}

	after, err := store.GetJob(jobB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, after.State)
	assert.Equal(t, before.Provider, after.Provider)
	assert.Equal(t, before.ProviderJobID, after.ProviderJobID)
	assert.Empty(t, after.FailureCause, "job A's failure must not leak into job B")

	active, err := manager.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestSubscribe_DeliversMilestoneNotification(t *testing.T) {
	f := newFixture(t, nil)

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.NoError(t, err)

	events, unsubscribe, err := f.manager.Subscribe(job.ID, 64)
	require.NoError(t, err)
	defer unsubscribe()

	f.conn.progress(250, 1.5) // 25% of 1000

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == models.EventTypeNotification {
				assert.Equal(t, 25, ev.Notified.Milestone)
				return
			}
		case <-deadline:
			t.Fatal("milestone notification never delivered")
		}
	}
}

func TestStreamRetry_TransientErrorsDoNotFailJob(t *testing.T) {
	f := newFixture(t, nil)

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.NoError(t, err)
	f.conn.progress(10, 2.0)
	waitForState(t, f.store, job.ID, models.JobStateRunning)

	f.conn.breakStream()

	f.conn.progress(500, 1.0)
	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(job.ID)
		return err == nil && j.LatestStep() == 500
	}, 3*time.Second, 5*time.Millisecond)

	j, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, j.State)
}

func TestListJobs_Filtering(t *testing.T) {
	f := newFixture(t, nil)

	job, err := f.manager.SubmitJob(context.Background(), testConfig(), "p1", "run", "")
	require.NoError(t, err)

	byProvider, err := f.manager.ListJobs(repository.ListFilter{Provider: "p1"})
	require.NoError(t, err)
	require.Len(t, byProvider, 1)
	assert.Equal(t, job.ID, byProvider[0].ID)

	none, err := f.manager.ListJobs(repository.ListFilter{Provider: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
