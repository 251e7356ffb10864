package repository

import (
	"fmt"
	"sync"
	"time"

	oerrors "github.com/Ankesh-007/peft-studio-sub012/core/errors"
	"github.com/Ankesh-007/peft-studio-sub012/core/models"
)

// MemoryStore is the in-process Job Record Store used when no database is
// configured, and by tests. Reads hand out deep copies so concurrent listing
// never observes a record while its owning run mutates it.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*models.Job
	events  map[string][]models.JobEvent
	eventID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*models.Job),
		events: make(map[string][]models.JobEvent),
	}
}

// CreateJob inserts a new job record and its creation event.
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job.Clone()
	s.appendEventLocked(job.ID, nil, job.State, "job_created", nil)
	return nil
}

// GetJob returns a snapshot copy of the job.
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, oerrors.ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns snapshot copies of jobs matching the filter.
func (s *MemoryStore) ListJobs(filter ListFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Job
	for _, job := range s.jobs {
		if filter.Provider != "" && job.Provider != filter.Provider {
			continue
		}
		if filter.State != nil && job.State != *filter.State {
			continue
		}
		out = append(out, job.Clone())
	}
	return out, nil
}

// CountActive returns the number of jobs in a non-terminal state.
func (s *MemoryStore) CountActive() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, job := range s.jobs {
		if !job.State.Terminal() {
			count++
		}
	}
	return count, nil
}

// UpdateJobState transitions a job along the allowed graph and records the
// event. Started/completed timestamps are set at most once.
func (s *MemoryStore) UpdateJobState(jobID string, from, to models.JobState, reason string, meta map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return oerrors.ErrJobNotFound
	}
	if job.State != from {
		return fmt.Errorf("job %s is %s, not %s", jobID, job.State, from)
	}
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", from, to, jobID)
	}

	now := time.Now()
	job.State = to
	job.UpdatedAt = now
	if to == models.JobStateRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.Terminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	s.appendEventLocked(jobID, &from, to, reason, meta)
	return nil
}

// SetProviderJobID binds the provider handle. Write-once.
func (s *MemoryStore) SetProviderJobID(jobID, providerJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return oerrors.ErrJobNotFound
	}
	if job.ProviderJobID != "" {
		return fmt.Errorf("job %s already bound to provider job %s", jobID, job.ProviderJobID)
	}
	job.ProviderJobID = providerJobID
	job.UpdatedAt = time.Now()
	return nil
}

// AppendMetric appends a snapshot to the job's metric history, rejecting
// steps below the high-water mark.
func (s *MemoryStore) AppendMetric(jobID string, m models.MetricSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return oerrors.ErrJobNotFound
	}
	if last := job.LatestStep(); m.Step < last {
		return fmt.Errorf("step %d below high-water mark %d for job %s", m.Step, last, jobID)
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	job.MetricHistory = append(job.MetricHistory, m)
	job.UpdatedAt = time.Now()
	return nil
}

// MarkMilestone records a milestone as notified. Returns false when the
// milestone was already present.
func (s *MemoryStore) MarkMilestone(jobID string, milestone int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, oerrors.ErrJobNotFound
	}
	if job.MilestoneNotified(milestone) {
		return false, nil
	}
	job.Milestones = append(job.Milestones, milestone)
	job.UpdatedAt = time.Now()
	return true, nil
}

// SetArtifact records the verified artifact descriptor. Write-once.
func (s *MemoryStore) SetArtifact(jobID string, a models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return oerrors.ErrJobNotFound
	}
	if job.Artifact != nil {
		return fmt.Errorf("job %s already has an artifact", jobID)
	}
	job.Artifact = &a
	job.UpdatedAt = time.Now()
	return nil
}

// SetQuality records the quality analysis. Write-once.
func (s *MemoryStore) SetQuality(jobID string, q models.QualityAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return oerrors.ErrJobNotFound
	}
	if job.Quality != nil {
		return fmt.Errorf("job %s already analyzed", jobID)
	}
	job.Quality = &q
	job.UpdatedAt = time.Now()
	return nil
}

// SetFailureCause records the captured cause on a failed job.
func (s *MemoryStore) SetFailureCause(jobID, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return oerrors.ErrJobNotFound
	}
	job.FailureCause = cause
	job.UpdatedAt = time.Now()
	return nil
}

// GetJobEvents returns the transition audit trail, newest first.
func (s *MemoryStore) GetJobEvents(jobID string, limit int) ([]models.JobEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[jobID]
	out := make([]models.JobEvent, 0, len(events))
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, events[i])
	}
	return out, nil
}

func (s *MemoryStore) appendEventLocked(jobID string, from *models.JobState, to models.JobState, reason string, meta map[string]interface{}) {
	s.eventID++
	s.events[jobID] = append(s.events[jobID], models.JobEvent{
		ID:        s.eventID,
		JobID:     jobID,
		At:        time.Now(),
		FromState: from,
		ToState:   to,
		Reason:    reason,
		MetaJSON:  meta,
	})
}
