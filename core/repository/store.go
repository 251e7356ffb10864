package repository

import (
	"github.com/Ankesh-007/peft-studio-sub012/core/models"
)

// ListFilter narrows aggregate job queries. Zero values match everything.
type ListFilter struct {
	Provider string
	State    *models.JobState
}

// Store is the Job Record Store: one record per job id, append-only metric
// history, write-once artifact and quality fields. All mutations to a record
// go through its single owning orchestrator run; reads return snapshots so
// aggregate queries never observe a record mid-mutation.
type Store interface {
	// CreateJob inserts a new job record and its creation event.
	CreateJob(job *models.Job) error

	// GetJob returns a snapshot copy of the job, or ErrJobNotFound.
	GetJob(id string) (*models.Job, error)

	// ListJobs returns snapshot copies of jobs matching the filter.
	ListJobs(filter ListFilter) ([]*models.Job, error)

	// CountActive returns the number of jobs in a non-terminal state.
	CountActive() (int, error)

	// UpdateJobState transitions a job, records the event, and maintains
	// the started/completed timestamps (each set at most once).
	UpdateJobState(jobID string, from, to models.JobState, reason string, meta map[string]interface{}) error

	// SetProviderJobID binds the provider handle. Write-once.
	SetProviderJobID(jobID, providerJobID string) error

	// AppendMetric appends a snapshot to the job's metric history.
	// Steps below the recorded high-water mark are rejected.
	AppendMetric(jobID string, m models.MetricSnapshot) error

	// MarkMilestone records a milestone as notified. Idempotent; reports
	// whether the milestone was newly added.
	MarkMilestone(jobID string, milestone int) (bool, error)

	// SetArtifact records the verified artifact descriptor. Write-once.
	SetArtifact(jobID string, a models.Artifact) error

	// SetQuality records the quality analysis. Write-once.
	SetQuality(jobID string, q models.QualityAnalysis) error

	// SetFailureCause records the captured cause on a failed job.
	SetFailureCause(jobID, cause string) error

	// GetJobEvents returns the transition audit trail, newest first.
	GetJobEvents(jobID string, limit int) ([]models.JobEvent, error)
}
