package models

import "time"

// Job represents a fine-tuning run bound to exactly one provider.
type Job struct {
	ID            string
	Name          string
	Provider      string // Name of the bound connector, immutable once set
	ProviderJobID string // Opaque handle returned by the connector on submit
	Config        TrainingConfig
	State         JobState
	MetricHistory []MetricSnapshot // Append-only, step non-decreasing
	Milestones    []int            // Milestones already notified, grow-only
	Artifact      *Artifact
	Quality       *QualityAnalysis
	FailureCause  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
	SpecYAML      string // Original spec for replay/debug
}

// JobState represents the current state of a job.
type JobState string

const (
	JobStateCreated      JobState = "created"
	JobStateInitializing JobState = "initializing"
	JobStateRunning      JobState = "running"
	JobStatePaused       JobState = "paused"
	JobStateCompleted    JobState = "completed"
	JobStateFailed       JobState = "failed"
	JobStateStopped      JobState = "stopped"
)

// transitions is the allowed state graph. Terminal states have no successors.
var transitions = map[JobState][]JobState{
	JobStateCreated:      {JobStateInitializing, JobStateFailed},
	JobStateInitializing: {JobStateRunning, JobStateFailed, JobStateStopped},
	JobStateRunning:      {JobStatePaused, JobStateCompleted, JobStateFailed, JobStateStopped},
	JobStatePaused:       {JobStateRunning, JobStateStopped},
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state accepts no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateStopped
}

// Cancelable reports whether a cancel request is valid from this state.
func (s JobState) Cancelable() bool {
	return s == JobStateInitializing || s == JobStateRunning || s == JobStatePaused
}

// TrainingConfig is the frozen training configuration supplied at submission.
// It is never mutated after the job is created.
type TrainingConfig struct {
	BaseModel       string
	DatasetURI      string
	Algorithm       Algorithm
	Hyperparameters Hyperparameters
	OutputName      string
}

// Algorithm identifies the fine-tuning method.
type Algorithm string

const (
	AlgorithmLoRA  Algorithm = "lora"
	AlgorithmQLoRA Algorithm = "qlora"
	AlgorithmFull  Algorithm = "full"
)

// Hyperparameters are the tunables the connector hands to the training run.
type Hyperparameters struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	LoRARank     int
	LoRAAlpha    int
	TotalSteps   int
	MaxSeqLength int
}

// MetricSnapshot is one point of training telemetry keyed by step.
type MetricSnapshot struct {
	Step       int
	Loss       float64
	EvalLoss   float64
	GradNorm   float64
	Epoch      float64
	RecordedAt time.Time
}

// Artifact describes the verified trained output of a completed job.
// SHA256 is only ever written after verification succeeds.
type Artifact struct {
	Path      string
	SizeBytes int64
	SHA256    string
	CreatedAt time.Time
}

// Clone returns a deep copy of the job so readers never observe a record
// while its owning run mutates it.
func (j *Job) Clone() *Job {
	c := *j
	c.MetricHistory = append([]MetricSnapshot(nil), j.MetricHistory...)
	c.Milestones = append([]int(nil), j.Milestones...)
	if j.Artifact != nil {
		a := *j.Artifact
		c.Artifact = &a
	}
	if j.Quality != nil {
		c.Quality = j.Quality.clone()
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// LatestStep returns the highest step recorded in the metric history,
// or -1 when no metrics have been recorded.
func (j *Job) LatestStep() int {
	if len(j.MetricHistory) == 0 {
		return -1
	}
	return j.MetricHistory[len(j.MetricHistory)-1].Step
}

// MilestoneNotified reports whether the milestone was already emitted.
func (j *Job) MilestoneNotified(m int) bool {
	for _, n := range j.Milestones {
		if n == m {
			return true
		}
	}
	return false
}
