package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	oerrors "github.com/Ankesh-007/peft-studio-sub012/core/errors"
	"github.com/Ankesh-007/peft-studio-sub012/core/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JobRepository is the Postgres-backed Job Record Store.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob inserts a new job record and its creation event.
func (r *JobRepository) CreateJob(job *models.Job) error {
	query := `
		INSERT INTO jobs (
			id, name, provider, provider_job_id, state, base_model, dataset_uri,
			algorithm, epochs, batch_size, learning_rate, lora_rank, lora_alpha,
			total_steps, max_seq_length, output_name, spec_yaml, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
	`

	jobID := uuid.New()
	if job.ID != "" {
		var err error
		jobID, err = uuid.Parse(job.ID)
		if err != nil {
			return err
		}
	}

	now := time.Now()
	hp := job.Config.Hyperparameters
	_, err := r.db.Exec(query,
		jobID,
		job.Name,
		job.Provider,
		job.ProviderJobID,
		job.State,
		job.Config.BaseModel,
		job.Config.DatasetURI,
		job.Config.Algorithm,
		hp.Epochs,
		hp.BatchSize,
		hp.LearningRate,
		hp.LoRARank,
		hp.LoRAAlpha,
		hp.TotalSteps,
		hp.MaxSeqLength,
		job.Config.OutputName,
		job.SpecYAML,
		now,
		now,
	)
	if err != nil {
		return err
	}

	job.ID = jobID.String()
	job.CreatedAt = now
	job.UpdatedAt = now

	return r.createJobEvent(job.ID, nil, job.State, "job_created", nil)
}

// GetJob retrieves a snapshot of a job by ID, including its metric history.
func (r *JobRepository) GetJob(id string) (*models.Job, error) {
	query := `
		SELECT id, name, provider, provider_job_id, state, base_model, dataset_uri,
			algorithm, epochs, batch_size, learning_rate, lora_rank, lora_alpha,
			total_steps, max_seq_length, output_name, failure_cause, milestones,
			artifact_path, artifact_size_bytes, artifact_sha256, artifact_created_at,
			quality_json, spec_yaml, created_at, started_at, completed_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	job, err := r.scanJob(r.db.QueryRow(query, id))
	if err != nil {
		return nil, err
	}

	job.MetricHistory, err = r.getMetrics(id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns snapshots of jobs matching the filter. Metric history is
// not loaded for aggregate listings.
func (r *JobRepository) ListJobs(filter ListFilter) ([]*models.Job, error) {
	query := `
		SELECT id, name, provider, provider_job_id, state, base_model, dataset_uri,
			algorithm, epochs, batch_size, learning_rate, lora_rank, lora_alpha,
			total_steps, max_seq_length, output_name, failure_cause, milestones,
			artifact_path, artifact_size_bytes, artifact_sha256, artifact_created_at,
			quality_json, spec_yaml, created_at, started_at, completed_at, updated_at
		FROM jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIndex := 1

	if filter.Provider != "" {
		query += fmt.Sprintf(" AND provider = $%d", argIndex)
		args = append(args, filter.Provider)
		argIndex++
	}
	if filter.State != nil {
		query += fmt.Sprintf(" AND state = $%d", argIndex)
		args = append(args, *filter.State)
		argIndex++
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountActive returns the number of jobs in a non-terminal state.
func (r *JobRepository) CountActive() (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE state NOT IN ($1, $2, $3)`
	var count int
	err := r.db.QueryRow(query,
		models.JobStateCompleted, models.JobStateFailed, models.JobStateStopped,
	).Scan(&count)
	return count, err
}

// UpdateJobState transitions a job atomically with event logging. The guard
// on the current state makes an out-of-graph or stale transition a no-op
// error instead of a lost update.
func (r *JobRepository) UpdateJobState(jobID string, from, to models.JobState, reason string, meta map[string]interface{}) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", from, to, jobID)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	update := `
		UPDATE jobs
		SET state = $1,
			started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $1 IN ('completed', 'failed', 'stopped') AND completed_at IS NULL THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $2 AND state = $3
	`
	res, err := tx.Exec(update, to, jobID, from)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s is not in state %s", jobID, from)
	}

	if err := r.createJobEventTx(tx, jobID, &from, to, reason, meta); err != nil {
		return err
	}
	return tx.Commit()
}

// SetProviderJobID binds the provider handle. Write-once.
func (r *JobRepository) SetProviderJobID(jobID, providerJobID string) error {
	query := `UPDATE jobs SET provider_job_id = $1, updated_at = NOW() WHERE id = $2 AND provider_job_id = ''`
	res, err := r.db.Exec(query, providerJobID, jobID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s already bound to a provider job", jobID)
	}
	return nil
}

// AppendMetric appends a snapshot to the job's metric history.
func (r *JobRepository) AppendMetric(jobID string, m models.MetricSnapshot) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	query := `
		INSERT INTO job_metrics (job_id, step, loss, eval_loss, grad_norm, epoch, recorded_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM job_metrics WHERE job_id = $1 AND step > $2
		)
	`
	res, err := r.db.Exec(query, jobID, m.Step, m.Loss, m.EvalLoss, m.GradNorm, m.Epoch, m.RecordedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("step %d below high-water mark for job %s", m.Step, jobID)
	}
	return nil
}

// MarkMilestone records a milestone as notified. Idempotent.
func (r *JobRepository) MarkMilestone(jobID string, milestone int) (bool, error) {
	query := `
		UPDATE jobs
		SET milestones = array_append(milestones, $1), updated_at = NOW()
		WHERE id = $2 AND NOT ($1 = ANY(milestones))
	`
	res, err := r.db.Exec(query, milestone, jobID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetArtifact records the verified artifact descriptor. Write-once.
func (r *JobRepository) SetArtifact(jobID string, a models.Artifact) error {
	query := `
		UPDATE jobs
		SET artifact_path = $1, artifact_size_bytes = $2, artifact_sha256 = $3,
			artifact_created_at = $4, updated_at = NOW()
		WHERE id = $5 AND artifact_sha256 IS NULL
	`
	res, err := r.db.Exec(query, a.Path, a.SizeBytes, a.SHA256, a.CreatedAt, jobID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s already has an artifact", jobID)
	}
	return nil
}

// SetQuality records the quality analysis. Write-once.
func (r *JobRepository) SetQuality(jobID string, q models.QualityAnalysis) error {
	qJSON, err := json.Marshal(q)
	if err != nil {
		return err
	}
	query := `UPDATE jobs SET quality_json = $1, updated_at = NOW() WHERE id = $2 AND quality_json IS NULL`
	res, err := r.db.Exec(query, qJSON, jobID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s already analyzed", jobID)
	}
	return nil
}

// SetFailureCause records the captured cause on a failed job.
func (r *JobRepository) SetFailureCause(jobID, cause string) error {
	query := `UPDATE jobs SET failure_cause = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.Exec(query, cause, jobID)
	return err
}

// GetJobEvents retrieves the transition audit trail, newest first.
func (r *JobRepository) GetJobEvents(jobID string, limit int) ([]models.JobEvent, error) {
	query := `
		SELECT id, job_id, at, from_state, to_state, reason, meta_json
		FROM job_events
		WHERE job_id = $1
		ORDER BY at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(query, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var event models.JobEvent
		var fromState sql.NullString
		var metaJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.JobID,
			&event.At,
			&fromState,
			&event.ToState,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, err
		}

		if fromState.Valid {
			state := models.JobState(fromState.String)
			event.FromState = &state
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &event.MetaJSON)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *JobRepository) createJobEvent(jobID string, from *models.JobState, to models.JobState, reason string, meta map[string]interface{}) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.createJobEventTx(tx, jobID, from, to, reason, meta); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *JobRepository) createJobEventTx(tx *sql.Tx, jobID string, from *models.JobState, to models.JobState, reason string, meta map[string]interface{}) error {
	query := `
		INSERT INTO job_events (job_id, from_state, to_state, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5)
	`

	var fromStr *string
	if from != nil {
		s := string(*from)
		fromStr = &s
	}

	var metaJSON []byte
	if meta != nil {
		var err error
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return err
		}
	}

	_, err := tx.Exec(query, jobID, fromStr, to, reason, metaJSON)
	return err
}

func (r *JobRepository) getMetrics(jobID string) ([]models.MetricSnapshot, error) {
	query := `
		SELECT step, loss, eval_loss, grad_norm, epoch, recorded_at
		FROM job_metrics
		WHERE job_id = $1
		ORDER BY step ASC, id ASC
	`
	rows, err := r.db.Query(query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []models.MetricSnapshot
	for rows.Next() {
		var m models.MetricSnapshot
		if err := rows.Scan(&m.Step, &m.Loss, &m.EvalLoss, &m.GradNorm, &m.Epoch, &m.RecordedAt); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *JobRepository) scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var milestones pq.Int64Array
	var artifactPath sql.NullString
	var artifactSize sql.NullInt64
	var artifactSHA sql.NullString
	var artifactCreated sql.NullTime
	var qualityJSON []byte
	var startedAt sql.NullTime
	var completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Provider,
		&job.ProviderJobID,
		&job.State,
		&job.Config.BaseModel,
		&job.Config.DatasetURI,
		&job.Config.Algorithm,
		&job.Config.Hyperparameters.Epochs,
		&job.Config.Hyperparameters.BatchSize,
		&job.Config.Hyperparameters.LearningRate,
		&job.Config.Hyperparameters.LoRARank,
		&job.Config.Hyperparameters.LoRAAlpha,
		&job.Config.Hyperparameters.TotalSteps,
		&job.Config.Hyperparameters.MaxSeqLength,
		&job.Config.OutputName,
		&job.FailureCause,
		&milestones,
		&artifactPath,
		&artifactSize,
		&artifactSHA,
		&artifactCreated,
		&qualityJSON,
		&job.SpecYAML,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, oerrors.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	for _, m := range milestones {
		job.Milestones = append(job.Milestones, int(m))
	}
	if artifactSHA.Valid {
		job.Artifact = &models.Artifact{
			Path:      artifactPath.String,
			SizeBytes: artifactSize.Int64,
			SHA256:    artifactSHA.String,
			CreatedAt: artifactCreated.Time,
		}
	}
	if len(qualityJSON) > 0 {
		var q models.QualityAnalysis
		if err := json.Unmarshal(qualityJSON, &q); err == nil {
			job.Quality = &q
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}
