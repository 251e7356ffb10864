package monitoring

import (
	"fmt"

	"github.com/Ankesh-007/peft-studio-sub012/core/models"
	"github.com/Ankesh-007/peft-studio-sub012/core/repository"

	"go.uber.org/zap"
)

// Milestones are the fixed progress thresholds eligible for a one-time
// notification.
var Milestones = []int{25, 50, 75, 100}

// CrossedMilestones returns the milestones M satisfying
// previousPct < M <= currentPct for the given step pair, in increasing
// order. A non-positive totalSteps crosses nothing.
func CrossedMilestones(previousStep, currentStep, totalSteps int) []int {
	if totalSteps <= 0 {
		return nil
	}
	previousPct := 100 * previousStep / totalSteps
	currentPct := 100 * currentStep / totalSteps

	var crossed []int
	for _, m := range Milestones {
		if previousPct < m && m <= currentPct {
			crossed = append(crossed, m)
		}
	}
	return crossed
}

// MilestoneEngine consumes a job's metric events from the multiplexer and
// emits each milestone notification at most once. Idempotency under
// duplicate or replayed progress events comes from the job record's
// grow-only milestone set, which the store updates atomically.
type MilestoneEngine struct {
	jobID      string
	jobName    string
	totalSteps int
	store      repository.Store
	mux        *Multiplexer
	logger     *zap.Logger

	prevStep int
}

// NewMilestoneEngine creates a milestone engine for one job.
func NewMilestoneEngine(jobID, jobName string, totalSteps int, store repository.Store, mux *Multiplexer, logger *zap.Logger) *MilestoneEngine {
	return &MilestoneEngine{
		jobID:      jobID,
		jobName:    jobName,
		totalSteps: totalSteps,
		store:      store,
		mux:        mux,
		logger:     logger,
	}
}

// Run consumes metric events until the subscription channel closes. It is
// meant to run on its own goroutine, one per job.
func (e *MilestoneEngine) Run(events <-chan models.Event) {
	for ev := range events {
		if ev.Type != models.EventTypeMetrics || ev.Metrics == nil {
			continue
		}
		e.Observe(ev.Metrics.Step)
	}
}

// Observe advances the engine to the given step, emitting a notification for
// each newly crossed, not-yet-notified milestone.
func (e *MilestoneEngine) Observe(step int) {
	crossed := CrossedMilestones(e.prevStep, step, e.totalSteps)
	if step > e.prevStep {
		e.prevStep = step
	}

	for _, m := range crossed {
		added, err := e.store.MarkMilestone(e.jobID, m)
		if err != nil {
			e.logger.Warn("failed to record milestone",
				zap.String("job_id", e.jobID),
				zap.Int("milestone", m),
				zap.Error(err))
			continue
		}
		if !added {
			// Already notified earlier, e.g. a replayed stream.
			continue
		}

		e.mux.PublishNotification(models.Notification{
			JobID:     e.jobID,
			Milestone: m,
			Title:     notificationTitle(e.jobName, m),
			Message:   fmt.Sprintf("Training reached %d%% (%d of %d steps)", m, step, e.totalSteps),
		})
		e.logger.Info("milestone notified",
			zap.String("job_id", e.jobID),
			zap.Int("milestone", m))
	}
}

func notificationTitle(jobName string, milestone int) string {
	if milestone == 100 {
		return fmt.Sprintf("%s: training complete", jobName)
	}
	return fmt.Sprintf("%s: %d%% complete", jobName, milestone)
}
