// Package analysis scores completed training runs. Analyze is a pure
// function: identical inputs always produce identical scores and
// suggestions, so results are regression-testable.
package analysis

import (
	"github.com/Ankesh-007/peft-studio-sub012/core/models"
)

// Analyze computes the 0-100 quality score for a completed run as the sum
// of five independently bounded factors, with tuning suggestions attached
// where a factor scored poorly.
func Analyze(r models.TrainingResult) models.QualityAnalysis {
	var (
		factors     models.QualityFactors
		suggestions []models.Suggestion
	)

	// Loss reduction, 0-30.
	reduction := 0.0
	if r.InitialLoss > 0 {
		reduction = (r.InitialLoss - r.FinalLoss) / r.InitialLoss
	}
	switch {
	case reduction > 0.8:
		factors.LossReduction = 30
	case reduction > 0.6:
		factors.LossReduction = 25
	case reduction > 0.4:
		factors.LossReduction = 20
	case reduction > 0.2:
		factors.LossReduction = 10
	default:
		factors.LossReduction = 5
		suggestions = append(suggestions, models.Suggestion{
			Category: models.SuggestionUnderfitting,
			Priority: models.PriorityHigh,
			Message:  "Loss barely moved; check the dataset formatting and consider a higher learning rate or more epochs",
		})
	}

	// Convergence, 0-25.
	if r.ConvergenceAchieved {
		factors.Convergence = 25
	} else {
		factors.Convergence = 10
		if r.LossStillDecreasing {
			suggestions = append(suggestions, models.Suggestion{
				Category: models.SuggestionConvergence,
				Priority: models.PriorityMedium,
				Message:  "Loss was still decreasing at the end of training; increase epochs to let the run converge",
			})
		}
	}

	// Gradient/training stability, 0-20.
	if r.GradientStable {
		factors.Stability = 20
	} else {
		factors.Stability = 5
		suggestions = append(suggestions, models.Suggestion{
			Category: models.SuggestionStability,
			Priority: models.PriorityHigh,
			Message:  "Gradient norms were unstable; enable gradient clipping or lower the learning rate",
		})
	}

	// Overfitting gap between train and eval loss, 0-15.
	gap := overfitGap(r)
	switch {
	case gap < 0.1:
		factors.Overfitting = 15
	case gap < 0.3:
		factors.Overfitting = 10
	default:
		factors.Overfitting = 0
		suggestions = append(suggestions, models.Suggestion{
			Category: models.SuggestionOverfitting,
			Priority: models.PriorityHigh,
			Message:  "Large train/eval loss gap; add regularization, reduce epochs, or grow the dataset",
		})
	}

	// Training efficiency, loss reduction per epoch, 0-10.
	perEpoch := 0.0
	if r.EpochsCompleted > 0 {
		perEpoch = (r.InitialLoss - r.FinalLoss) / float64(r.EpochsCompleted)
	}
	switch {
	case perEpoch > 0.1:
		factors.Efficiency = 10
	case perEpoch > 0.05:
		factors.Efficiency = 7
	default:
		factors.Efficiency = 3
		suggestions = append(suggestions, models.Suggestion{
			Category: models.SuggestionEfficiency,
			Priority: models.PriorityLow,
			Message:  "Slow loss reduction per epoch; a larger learning rate or batch size may train faster",
		})
	}

	score := factors.LossReduction + factors.Convergence + factors.Stability +
		factors.Overfitting + factors.Efficiency

	return models.QualityAnalysis{
		Score:       score,
		Factors:     factors,
		Suggestions: suggestions,
	}
}

// overfitGap returns the relative eval-over-train loss excess. A missing
// eval loss counts as no gap rather than penalizing the run.
func overfitGap(r models.TrainingResult) float64 {
	if r.FinalEvalLoss <= 0 || r.FinalLoss <= 0 {
		return 0
	}
	gap := (r.FinalEvalLoss - r.FinalLoss) / r.FinalLoss
	if gap < 0 {
		return 0
	}
	return gap
}

// ResultFromHistory derives the TrainingResult for a job from its recorded
// metric history and config.
func ResultFromHistory(history []models.MetricSnapshot, cfg models.TrainingConfig) models.TrainingResult {
	if len(history) == 0 {
		return models.TrainingResult{}
	}

	first := history[0]
	last := history[len(history)-1]

	r := models.TrainingResult{
		InitialLoss:     first.Loss,
		FinalLoss:       last.Loss,
		FinalEvalLoss:   last.EvalLoss,
		EpochsCompleted: cfg.Hyperparameters.Epochs,
		StepsCompleted:  last.Step,
	}
	if last.Epoch > 0 {
		r.EpochsCompleted = int(last.Epoch)
	}

	// Converged when the tail of the run is flat: the loss over the last
	// quarter of recorded history moved by less than 2% of its value.
	tail := history[len(history)*3/4:]
	if len(tail) >= 2 {
		delta := tail[0].Loss - tail[len(tail)-1].Loss
		if tail[0].Loss > 0 && delta/tail[0].Loss < 0.02 {
			r.ConvergenceAchieved = true
		} else if delta > 0 {
			r.LossStillDecreasing = true
		}
	}

	// Stable when no recorded gradient norm blew past 10x the median-ish
	// early norm. Runs that never report norms count as stable.
	r.GradientStable = true
	base := first.GradNorm
	if base > 0 {
		for _, m := range history {
			if m.GradNorm > base*10 {
				r.GradientStable = false
				break
			}
		}
	}

	return r
}
