package analysis

import (
	"testing"
	"time"

	"github.com/Ankesh-007/peft-studio-sub012/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze_Deterministic(t *testing.T) {
	result := models.TrainingResult{
		InitialLoss:         2.1,
		FinalLoss:           0.35,
		FinalEvalLoss:       0.38,
		ConvergenceAchieved: true,
		GradientStable:      true,
		EpochsCompleted:     3,
		StepsCompleted:      1000,
	}

	first := Analyze(result)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Analyze(result))
	}
}

func TestAnalyze_GoodRunScoresHigh(t *testing.T) {
	// >80% loss reduction, converged, stable: the score must clear 70 with
	// no high-priority convergence or stability suggestions.
	result := models.TrainingResult{
		InitialLoss:         2.1,
		FinalLoss:           0.35,
		ConvergenceAchieved: true,
		GradientStable:      true,
		EpochsCompleted:     3,
	}

	q := Analyze(result)
	assert.GreaterOrEqual(t, q.Score, 70)
	for _, s := range q.Suggestions {
		if s.Priority != models.PriorityHigh {
			continue
		}
		assert.NotEqual(t, models.SuggestionConvergence, s.Category)
		assert.NotEqual(t, models.SuggestionStability, s.Category)
	}
}

func TestAnalyze_LossReductionBands(t *testing.T) {
	tests := []struct {
		name        string
		initial     float64
		final       float64
		wantFactor  int
	}{
		{"above 80 percent", 1.0, 0.1, 30},
		{"above 60 percent", 1.0, 0.35, 25},
		{"above 40 percent", 1.0, 0.55, 20},
		{"above 20 percent", 1.0, 0.75, 10},
		{"barely moved", 1.0, 0.95, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Analyze(models.TrainingResult{
				InitialLoss:         tt.initial,
				FinalLoss:           tt.final,
				ConvergenceAchieved: true,
				GradientStable:      true,
				EpochsCompleted:     1,
			})
			assert.Equal(t, tt.wantFactor, q.Factors.LossReduction)
		})
	}
}

func TestAnalyze_SuggestionsCarryCategoryAndPriority(t *testing.T) {
	// A poor run trips every suggestion path.
	q := Analyze(models.TrainingResult{
		InitialLoss:         1.0,
		FinalLoss:           0.98,
		FinalEvalLoss:       1.5,
		ConvergenceAchieved: false,
		LossStillDecreasing: true,
		GradientStable:      false,
		EpochsCompleted:     5,
	})

	categories := map[models.SuggestionCategory]bool{}
	for _, s := range q.Suggestions {
		require.NotEmpty(t, s.Category)
		require.NotEmpty(t, s.Priority)
		require.NotEmpty(t, s.Message)
		categories[s.Category] = true
	}
	assert.True(t, categories[models.SuggestionConvergence])
	assert.True(t, categories[models.SuggestionStability])
	assert.True(t, categories[models.SuggestionOverfitting])
	assert.True(t, categories[models.SuggestionEfficiency])
}

func TestAnalyze_ConvergenceFactor(t *testing.T) {
	converged := Analyze(models.TrainingResult{
		InitialLoss: 1, FinalLoss: 0.2, ConvergenceAchieved: true, GradientStable: true, EpochsCompleted: 1,
	})
	assert.Equal(t, 25, converged.Factors.Convergence)

	diverged := Analyze(models.TrainingResult{
		InitialLoss: 1, FinalLoss: 0.2, ConvergenceAchieved: false, GradientStable: true, EpochsCompleted: 1,
	})
	assert.Equal(t, 10, diverged.Factors.Convergence)
}

func TestAnalyze_OverfittingBands(t *testing.T) {
	mk := func(final, eval float64) models.QualityAnalysis {
		return Analyze(models.TrainingResult{
			InitialLoss: 2, FinalLoss: final, FinalEvalLoss: eval,
			ConvergenceAchieved: true, GradientStable: true, EpochsCompleted: 1,
		})
	}

	assert.Equal(t, 15, mk(1.0, 1.05).Factors.Overfitting) // gap 5%
	assert.Equal(t, 10, mk(1.0, 1.2).Factors.Overfitting)  // gap 20%
	assert.Equal(t, 0, mk(1.0, 1.5).Factors.Overfitting)   // gap 50%
	assert.Equal(t, 15, mk(1.0, 0).Factors.Overfitting)    // no eval loss recorded
}

func TestResultFromHistory(t *testing.T) {
	cfg := models.TrainingConfig{
		Hyperparameters: models.Hyperparameters{Epochs: 2, TotalSteps: 100},
	}

	var history []models.MetricSnapshot
	for step := 10; step <= 100; step += 10 {
		progress := float64(step) / 100
		history = append(history, models.MetricSnapshot{
			Step:       step,
			Loss:       2.0 - 1.6*progress,
			EvalLoss:   2.1 - 1.6*progress,
			GradNorm:   1.0,
			Epoch:      2 * progress,
			RecordedAt: time.Now(),
		})
	}

	r := ResultFromHistory(history, cfg)
	assert.InDelta(t, 1.84, r.InitialLoss, 0.001)
	assert.InDelta(t, 0.4, r.FinalLoss, 0.001)
	assert.Equal(t, 100, r.StepsCompleted)
	assert.Equal(t, 2, r.EpochsCompleted)
	assert.True(t, r.GradientStable)
}

func TestResultFromHistory_Empty(t *testing.T) {
	r := ResultFromHistory(nil, models.TrainingConfig{})
	assert.Zero(t, r)
}

func TestResultFromHistory_UnstableGradients(t *testing.T) {
	history := []models.MetricSnapshot{
		{Step: 1, Loss: 2.0, GradNorm: 1.0},
		{Step: 2, Loss: 1.8, GradNorm: 1.2},
		{Step: 3, Loss: 5.0, GradNorm: 50.0},
		{Step: 4, Loss: 1.4, GradNorm: 1.1},
	}
	r := ResultFromHistory(history, models.TrainingConfig{})
	assert.False(t, r.GradientStable)
}
