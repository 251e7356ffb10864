package models

// TrainingResult summarizes a completed run for quality analysis.
// It is derived from the job's metric history.
type TrainingResult struct {
	InitialLoss         float64
	FinalLoss           float64
	FinalEvalLoss       float64
	ConvergenceAchieved bool
	GradientStable      bool
	LossStillDecreasing bool
	EpochsCompleted     int
	StepsCompleted      int
}

// QualityAnalysis is the deterministic post-training assessment,
// computed exactly once per completed job.
type QualityAnalysis struct {
	Score       int // 0-100
	Factors     QualityFactors
	Suggestions []Suggestion
}

// QualityFactors breaks the score into its independently bounded parts.
type QualityFactors struct {
	LossReduction int // 0-30
	Convergence   int // 0-25
	Stability     int // 0-20
	Overfitting   int // 0-15
	Efficiency    int // 0-10
}

// SuggestionCategory classifies a tuning suggestion.
type SuggestionCategory string

const (
	SuggestionConvergence  SuggestionCategory = "convergence"
	SuggestionOverfitting  SuggestionCategory = "overfitting"
	SuggestionUnderfitting SuggestionCategory = "underfitting"
	SuggestionEfficiency   SuggestionCategory = "efficiency"
	SuggestionStability    SuggestionCategory = "stability"
)

// SuggestionPriority orders suggestions by urgency.
type SuggestionPriority string

const (
	PriorityHigh   SuggestionPriority = "high"
	PriorityMedium SuggestionPriority = "medium"
	PriorityLow    SuggestionPriority = "low"
)

// Suggestion is one actionable tuning recommendation.
type Suggestion struct {
	Category SuggestionCategory
	Priority SuggestionPriority
	Message  string
}

func (q *QualityAnalysis) clone() *QualityAnalysis {
	c := *q
	c.Suggestions = append([]Suggestion(nil), q.Suggestions...)
	return &c
}
