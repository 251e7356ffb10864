// Package local implements the connector contract for the local GPU.
// Training is simulated in-process: the run advances on a ticker and emits a
// deterministic decaying loss curve. It is the only provider supporting
// pause and resume.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Ankesh-007/peft-studio-sub012/core/connector"
	"github.com/Ankesh-007/peft-studio-sub012/core/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Connector is the local-GPU provider adapter.
type Connector struct {
	stepInterval time.Duration
	stepsPerTick int
	logger       *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	cfg       models.TrainingConfig
	step      int
	paused    bool
	canceled  bool
	finalSent bool
}

// Option configures the connector.
type Option func(*Connector)

// WithStepInterval sets the simulated time between progress ticks.
func WithStepInterval(d time.Duration) Option {
	return func(c *Connector) { c.stepInterval = d }
}

// WithStepsPerTick sets how many steps each tick advances.
func WithStepsPerTick(n int) Option {
	return func(c *Connector) { c.stepsPerTick = n }
}

// New creates a local connector.
func New(logger *zap.Logger, opts ...Option) *Connector {
	c := &Connector{
		stepInterval: time.Second,
		stepsPerTick: 10,
		logger:       logger,
		runs:         make(map[string]*run),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *Connector) Name() string { return "local" }

// Validate checks the connector is usable. The simulated backend always is.
func (c *Connector) Validate() error { return nil }

// Submit starts a simulated training run.
func (c *Connector) Submit(_ context.Context, cfg models.TrainingConfig) (string, error) {
	if cfg.Hyperparameters.TotalSteps <= 0 {
		return "", fmt.Errorf("total steps must be positive")
	}

	id := "local-" + uuid.New().String()

	c.mu.Lock()
	c.runs[id] = &run{cfg: cfg}
	c.mu.Unlock()

	c.logger.Info("local training run started",
		zap.String("provider_job_id", id),
		zap.String("base_model", cfg.BaseModel),
		zap.Int("total_steps", cfg.Hyperparameters.TotalSteps))
	return id, nil
}

// Stream emits progress for a run until it finishes, is canceled, or ctx is
// done. The sequence is restartable: a new call resumes from the run's
// current step.
func (c *Connector) Stream(ctx context.Context, providerJobID string) (<-chan connector.StatusUpdate, error) {
	c.mu.Lock()
	r, ok := c.runs[providerJobID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown run %s", providerJobID)
	}

	out := make(chan connector.StatusUpdate)
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.stepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			update, terminal := c.advance(r)
			if update == nil {
				continue // paused
			}

			select {
			case out <- *update:
			case <-ctx.Done():
				return
			}
			if terminal {
				return
			}
		}
	}()
	return out, nil
}

// advance moves the run forward one tick and builds its status update.
func (c *Connector) advance(r *run) (*connector.StatusUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.canceled {
		return &connector.StatusUpdate{
			Terminal: &connector.Terminal{Completed: false, Cause: "canceled"},
		}, true
	}
	if r.paused {
		return nil, false
	}
	if r.finalSent {
		return &connector.StatusUpdate{
			Terminal: &connector.Terminal{Completed: true},
		}, true
	}

	total := r.cfg.Hyperparameters.TotalSteps
	r.step += c.stepsPerTick
	if r.step >= total {
		r.step = total
		// Final snapshot and terminal marker travel as separate updates;
		// the orchestrator sees the 100% metrics before completion.
		r.finalSent = true
	}

	snap := simulatedSnapshot(r.step, total, r.cfg)
	return &connector.StatusUpdate{Metrics: &snap}, false
}

// simulatedSnapshot produces the deterministic loss curve point for a step.
func simulatedSnapshot(step, total int, cfg models.TrainingConfig) models.MetricSnapshot {
	progress := float64(step) / float64(total)
	initial := 2.4
	loss := initial * (0.12 + 0.88*math.Exp(-3.2*progress))
	return models.MetricSnapshot{
		Step:       step,
		Loss:       loss,
		EvalLoss:   loss * 1.06,
		GradNorm:   0.9 + 0.2*math.Sin(float64(step)),
		Epoch:      progress * float64(cfg.Hyperparameters.Epochs),
		RecordedAt: time.Now(),
	}
}

// Cancel stops a simulated run.
func (c *Connector) Cancel(_ context.Context, providerJobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[providerJobID]
	if !ok {
		return fmt.Errorf("unknown run %s", providerJobID)
	}
	r.canceled = true
	return nil
}

// Pause suspends a simulated run in place.
func (c *Connector) Pause(_ context.Context, providerJobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[providerJobID]
	if !ok {
		return fmt.Errorf("unknown run %s", providerJobID)
	}
	r.paused = true
	return nil
}

// Resume continues a paused run.
func (c *Connector) Resume(_ context.Context, providerJobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[providerJobID]
	if !ok {
		return fmt.Errorf("unknown run %s", providerJobID)
	}
	r.paused = false
	return nil
}

// FetchArtifact returns the simulated adapter bytes and their declared hash.
func (c *Connector) FetchArtifact(_ context.Context, providerJobID string) ([]byte, string, error) {
	c.mu.Lock()
	r, ok := c.runs[providerJobID]
	c.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("unknown run %s", providerJobID)
	}
	if r.step < r.cfg.Hyperparameters.TotalSteps {
		return nil, "", fmt.Errorf("run %s has not completed", providerJobID)
	}

	payload := []byte(fmt.Sprintf("adapter %s base=%s algo=%s rank=%d steps=%d\n",
		providerJobID, r.cfg.BaseModel, r.cfg.Algorithm,
		r.cfg.Hyperparameters.LoRARank, r.cfg.Hyperparameters.TotalSteps))
	sum := sha256.Sum256(payload)
	return payload, hex.EncodeToString(sum[:]), nil
}

// Complete forces a run to its final step. Test hook.
func (c *Connector) Complete(providerJobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[providerJobID]; ok {
		r.step = r.cfg.Hyperparameters.TotalSteps
	}
}
