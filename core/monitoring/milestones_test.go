package monitoring

import (
	"testing"
	"time"

	"github.com/Ankesh-007/peft-studio-sub012/core/models"
	"github.com/Ankesh-007/peft-studio-sub012/core/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCrossedMilestones(t *testing.T) {
	tests := []struct {
		name     string
		previous int
		current  int
		total    int
		want     []int
	}{
		{"no crossing", 0, 100, 1000, nil},
		{"cross 25", 0, 250, 1000, []int{25}},
		{"just past 25", 250, 260, 1000, nil},
		{"cross 50", 260, 500, 1000, []int{50}},
		{"cross several at once", 0, 800, 1000, []int{25, 50, 75}},
		{"cross all", 0, 1000, 1000, []int{25, 50, 75, 100}},
		{"finish", 990, 1000, 1000, []int{100}},
		{"replayed step", 500, 500, 1000, nil},
		{"zero total", 0, 10, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CrossedMilestones(tt.previous, tt.current, tt.total))
		})
	}
}

func newMilestoneFixture(t *testing.T) (*MilestoneEngine, *repository.MemoryStore, <-chan models.Event) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := repository.NewMemoryStore()
	require.NoError(t, store.CreateJob(&models.Job{ID: "j1", Name: "run", State: models.JobStateCreated}))

	mux := NewMultiplexer("j1", logger)
	t.Cleanup(mux.Close)
	events, cancel := mux.Subscribe(32)
	t.Cleanup(cancel)

	engine := NewMilestoneEngine("j1", "run", 1000, store, mux, logger)
	return engine, store, events
}

func drainNotifications(events <-chan models.Event) []models.Notification {
	var out []models.Notification
	for {
		select {
		case ev := <-events:
			if ev.Type == models.EventTypeNotification {
				out = append(out, *ev.Notified)
			}
		default:
			return out
		}
	}
}

func TestMilestoneEngine_ExactlyOnceAt25Percent(t *testing.T) {
	engine, store, events := newMilestoneFixture(t)

	// 0 -> 250 of 1000 crosses 25% exactly once.
	engine.Observe(250)
	notifs := drainNotifications(events)
	require.Len(t, notifs, 1)
	assert.Equal(t, 25, notifs[0].Milestone)
	assert.Contains(t, notifs[0].Title, "25%")

	// A further update to 260 produces nothing new.
	engine.Observe(260)
	assert.Empty(t, drainNotifications(events))

	job, err := store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, []int{25}, job.Milestones)
}

func TestMilestoneEngine_IdempotentUnderReplay(t *testing.T) {
	engine, store, events := newMilestoneFixture(t)

	engine.Observe(250)
	require.Len(t, drainNotifications(events), 1)

	// A replayed stream re-observes from an earlier step.
	engine.prevStep = 0
	engine.Observe(250)
	engine.Observe(250)
	assert.Empty(t, drainNotifications(events))

	job, err := store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, []int{25}, job.Milestones)
}

func TestMilestoneEngine_IncreasingOrder(t *testing.T) {
	engine, store, events := newMilestoneFixture(t)

	engine.Observe(300)
	engine.Observe(600)
	engine.Observe(1000)

	notifs := drainNotifications(events)
	require.Len(t, notifs, 4)
	milestones := make([]int, len(notifs))
	for i, n := range notifs {
		milestones[i] = n.Milestone
	}
	assert.Equal(t, []int{25, 50, 75, 100}, milestones)

	job, err := store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, []int{25, 50, 75, 100}, job.Milestones)
}

func TestMilestoneEngine_RunConsumesMetricEvents(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := repository.NewMemoryStore()
	require.NoError(t, store.CreateJob(&models.Job{ID: "j2", Name: "run", State: models.JobStateCreated}))

	mux := NewMultiplexer("j2", logger)
	engineEvents, cancelEngine := mux.Subscribe(32)
	defer cancelEngine()
	observer, cancelObserver := mux.Subscribe(32)
	defer cancelObserver()

	engine := NewMilestoneEngine("j2", "run", 100, store, mux, logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(engineEvents)
	}()

	mux.PublishMetrics(models.MetricSnapshot{Step: 30})
	mux.PublishMetrics(models.MetricSnapshot{Step: 100})

	var milestones []int
	deadline := time.After(2 * time.Second)
	for len(milestones) < 4 {
		select {
		case ev := <-observer:
			if ev.Type == models.EventTypeNotification {
				milestones = append(milestones, ev.Notified.Milestone)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notifications, got %v", milestones)
		}
	}
	assert.Equal(t, []int{25, 50, 75, 100}, milestones)

	mux.Close()
	<-done
}
