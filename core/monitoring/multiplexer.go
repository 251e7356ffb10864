// Package monitoring fans training telemetry out to subscribers and derives
// one-time milestone notifications from it.
package monitoring

import (
	"sync"
	"time"

	"github.com/Ankesh-007/peft-studio-sub012/core/models"

	"go.uber.org/zap"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when
// the caller passes a non-positive buffer size.
const DefaultSubscriberBuffer = 64

// Multiplexer ingests the status sequence of one job and republishes it to
// independent subscribers. Ingestion never blocks: a slow subscriber loses
// its oldest unread events (drop-oldest) rather than stalling the stream.
// Events at or below the job's high-water step are dropped as stale.
type Multiplexer struct {
	jobID  string
	logger *zap.Logger

	mu        sync.Mutex
	highWater int
	subs      map[int]*subscriber
	nextSubID int
	closed    bool
}

type subscriber struct {
	ch      chan models.Event
	dropped int
}

// NewMultiplexer creates a multiplexer for one job's event stream.
func NewMultiplexer(jobID string, logger *zap.Logger) *Multiplexer {
	return &Multiplexer{
		jobID:     jobID,
		logger:    logger,
		highWater: -1,
		subs:      make(map[int]*subscriber),
	}
}

// Subscribe registers a new subscriber with a bounded buffer and returns its
// channel plus an unsubscribe function. The channel is closed on unsubscribe
// or when the multiplexer shuts down.
func (m *Multiplexer) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		ch := make(chan models.Event)
		close(ch)
		return ch, func() {}
	}

	id := m.nextSubID
	m.nextSubID++
	sub := &subscriber{ch: make(chan models.Event, buffer)}
	m.subs[id] = sub

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, unsubscribe
}

// PublishMetrics fans a metric snapshot out to all subscribers. Snapshots
// whose step is at or below the high-water mark are dropped, protecting
// subscribers from out-of-order delivery caused by network retries. Reports
// whether the snapshot was accepted.
func (m *Multiplexer) PublishMetrics(snap models.MetricSnapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if snap.Step <= m.highWater {
		m.logger.Debug("dropping stale metric event",
			zap.String("job_id", m.jobID),
			zap.Int("step", snap.Step),
			zap.Int("high_water", m.highWater))
		return false
	}
	m.highWater = snap.Step

	s := snap
	m.broadcastLocked(models.Event{
		Type:    models.EventTypeMetrics,
		JobID:   m.jobID,
		Metrics: &s,
		At:      time.Now(),
	})
	return true
}

// PublishStatus fans a state change out to all subscribers.
func (m *Multiplexer) PublishStatus(change models.StatusChange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	c := change
	m.broadcastLocked(models.Event{
		Type:   models.EventTypeStatus,
		JobID:  m.jobID,
		Status: &c,
		At:     time.Now(),
	})
}

// PublishNotification fans a milestone notification out to all subscribers.
func (m *Multiplexer) PublishNotification(n models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	nn := n
	m.broadcastLocked(models.Event{
		Type:     models.EventTypeNotification,
		JobID:    m.jobID,
		Notified: &nn,
		At:       time.Now(),
	})
}

// HighWater returns the highest step accepted so far, or -1.
func (m *Multiplexer) HighWater() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWater
}

// Close shuts the multiplexer down and closes all subscriber channels.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.ch)
	}
}

// broadcastLocked delivers at-least-once per subscriber with drop-oldest
// overflow. Must be called with the mutex held.
func (m *Multiplexer) broadcastLocked(ev models.Event) {
	for _, sub := range m.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Buffer full: evict the oldest unread event and retry once.
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}

		if sub.dropped == 1 || sub.dropped%100 == 0 {
			m.logger.Warn("slow subscriber dropping events",
				zap.String("job_id", m.jobID),
				zap.Int("dropped", sub.dropped))
		}
	}
}
