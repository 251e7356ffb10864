package models

import "time"

// JobEvent represents a state transition event for a job.
type JobEvent struct {
	ID        int64
	JobID     string
	At        time.Time
	FromState *JobState
	ToState   JobState
	Reason    string
	MetaJSON  map[string]interface{}
}

// EventType discriminates the events pushed to subscribers.
type EventType string

const (
	EventTypeMetrics      EventType = "metrics"
	EventTypeStatus       EventType = "status"
	EventTypeNotification EventType = "notification"
)

// Event is the discriminated union delivered on the push channel consumed
// by the presentation layer and by tests.
type Event struct {
	Type     EventType
	JobID    string
	Metrics  *MetricSnapshot
	Status   *StatusChange
	Notified *Notification
	At       time.Time
}

// StatusChange reports a state transition on the push channel.
type StatusChange struct {
	From   JobState
	To     JobState
	Reason string
}

// Notification is a one-time milestone notification.
type Notification struct {
	JobID     string
	Milestone int // One of 25, 50, 75, 100
	Title     string
	Message   string
}
