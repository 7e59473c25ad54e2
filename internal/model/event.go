package model

import "github.com/google/uuid"

// EventName identifies a job lifecycle notification on the event bus.
type EventName string

const (
	EventConnected    EventName = "connected"
	EventJobCreated   EventName = "job:created"
	EventJobStarted   EventName = "job:started"
	EventJobProgress  EventName = "job:progress"
	EventJobCompleted EventName = "job:completed"
	EventJobError     EventName = "job:error"
	EventHeartbeat    EventName = "heartbeat"
)

// Event is a job lifecycle notification. The bus carries no state of its
// own: clients that miss an event reconcile by polling the queue endpoints.
type Event struct {
	Name     EventName `json:"event"`
	JobID    uuid.UUID `json:"job_id,omitempty"`
	FilePath string    `json:"file_path,omitempty"`
	Status   Status    `json:"status,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
	// SubscriberID is set only on the connection-acknowledgment event.
	SubscriberID string `json:"subscriber_id,omitempty"`
}
