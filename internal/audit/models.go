// Package audit records every routing decision and dispatched task in a
// durable trail: Postgres first, then streamed to Kafka and archived to S3.
package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the service.
const (
	EventRepairRouted   = "repair.routed"
	EventTaskDispatched = "task.dispatched"
)

// DecisionEvent is one audit record. The row in Postgres is the source of
// truth; streaming to Kafka/S3 happens asynchronously and is retried until it
// succeeds.
type DecisionEvent struct {
	ID          string                 `json:"id,omitempty"`
	EventType   string                 `json:"eventType"`
	BotID       string                 `json:"botId"`
	Destination string                 `json:"destination,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	TaskURL     string                 `json:"taskUrl,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Ts          time.Time              `json:"ts"`
}

// ErrNotFound is returned when a requested audit record cannot be located.
var ErrNotFound = errors.New("not found")

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
