// Package dispatch turns classification buckets and routing decisions into
// task-creation calls against the task-execution service.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fleetlab/fleetadmin/internal/swarming"
)

// Task kinds used in tags and tracking paths.
const (
	TaskKindRepair           = "cros_repair"
	TaskKindReset            = "cros_reset"
	TaskKindAudit            = "audit"
	TaskKindLabstationRepair = "labstation_repair"
)

// backgroundTaskPriority is the swarming priority for admin background tasks.
const backgroundTaskPriority = 25

// TaskSpec names one admin task to dispatch.
type TaskSpec struct {
	// Kind is the task-kind segment of the tracking path.
	Kind string
	// Name is the readable task name carried in tags.
	Name string
	// Actions is the optional action list appended to the tracking path.
	Actions []string
}

// Config carries the dispatch-relevant parts of the service configuration.
type Config struct {
	CommonTags           []string
	ExpirationSecs       int
	ExecutionTimeoutSecs int
}

// Dispatcher assembles task-creation requests and submits them through the
// injected client. It never retries; retry policy belongs to the caller.
type Dispatcher struct {
	client swarming.Client
	cfg    Config
}

func New(client swarming.Client, cfg Config) *Dispatcher {
	return &Dispatcher{client: client, cfg: cfg}
}

// TaskPath returns the tracking path for a dispatched task:
// /internal/task/<task-kind>/<bot-id>[/<action-list>].
func TaskPath(kind, botID string, actions []string) string {
	path := fmt.Sprintf("/internal/task/%s/%s", kind, botID)
	if len(actions) > 0 {
		path += "/" + strings.Join(actions, ",")
	}
	return path
}

// Dispatch submits one admin task for a bot and returns the task URL. The
// returned error wraps the client failure when task creation fails.
func (d *Dispatcher) Dispatch(ctx context.Context, spec TaskSpec, botID string) (string, error) {
	tags := make([]string, 0, len(d.cfg.CommonTags)+4)
	tags = append(tags, d.cfg.CommonTags...)
	tags = append(tags,
		"fleetadmin-task:"+spec.Name,
		"dut-name:"+botID,
		"task-path:"+TaskPath(spec.Kind, botID, spec.Actions),
		"admin-session:"+uuid.NewString(),
	)

	taskID, err := d.client.CreateTask(ctx, swarming.CreateTaskRequest{
		Name:                 fmt.Sprintf("%s/%s", spec.Name, botID),
		BotID:                botID,
		Tags:                 tags,
		Priority:             backgroundTaskPriority,
		ExpirationSecs:       d.cfg.ExpirationSecs,
		ExecutionTimeoutSecs: d.cfg.ExecutionTimeoutSecs,
	})
	if err != nil {
		return "", fmt.Errorf("dispatch %s task for %s: %w", spec.Name, botID, err)
	}
	return d.client.TaskURL(taskID), nil
}
