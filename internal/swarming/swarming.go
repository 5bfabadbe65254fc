// Package swarming holds the bot/task types exchanged with the external
// task-execution service and the typed accessors for bot dimensions.
package swarming

import (
	"context"
	"encoding/json"
)

// Dimension keys used by the fleet.
const (
	BotIDDimensionKey    = "dut_name"
	DutIDDimensionKey    = "dut_id"
	DutNameDimensionKey  = "dut_name"
	DutStateDimensionKey = "dut_state"
	DutOSDimensionKey    = "label-os_type"
	DutPoolDimensionKey  = "label-pool"
	DutModelDimensionKey = "label-model"
)

// OSTypeLabstation is the os-type dimension value identifying labstations.
const OSTypeLabstation = "OS_TYPE_LABSTATION"

// DimensionPair is one dimension in wire form. A key carries zero, one, or
// multiple values.
type DimensionPair struct {
	Key    string   `json:"key"`
	Values []string `json:"value"`
}

// BotInfo is a single bot's observed state at poll time. Constructed fresh
// from each poll, never mutated.
type BotInfo struct {
	BotID      string          `json:"botId"`
	Dimensions []DimensionPair `json:"dimensions"`
	State      json.RawMessage `json:"state,omitempty"`
}

// DutState is the value of the dut_state dimension.
type DutState string

const (
	DutStateReady             DutState = "ready"
	DutStateNeedsRepair       DutState = "needs_repair"
	DutStateRepairFailed      DutState = "repair_failed"
	DutStateNeedsManualRepair DutState = "needs_manual_repair"
	DutStateNeedsReset        DutState = "needs_reset"
	DutStateNeedsReplacement  DutState = "needs_replacement"
	DutStateNeedsDeploy       DutState = "needs_deploy"
)

// CreateTaskRequest is the argument set for scheduling one admin task.
type CreateTaskRequest struct {
	Name                 string   `json:"name"`
	BotID                string   `json:"botId"`
	Tags                 []string `json:"tags"`
	Priority             int      `json:"priority"`
	ExpirationSecs       int      `json:"expirationSecs"`
	ExecutionTimeoutSecs int      `json:"executionTimeoutSecs"`
	Command              []string `json:"command,omitempty"`
}

// Client is the subset of the task-execution service the fleetadmin core
// consumes.
type Client interface {
	ListAliveBotsInPool(ctx context.Context, pool string, dims map[string][]string) ([]BotInfo, error)
	ListAliveIdleBotsInPool(ctx context.Context, pool string, dims map[string][]string) ([]BotInfo, error)
	CreateTask(ctx context.Context, req CreateTaskRequest) (string, error)
	TaskURL(taskID string) string
}
