package dispatch

import (
	"context"
	"fmt"
	"log"

	"github.com/fleetlab/fleetadmin/internal/config"
	"github.com/fleetlab/fleetadmin/internal/orchestrator"
	"github.com/fleetlab/fleetadmin/internal/routing"
)

// RouteRepairTask picks the execution path for one repair task. The rollout
// policy carries separate configs for labstations and DUTs; the per-bot facts
// select which one applies.
//
// randFloat must lie in [0, 1); it is supplied by the caller so the decision
// stays deterministic.
func RouteRepairTask(policy config.RolloutPolicy, info routing.DUTRoutingInfo, randFloat float64) (routing.Destination, routing.Reason, error) {
	if randFloat < 0 || randFloat >= 1 {
		return routing.DestLegacy, routing.ReasonRolloutNotEnabled, fmt.Errorf("route repair task: randFloat %f is not in [0, 1)", randFloat)
	}
	cfg := policy.DutRepair
	if info.IsLabstation {
		cfg = policy.LabstationRepair
	}
	dest, reason := routing.Route(cfg, info, randFloat)
	return dest, reason, nil
}

// RepairDispatcher creates repair tasks on whichever path the rollout policy
// selects, falling back to the legacy flow when recovery scheduling fails.
type RepairDispatcher struct {
	dispatcher *Dispatcher
	scheduler  orchestrator.Scheduler
	policy     config.RolloutPolicy

	// AdminService and InventoryService are reported to scheduled recovery
	// builds for tracking and device-fact lookup.
	AdminService     string
	InventoryService string
}

func NewRepairDispatcher(d *Dispatcher, scheduler orchestrator.Scheduler, policy config.RolloutPolicy) *RepairDispatcher {
	return &RepairDispatcher{dispatcher: d, scheduler: scheduler, policy: policy}
}

// RepairResult reports how one repair task was created.
type RepairResult struct {
	BotID       string
	TaskURL     string
	Destination routing.Destination
	Reason      routing.Reason
}

// CreateRepairTask kicks off a repair job for one bot and returns the task
// URL together with the routing decision that produced it. A routing error
// is not fatal: the safe default is the legacy flow.
func (r *RepairDispatcher) CreateRepairTask(ctx context.Context, botID string, info routing.DUTRoutingInfo, randFloat float64) (RepairResult, error) {
	dest, reason, err := RouteRepairTask(r.policy, info, randFloat)
	if err != nil {
		log.Printf("[dispatch] falling back to legacy repair for %q: %v", botID, err)
	}
	log.Printf("[dispatch] sending repair for %q to %q because %q", botID, dest, reason)

	result := RepairResult{BotID: botID, Destination: dest, Reason: reason}
	if dest == routing.DestRecovery && r.scheduler == nil {
		log.Printf("[dispatch] no recovery scheduler configured, using legacy repair for %q", botID)
		dest = routing.DestLegacy
		result.Destination = routing.DestLegacy
	}
	if dest == routing.DestRecovery {
		buildID, err := r.scheduler.ScheduleRecovery(ctx, orchestrator.Params{
			UnitName:         botID,
			TaskName:         "recovery",
			EnableRecovery:   true,
			AdminService:     r.AdminService,
			InventoryService: r.InventoryService,
			UpdateInventory:  true,
		})
		if err == nil {
			result.TaskURL = r.scheduler.BuildURL(buildID)
			return result, nil
		}
		log.Printf("[dispatch] failed to schedule recovery build for %q, falling back to legacy: %v", botID, err)
		result.Destination = routing.DestLegacy
	}

	kind := TaskKindRepair
	name := "admin_repair"
	if info.IsLabstation {
		kind = TaskKindLabstationRepair
		name = "labstation_repair"
	}
	url, err := r.dispatcher.Dispatch(ctx, TaskSpec{Kind: kind, Name: name}, botID)
	if err != nil {
		return RepairResult{}, fmt.Errorf("create repair task for %s: %w", botID, err)
	}
	result.TaskURL = url
	return result, nil
}
