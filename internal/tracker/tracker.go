package tracker

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"github.com/fleetlab/fleetadmin/internal/audit"
	"github.com/fleetlab/fleetadmin/internal/dispatch"
	"github.com/fleetlab/fleetadmin/internal/routing"
	"github.com/fleetlab/fleetadmin/internal/swarming"
)

// DecisionRecorder persists audit records for routing decisions and
// dispatched tasks. Recording failures are logged, never fatal: a lost audit
// row must not block fleet maintenance.
type DecisionRecorder interface {
	AppendDecision(ctx context.Context, ev *audit.DecisionEvent) error
}

// Tracker drives the periodic push flows: list bots, classify them, and
// dispatch the admin tasks they need.
type Tracker struct {
	client     swarming.Client
	dispatcher *dispatch.Dispatcher
	repairs    *dispatch.RepairDispatcher
	recorder   DecisionRecorder
	pool       string

	// randFloat supplies the routing score for each labstation repair.
	// Swappable for deterministic tests.
	randFloat func() float64
}

func New(client swarming.Client, d *dispatch.Dispatcher, r *dispatch.RepairDispatcher, rec DecisionRecorder, pool string) *Tracker {
	return &Tracker{
		client:     client,
		dispatcher: d,
		repairs:    r,
		recorder:   rec,
		pool:       pool,
		randFloat:  rand.Float64,
	}
}

// PushResult summarizes one push pass.
type PushResult struct {
	BotsConsidered int      `json:"botsConsidered"`
	TasksCreated   int      `json:"tasksCreated"`
	TaskURLs       []string `json:"taskUrls,omitempty"`
	Failed         []string `json:"failed,omitempty"`
}

// PushBotsForAdminTasks lists idle DUTs whose dut_state calls for attention
// and dispatches repair or reset tasks. Per-bot dispatch failures are
// collected, not fatal; the pass keeps going.
func (t *Tracker) PushBotsForAdminTasks(ctx context.Context) (PushResult, error) {
	dims := map[string][]string{
		swarming.DutStateDimensionKey: {
			string(swarming.DutStateNeedsRepair),
			string(swarming.DutStateRepairFailed),
			string(swarming.DutStateNeedsManualRepair),
			string(swarming.DutStateNeedsReset),
		},
	}
	bots, err := t.client.ListAliveIdleBotsInPool(ctx, t.pool, dims)
	if err != nil {
		return PushResult{}, fmt.Errorf("push admin tasks: %w", err)
	}

	res := PushResult{BotsConsidered: len(bots)}
	repairBots := IdentifyBotsForRepair(bots)
	resetBots := IdentifyBotsForReset(bots)
	log.Printf("[tracker] pushing admin tasks: %d bots to repair, %d bots to reset", len(repairBots), len(resetBots))

	for _, botID := range repairBots {
		t.dispatchAndRecord(ctx, dispatch.TaskSpec{Kind: dispatch.TaskKindRepair, Name: "admin_repair"}, botID, &res)
	}
	for _, botID := range resetBots {
		t.dispatchAndRecord(ctx, dispatch.TaskSpec{Kind: dispatch.TaskKindReset, Name: "admin_reset"}, botID, &res)
	}
	return res, nil
}

// PushBotsForAdminAuditTasks lists alive DUTs and dispatches the requested
// audit verifications. The listing is retried a fixed number of times since
// audit passes run rarely and a transient listing failure would skip a whole
// cycle.
func (t *Tracker) PushBotsForAdminAuditTasks(ctx context.Context, tasks []AuditTask) (PushResult, error) {
	if len(tasks) == 0 {
		return PushResult{}, fmt.Errorf("push audit tasks: no audit kinds requested")
	}
	bots, err := ListAliveBotsWithRetry(ctx, t.client, t.pool, nil)
	if err != nil {
		return PushResult{}, fmt.Errorf("push audit tasks: %w", err)
	}

	res := PushResult{BotsConsidered: len(bots)}
	for _, task := range tasks {
		ids := IdentifyBotsForAudit(bots, task)
		log.Printf("[tracker] pushing %s audit to %d bots", task.TaskName(), len(ids))
		spec := dispatch.TaskSpec{
			Kind:    dispatch.TaskKindAudit,
			Name:    task.TaskName(),
			Actions: task.Actions(),
		}
		for _, botID := range ids {
			t.dispatchAndRecord(ctx, spec, botID, &res)
		}
	}
	return res, nil
}

// PushRepairJobsForLabstations lists idle labstations and creates a repair
// job for each, routed per the rollout policy.
func (t *Tracker) PushRepairJobsForLabstations(ctx context.Context) (PushResult, error) {
	dims := map[string][]string{
		swarming.DutOSDimensionKey: {swarming.OSTypeLabstation},
	}
	bots, err := t.client.ListAliveIdleBotsInPool(ctx, t.pool, dims)
	if err != nil {
		return PushResult{}, fmt.Errorf("push labstation repairs: %w", err)
	}

	res := PushResult{BotsConsidered: len(bots)}
	pools := poolsByBot(bots)
	ids := IdentifyLabstationsForRepair(bots)
	log.Printf("[tracker] pushing repair jobs to %d labstations", len(ids))

	for _, botID := range ids {
		info := routing.DUTRoutingInfo{IsLabstation: true, Pools: pools[botID]}
		result, err := t.repairs.CreateRepairTask(ctx, botID, info, t.randFloat())
		if err != nil {
			log.Printf("[tracker] failed to create repair task for %q: %v", botID, err)
			res.Failed = append(res.Failed, botID)
			continue
		}
		res.TasksCreated++
		res.TaskURLs = append(res.TaskURLs, result.TaskURL)
		t.record(ctx, &audit.DecisionEvent{
			EventType:   audit.EventRepairRouted,
			BotID:       botID,
			Destination: string(result.Destination),
			Reason:      result.Reason.String(),
			TaskURL:     result.TaskURL,
		})
	}
	return res, nil
}

// ListBots exposes selector-based listing for the read endpoint.
func (t *Tracker) ListBots(ctx context.Context, sels []BotSelector) ([]swarming.BotInfo, error) {
	return ListBots(ctx, t.client, t.pool, sels)
}

func (t *Tracker) dispatchAndRecord(ctx context.Context, spec dispatch.TaskSpec, botID string, res *PushResult) {
	url, err := t.dispatcher.Dispatch(ctx, spec, botID)
	if err != nil {
		log.Printf("[tracker] %v", err)
		res.Failed = append(res.Failed, botID)
		return
	}
	res.TasksCreated++
	res.TaskURLs = append(res.TaskURLs, url)
	t.record(ctx, &audit.DecisionEvent{
		EventType: audit.EventTaskDispatched,
		BotID:     botID,
		TaskURL:   url,
		Details:   map[string]interface{}{"taskKind": spec.Kind, "taskName": spec.Name},
	})
}

func (t *Tracker) record(ctx context.Context, ev *audit.DecisionEvent) {
	if t.recorder == nil {
		return
	}
	if err := t.recorder.AppendDecision(ctx, ev); err != nil {
		log.Printf("[tracker] failed to record audit event for %q: %v", ev.BotID, err)
	}
}

// poolsByBot extracts each bot's pool memberships keyed by bot id. Bots
// without a readable id are omitted; routing treats missing pools as a
// lookup failure.
func poolsByBot(bots []swarming.BotInfo) map[string][]string {
	out := make(map[string][]string, len(bots))
	for _, b := range bots {
		dims := swarming.DimensionsMap(b.Dimensions)
		id, err := swarming.ExtractSingleValuedDimension(dims, swarming.BotIDDimensionKey)
		if err != nil {
			continue
		}
		out[id] = dims[swarming.DutPoolDimensionKey]
	}
	return out
}
