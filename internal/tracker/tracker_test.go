package tracker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetlab/fleetadmin/internal/audit"
	"github.com/fleetlab/fleetadmin/internal/config"
	"github.com/fleetlab/fleetadmin/internal/dispatch"
	"github.com/fleetlab/fleetadmin/internal/orchestrator"
	"github.com/fleetlab/fleetadmin/internal/swarming"
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []*audit.DecisionEvent
}

func (f *fakeRecorder) AppendDecision(ctx context.Context, ev *audit.DecisionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakeScheduler struct {
	scheduleFunc func(ctx context.Context, p orchestrator.Params) (string, error)
}

func (f *fakeScheduler) ScheduleRecovery(ctx context.Context, p orchestrator.Params) (string, error) {
	if f.scheduleFunc != nil {
		return f.scheduleFunc(ctx, p)
	}
	return "build-1", nil
}

func (f *fakeScheduler) BuildURL(buildID string) string {
	return "https://builds.example.com/build/" + buildID
}

func newTestTracker(client *fakeSwarming, policy config.RolloutPolicy, sched orchestrator.Scheduler, rec *fakeRecorder) *Tracker {
	d := dispatch.New(client, dispatch.Config{ExpirationSecs: 600, ExecutionTimeoutSecs: 5400})
	r := dispatch.NewRepairDispatcher(d, sched, policy)
	return New(client, d, r, rec, "ChromeOSSkylab")
}

func TestPushBotsForAdminTasks(t *testing.T) {
	var created []swarming.CreateTaskRequest
	var mu sync.Mutex
	client := &fakeSwarming{
		listIdleFunc: func(ctx context.Context, pool string, dims map[string][]string) ([]swarming.BotInfo, error) {
			assert.Contains(t, dims[swarming.DutStateDimensionKey], "needs_repair")
			return []swarming.BotInfo{
				bot("dut_1", "needs_repair", "OS_TYPE_CROS"),
				bot("dut_2", "needs_reset", "OS_TYPE_CROS"),
				bot("labstation_1", "needs_repair", "OS_TYPE_LABSTATION"),
			}, nil
		},
		createFunc: func(ctx context.Context, req swarming.CreateTaskRequest) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			created = append(created, req)
			return "task-" + req.BotID, nil
		},
	}
	rec := &fakeRecorder{}
	trk := newTestTracker(client, config.RolloutPolicy{}, &fakeScheduler{}, rec)

	res, err := trk.PushBotsForAdminTasks(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, res.BotsConsidered)
	assert.Equal(t, 2, res.TasksCreated)
	assert.Empty(t, res.Failed)

	// One repair and one reset; the labstation is left for its own flow.
	names := make(map[string]string)
	for _, req := range created {
		names[req.BotID] = req.Name
	}
	assert.Equal(t, "admin_repair/dut_1", names["dut_1"])
	assert.Equal(t, "admin_reset/dut_2", names["dut_2"])
	assert.NotContains(t, names, "labstation_1")

	assert.Len(t, rec.events, 2)
	for _, ev := range rec.events {
		assert.Equal(t, audit.EventTaskDispatched, ev.EventType)
	}
}

func TestPushBotsForAdminAuditTasks(t *testing.T) {
	var mu sync.Mutex
	var created []swarming.CreateTaskRequest
	client := &fakeSwarming{
		listFunc: func(ctx context.Context, pool string, dims map[string][]string) ([]swarming.BotInfo, error) {
			return []swarming.BotInfo{bot("dut_1", "ready", "OS_TYPE_CROS")}, nil
		},
		createFunc: func(ctx context.Context, req swarming.CreateTaskRequest) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			created = append(created, req)
			return "task-audit", nil
		},
	}
	trk := newTestTracker(client, config.RolloutPolicy{}, &fakeScheduler{}, &fakeRecorder{})

	res, err := trk.PushBotsForAdminAuditTasks(context.Background(), []AuditTask{AuditTaskServoUSBKey, AuditTaskDUTStorage})
	assert.NoError(t, err)
	assert.Equal(t, 2, res.TasksCreated)

	assert.Len(t, created, 2)
	assert.Contains(t, created[0].Tags, "task-path:/internal/task/audit/dut_1/verify-servo-usb-drive")
	assert.Contains(t, created[1].Tags, "task-path:/internal/task/audit/dut_1/verify-dut-storage")
}

func TestPushBotsForAdminAuditTasks_NoKinds(t *testing.T) {
	trk := newTestTracker(&fakeSwarming{}, config.RolloutPolicy{}, &fakeScheduler{}, &fakeRecorder{})
	_, err := trk.PushBotsForAdminAuditTasks(context.Background(), nil)
	assert.Error(t, err)
}

func TestPushRepairJobsForLabstations_LegacyPath(t *testing.T) {
	client := &fakeSwarming{
		listIdleFunc: func(ctx context.Context, pool string, dims map[string][]string) ([]swarming.BotInfo, error) {
			assert.Equal(t, []string{swarming.OSTypeLabstation}, dims[swarming.DutOSDimensionKey])
			return []swarming.BotInfo{bot("labstation_1", "needs_repair", "OS_TYPE_LABSTATION")}, nil
		},
		createFunc: func(ctx context.Context, req swarming.CreateTaskRequest) (string, error) {
			assert.Equal(t, "labstation_repair/labstation_1", req.Name)
			return "task-lab", nil
		},
	}
	rec := &fakeRecorder{}
	// No rollout policy configured: every labstation goes legacy.
	trk := newTestTracker(client, config.RolloutPolicy{}, &fakeScheduler{}, rec)

	res, err := trk.PushRepairJobsForLabstations(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, res.TasksCreated)

	assert.Len(t, rec.events, 1)
	assert.Equal(t, audit.EventRepairRouted, rec.events[0].EventType)
	assert.Equal(t, "legacy", rec.events[0].Destination)
}

func TestPushRepairJobsForLabstations_RecoveryPath(t *testing.T) {
	client := &fakeSwarming{
		listIdleFunc: func(ctx context.Context, pool string, dims map[string][]string) ([]swarming.BotInfo, error) {
			b := bot("labstation_1", "needs_repair", "OS_TYPE_LABSTATION")
			b.Dimensions = append(b.Dimensions, swarming.DimensionPair{
				Key: swarming.DutPoolDimensionKey, Values: []string{"labstation_main"},
			})
			return []swarming.BotInfo{b}, nil
		},
	}
	var scheduled []orchestrator.Params
	sched := &fakeScheduler{
		scheduleFunc: func(ctx context.Context, p orchestrator.Params) (string, error) {
			scheduled = append(scheduled, p)
			return "build-42", nil
		},
	}
	rec := &fakeRecorder{}
	policy := config.RolloutPolicy{
		LabstationRepair: &config.RolloutConfig{Enable: true, RolloutPermille: 1000},
	}
	trk := newTestTracker(client, policy, sched, rec)
	trk.randFloat = func() float64 { return 0.0 }

	res, err := trk.PushRepairJobsForLabstations(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, res.TasksCreated)

	assert.Len(t, scheduled, 1)
	assert.Equal(t, "labstation_1", scheduled[0].UnitName)
	assert.True(t, scheduled[0].EnableRecovery)

	assert.Len(t, rec.events, 1)
	assert.Equal(t, "recovery", rec.events[0].Destination)
	assert.Equal(t, "https://builds.example.com/build/build-42", rec.events[0].TaskURL)
}
