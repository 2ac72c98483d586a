package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/platform"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/rollback"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// stubValidator replays a scripted sequence of validation outcomes. Once the
// script is exhausted every validation passes, which also covers the
// post-rollback verification run.
type stubValidator struct {
	mu      sync.Mutex
	results []bool
}

func (v *stubValidator) ValidateStage(ctx context.Context, stage *models.DeploymentStage, checks []models.HealthCheckSpec, duration, interval time.Duration) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	ok := true
	if len(v.results) > 0 {
		ok = v.results[0]
		v.results = v.results[1:]
	}
	if ok {
		stage.HealthPassed++
	} else {
		stage.HealthFailed++
	}
	return ok
}

// blockingValidator parks the first validation until released, so tests can
// hold a plan mid-execution.
type blockingValidator struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (v *blockingValidator) ValidateStage(ctx context.Context, stage *models.DeploymentStage, checks []models.HealthCheckSpec, duration, interval time.Duration) bool {
	v.once.Do(func() {
		close(v.started)
		<-v.release
	})
	stage.HealthPassed++
	return true
}

func newTestOrchestrator(t *testing.T, v StageValidator) (*Orchestrator, *store.MemoryStore, *platform.SimulatedAdapter) {
	t.Helper()

	ms := store.NewMemoryStore()
	sim := platform.NewSimulatedAdapter(models.PlatformKubernetes)
	reg := platform.NewRegistry(sim)
	rb := rollback.NewManager(rollback.Config{
		SnapshotTTL:    time.Hour,
		VerifyDuration: time.Second,
		VerifyInterval: time.Second,
	}, ms, reg, v)

	cfg := DefaultConfig()
	cfg.CanaryWindow = 10 * time.Millisecond
	cfg.RollingWindow = 10 * time.Millisecond
	cfg.BlueGreenWindow = 10 * time.Millisecond
	cfg.ProbeInterval = time.Millisecond

	return NewOrchestrator(cfg, ms, reg, v, rb, nil), ms, sim
}

func testAsset() *models.Asset {
	return &models.Asset{
		ID:              "asset-web-01",
		Name:            "web-frontend",
		Platform:        models.PlatformKubernetes,
		CriticalityTier: 2,
		HasRedundancy:   true,
		InstanceCount:   4,
	}
}

func testPatch() *models.Patch {
	return &models.Patch{
		ID:          "patch-001",
		VulnID:      "vuln-001",
		ArtifactRef: "web-frontend:1.4.2",
	}
}

func TestCreatePlanCanary(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &stubValidator{})

	plan, err := o.CreatePlan(context.Background(), &PlanRequest{
		Asset:    testAsset(),
		Patch:    testPatch(),
		Strategy: models.StrategyCanary,
	})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	wantPercents := []int{5, 25, 50, 100}
	if len(plan.Stages) != len(wantPercents) {
		t.Fatalf("stage count = %d, want %d", len(plan.Stages), len(wantPercents))
	}
	for i, st := range plan.Stages {
		if st.StageNumber != i+1 {
			t.Errorf("stage %d number = %d, want %d", i, st.StageNumber, i+1)
		}
		if st.TargetPercent != wantPercents[i] {
			t.Errorf("stage %d percent = %d, want %d", i, st.TargetPercent, wantPercents[i])
		}
		if st.Status != models.StagePending {
			t.Errorf("stage %d status = %s, want %s", i, st.Status, models.StagePending)
		}
	}
	if plan.CurrentStage != 1 {
		t.Errorf("current stage = %d, want 1", plan.CurrentStage)
	}
}

func TestCreatePlanCanaryValidation(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &stubValidator{})

	tests := []struct {
		name     string
		percents []int
	}{
		{"not increasing", []int{25, 25, 100}},
		{"over 100", []int{50, 150}},
		{"does not end at 100", []int{5, 25, 50}},
		{"zero stage", []int{0, 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.CreatePlan(context.Background(), &PlanRequest{
				Asset:          testAsset(),
				Patch:          testPatch(),
				Strategy:       models.StrategyCanary,
				CanaryPercents: tt.percents,
			})
			if !models.IsValidation(err) {
				t.Errorf("CreatePlan() error = %v, want validation error", err)
			}
		})
	}
}

func TestCreatePlanRollingBatches(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &stubValidator{})

	asset := testAsset()
	asset.InstanceCount = 5
	plan, err := o.CreatePlan(context.Background(), &PlanRequest{
		Asset:     asset,
		Patch:     testPatch(),
		Strategy:  models.StrategyRolling,
		BatchSize: 2,
	})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	wantBatches := []int{2, 2, 1}
	if len(plan.Stages) != len(wantBatches) {
		t.Fatalf("stage count = %d, want %d", len(plan.Stages), len(wantBatches))
	}
	for i, st := range plan.Stages {
		if st.TargetInstances != wantBatches[i] {
			t.Errorf("stage %d batch = %d, want %d", i, st.TargetInstances, wantBatches[i])
		}
	}
}

func TestCreatePlanBlueGreen(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &stubValidator{})

	plan, err := o.CreatePlan(context.Background(), &PlanRequest{
		Asset:    testAsset(),
		Patch:    testPatch(),
		Strategy: models.StrategyBlueGreen,
	})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if len(plan.Stages) != 2 {
		t.Fatalf("stage count = %d, want 2", len(plan.Stages))
	}
}

func TestExecuteCanarySuccess(t *testing.T) {
	o, ms, sim := newTestOrchestrator(t, &stubValidator{})
	ctx := context.Background()

	asset, patch := testAsset(), testPatch()
	sim.SeedAsset(asset, "web-frontend:1.4.1")

	plan, err := o.CreatePlan(ctx, &PlanRequest{Asset: asset, Patch: patch, Strategy: models.StrategyCanary})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if err := o.Execute(ctx, plan.ID, asset, patch, nil, true); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got, err := ms.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if !got.Completed || !got.Success || got.RolledBack {
		t.Errorf("plan state = completed=%t success=%t rolled_back=%t, want true/true/false",
			got.Completed, got.Success, got.RolledBack)
	}
	if got.CurrentStage != 5 {
		t.Errorf("current stage = %d, want 5", got.CurrentStage)
	}
	for _, st := range got.Stages {
		if st.Status != models.StageCompleted {
			t.Errorf("stage %d status = %s, want %s", st.StageNumber, st.Status, models.StageCompleted)
		}
		if st.HealthPassed == 0 {
			t.Errorf("stage %d recorded no passing probes", st.StageNumber)
		}
	}
	if art := sim.CurrentArtifact(asset.ID); art != patch.ArtifactRef {
		t.Errorf("serving artifact = %q, want %q", art, patch.ArtifactRef)
	}

	// The snapshot was never needed and stays usable until its TTL.
	snaps, err := ms.ListSnapshotsByAsset(ctx, asset.ID)
	if err != nil || len(snaps) != 1 {
		t.Fatalf("ListSnapshotsByAsset() = %v snapshots, err %v", len(snaps), err)
	}
	if snaps[0].Status != models.SnapshotReady {
		t.Errorf("snapshot status = %s, want %s", snaps[0].Status, models.SnapshotReady)
	}
}

func TestExecuteCanaryFailureRollsBack(t *testing.T) {
	o, ms, sim := newTestOrchestrator(t, &stubValidator{results: []bool{true, false}})
	ctx := context.Background()

	asset, patch := testAsset(), testPatch()
	sim.SeedAsset(asset, "web-frontend:1.4.1")

	plan, err := o.CreatePlan(ctx, &PlanRequest{Asset: asset, Patch: patch, Strategy: models.StrategyCanary})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	err = o.Execute(ctx, plan.ID, asset, patch, nil, true)
	var de *models.DeploymentError
	if !errors.As(err, &de) {
		t.Fatalf("Execute() error = %v, want DeploymentError", err)
	}
	if de.StageNumber != 2 {
		t.Errorf("failed stage = %d, want 2", de.StageNumber)
	}

	got, err := ms.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if !got.Completed || got.Success || !got.RolledBack {
		t.Errorf("plan state = completed=%t success=%t rolled_back=%t, want true/false/true",
			got.Completed, got.Success, got.RolledBack)
	}
	wantStatus := []models.StageStatus{
		models.StageCompleted, models.StageRolledBack, models.StagePending, models.StagePending,
	}
	for i, st := range got.Stages {
		if st.Status != wantStatus[i] {
			t.Errorf("stage %d status = %s, want %s", st.StageNumber, st.Status, wantStatus[i])
		}
	}

	// The asset is back on its pre-rollout artifact and the used snapshot
	// can never back a second rollback.
	if art := sim.CurrentArtifact(asset.ID); art != "web-frontend:1.4.1" {
		t.Errorf("serving artifact = %q, want pre-rollout %q", art, "web-frontend:1.4.1")
	}
	snap, err := ms.GetSnapshot(ctx, got.SnapshotID)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.Status != models.SnapshotExpired {
		t.Errorf("used snapshot status = %s, want %s", snap.Status, models.SnapshotExpired)
	}
}

func TestExecuteFailureHaltsWhenAutoRollbackDisabled(t *testing.T) {
	o, ms, sim := newTestOrchestrator(t, &stubValidator{results: []bool{true, false}})
	ctx := context.Background()

	asset, patch := testAsset(), testPatch()
	sim.SeedAsset(asset, "web-frontend:1.4.1")

	plan, err := o.CreatePlan(ctx, &PlanRequest{Asset: asset, Patch: patch, Strategy: models.StrategyCanary})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	err = o.Execute(ctx, plan.ID, asset, patch, nil, false)
	var de *models.DeploymentError
	if !errors.As(err, &de) {
		t.Fatalf("Execute() error = %v, want DeploymentError", err)
	}
	if de.StageNumber != 2 {
		t.Errorf("failed stage = %d, want 2", de.StageNumber)
	}

	got, err := ms.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if !got.Completed || got.Success || got.RolledBack {
		t.Errorf("plan state = completed=%t success=%t rolled_back=%t, want true/false/false",
			got.Completed, got.Success, got.RolledBack)
	}
	wantStatus := []models.StageStatus{
		models.StageCompleted, models.StageFailed, models.StagePending, models.StagePending,
	}
	for i, st := range got.Stages {
		if st.Status != wantStatus[i] {
			t.Errorf("stage %d status = %s, want %s", st.StageNumber, st.Status, wantStatus[i])
		}
	}

	// The asset was not touched after the failure and the snapshot stays
	// ready for a manual rollback.
	if art := sim.CurrentArtifact(asset.ID); art != patch.ArtifactRef {
		t.Errorf("serving artifact = %q, want deployed %q", art, patch.ArtifactRef)
	}
	snap, err := ms.GetSnapshot(ctx, got.SnapshotID)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.Status != models.SnapshotReady {
		t.Errorf("snapshot status = %s, want %s", snap.Status, models.SnapshotReady)
	}
}

// slowValidator parks the first validation until the plan context expires and
// reports it failed. Later validations pass, covering the post-rollback
// verification run.
type slowValidator struct {
	mu    sync.Mutex
	calls int
}

func (v *slowValidator) ValidateStage(ctx context.Context, stage *models.DeploymentStage, checks []models.HealthCheckSpec, duration, interval time.Duration) bool {
	v.mu.Lock()
	v.calls++
	first := v.calls == 1
	v.mu.Unlock()

	if first {
		<-ctx.Done()
		stage.HealthFailed++
		return false
	}
	stage.HealthPassed++
	return true
}

func TestExecuteMaxDurationTimesOut(t *testing.T) {
	o, ms, sim := newTestOrchestrator(t, &slowValidator{})
	ctx := context.Background()

	asset, patch := testAsset(), testPatch()
	sim.SeedAsset(asset, "web-frontend:1.4.1")

	plan, err := o.CreatePlan(ctx, &PlanRequest{
		Asset:       asset,
		Patch:       patch,
		Strategy:    models.StrategyCanary,
		MaxDuration: time.Second,
	})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	err = o.Execute(ctx, plan.ID, asset, patch, nil, true)
	if !models.IsTimeout(err) {
		t.Fatalf("Execute() error = %v, want timeout", err)
	}
	var te *models.TimeoutError
	if errors.As(err, &te) {
		if te.PlanID != plan.ID {
			t.Errorf("timeout plan id = %q, want %q", te.PlanID, plan.ID)
		}
		if te.Limit != time.Second {
			t.Errorf("timeout limit = %s, want %s", te.Limit, time.Second)
		}
	}

	got, err := ms.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if !got.Completed || got.Success || !got.RolledBack {
		t.Errorf("plan state = completed=%t success=%t rolled_back=%t, want true/false/true",
			got.Completed, got.Success, got.RolledBack)
	}
	if got.Stages[0].Status != models.StageRolledBack {
		t.Errorf("stage 1 status = %s, want %s", got.Stages[0].Status, models.StageRolledBack)
	}
	if art := sim.CurrentArtifact(asset.ID); art != "web-frontend:1.4.1" {
		t.Errorf("serving artifact = %q, want pre-rollout %q", art, "web-frontend:1.4.1")
	}
}

func TestCreatePlanExecutionID(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &stubValidator{})
	ctx := context.Background()

	linked, err := o.CreatePlan(ctx, &PlanRequest{
		ExecutionID: "ex-remediation-42",
		Asset:       testAsset(),
		Patch:       testPatch(),
		Strategy:    models.StrategyCanary,
	})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if linked.ExecutionID != "ex-remediation-42" {
		t.Errorf("execution id = %q, want %q", linked.ExecutionID, "ex-remediation-42")
	}

	standalone, err := o.CreatePlan(ctx, &PlanRequest{
		Asset:    testAsset(),
		Patch:    testPatch(),
		Strategy: models.StrategyCanary,
	})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if !strings.HasPrefix(standalone.ExecutionID, "ex-") || len(standalone.ExecutionID) <= len("ex-") {
		t.Errorf("generated execution id = %q, want ex- prefixed id", standalone.ExecutionID)
	}
}

func TestExecuteBlueGreenSwitchFailure(t *testing.T) {
	o, ms, sim := newTestOrchestrator(t, &stubValidator{})
	ctx := context.Background()

	asset, patch := testAsset(), testPatch()
	sim.SeedAsset(asset, "web-frontend:1.4.1")
	sim.SwitchErr = errors.New("load balancer timeout")

	plan, err := o.CreatePlan(ctx, &PlanRequest{Asset: asset, Patch: patch, Strategy: models.StrategyBlueGreen})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	err = o.Execute(ctx, plan.ID, asset, patch, nil, true)
	var de *models.DeploymentError
	if !errors.As(err, &de) {
		t.Fatalf("Execute() error = %v, want DeploymentError", err)
	}

	got, err := ms.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if !got.RolledBack {
		t.Error("plan not marked rolled back after switch failure")
	}

	// Traffic never left blue.
	env, err := sim.ServingEnvironment(ctx, asset)
	if err != nil {
		t.Fatalf("ServingEnvironment() error = %v", err)
	}
	if env != "blue" {
		t.Errorf("serving environment = %q, want blue", env)
	}
	if art := sim.CurrentArtifact(asset.ID); art != "web-frontend:1.4.1" {
		t.Errorf("serving artifact = %q, want pre-rollout %q", art, "web-frontend:1.4.1")
	}
}

func TestExecuteRollbackFailureIsFatal(t *testing.T) {
	o, ms, sim := newTestOrchestrator(t, &stubValidator{results: []bool{false}})
	ctx := context.Background()

	asset, patch := testAsset(), testPatch()
	sim.SeedAsset(asset, "web-frontend:1.4.1")
	sim.RestoreErr = errors.New("api server unreachable")

	plan, err := o.CreatePlan(ctx, &PlanRequest{Asset: asset, Patch: patch, Strategy: models.StrategyCanary})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	err = o.Execute(ctx, plan.ID, asset, patch, nil, true)
	if !models.IsRollbackFailure(err) {
		t.Fatalf("Execute() error = %v, want rollback failure", err)
	}

	got, err := ms.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if !got.Completed || got.Success || got.RolledBack {
		t.Errorf("plan state = completed=%t success=%t rolled_back=%t, want true/false/false",
			got.Completed, got.Success, got.RolledBack)
	}
	if got.Stages[0].Status != models.StageFailed {
		t.Errorf("stage 1 status = %s, want %s", got.Stages[0].Status, models.StageFailed)
	}
}

func TestExecuteRejectsSecondRun(t *testing.T) {
	o, _, sim := newTestOrchestrator(t, &stubValidator{})
	ctx := context.Background()

	asset, patch := testAsset(), testPatch()
	sim.SeedAsset(asset, "web-frontend:1.4.1")

	plan, err := o.CreatePlan(ctx, &PlanRequest{Asset: asset, Patch: patch, Strategy: models.StrategyCanary})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if err := o.Execute(ctx, plan.ID, asset, patch, nil, true); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if err := o.Execute(ctx, plan.ID, asset, patch, nil, true); !models.IsValidation(err) {
		t.Errorf("second Execute() error = %v, want validation error", err)
	}
}

func TestExecuteRejectsConcurrentPlanOnAsset(t *testing.T) {
	v := &blockingValidator{started: make(chan struct{}), release: make(chan struct{})}
	o, _, sim := newTestOrchestrator(t, v)
	ctx := context.Background()

	asset, patch := testAsset(), testPatch()
	sim.SeedAsset(asset, "web-frontend:1.4.1")

	first, err := o.CreatePlan(ctx, &PlanRequest{Asset: asset, Patch: patch, Strategy: models.StrategyCanary})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	second, err := o.CreatePlan(ctx, &PlanRequest{Asset: asset, Patch: patch, Strategy: models.StrategyCanary})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- o.Execute(ctx, first.ID, asset, patch, nil, true) }()
	<-v.started

	if err := o.Execute(ctx, second.ID, asset, patch, nil, true); !models.IsValidation(err) {
		t.Errorf("concurrent Execute() error = %v, want validation error", err)
	}

	close(v.release)
	if err := <-done; err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
}

func TestExecuteRejectsMismatchedAsset(t *testing.T) {
	o, _, sim := newTestOrchestrator(t, &stubValidator{})
	ctx := context.Background()

	asset, patch := testAsset(), testPatch()
	sim.SeedAsset(asset, "web-frontend:1.4.1")

	plan, err := o.CreatePlan(ctx, &PlanRequest{Asset: asset, Patch: patch, Strategy: models.StrategyCanary})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	other := testAsset()
	other.ID = "asset-web-02"
	if err := o.Execute(ctx, plan.ID, other, patch, nil, true); !models.IsValidation(err) {
		t.Errorf("Execute() with wrong asset error = %v, want validation error", err)
	}
}
