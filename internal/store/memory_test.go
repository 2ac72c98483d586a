package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

func seedPlan(t *testing.T, m *MemoryStore) *models.DeploymentPlan {
	t.Helper()
	plan := &models.DeploymentPlan{
		ID:           "dp-1",
		ExecutionID:  "ex-1",
		Strategy:     models.StrategyCanary,
		AssetID:      "asset-1",
		PatchID:      "patch-1",
		CurrentStage: 1,
		CreatedAt:    time.Now().UTC(),
		Stages: []models.DeploymentStage{
			{ID: "ds-1", PlanID: "dp-1", StageNumber: 1, TargetPercent: 5, Status: models.StagePending},
			{ID: "ds-2", PlanID: "dp-1", StageNumber: 2, TargetPercent: 100, Status: models.StagePending},
		},
	}
	if err := m.CreatePlan(context.Background(), plan); err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	return plan
}

func TestTransitionStageHappyPath(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	plan := seedPlan(t, m)
	stage := &plan.Stages[0]

	for _, next := range []models.StageStatus{
		models.StageInProgress, models.StageValidating, models.StageCompleted,
	} {
		if err := m.TransitionStage(ctx, stage, next); err != nil {
			t.Fatalf("TransitionStage(%s) error = %v", next, err)
		}
		if stage.Status != next {
			t.Fatalf("stage status = %s, want %s", stage.Status, next)
		}
	}

	if stage.StartedAt == nil || stage.CompletedAt == nil {
		t.Error("terminal stage missing started/completed timestamps")
	}

	// Completion advances the plan's stage index.
	got, err := m.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if got.CurrentStage != 2 {
		t.Errorf("plan current stage = %d, want 2", got.CurrentStage)
	}
}

func TestTransitionStageRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		path []models.StageStatus // applied before the attempt
		to   models.StageStatus
	}{
		{"pending cannot validate", nil, models.StageValidating},
		{"pending cannot complete", nil, models.StageCompleted},
		{"pending cannot roll back", nil, models.StageRolledBack},
		{"in_progress cannot complete", []models.StageStatus{models.StageInProgress}, models.StageCompleted},
		{"completed is terminal", []models.StageStatus{models.StageInProgress, models.StageValidating, models.StageCompleted}, models.StageFailed},
		{"rolled_back is terminal", []models.StageStatus{models.StageFailed, models.StageRolledBack}, models.StageInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemoryStore()
			ctx := context.Background()
			plan := seedPlan(t, m)
			stage := &plan.Stages[0]

			for _, step := range tt.path {
				if err := m.TransitionStage(ctx, stage, step); err != nil {
					t.Fatalf("setup TransitionStage(%s) error = %v", step, err)
				}
			}
			if err := m.TransitionStage(ctx, stage, tt.to); err == nil {
				t.Errorf("TransitionStage(%s -> %s) succeeded, want rejection", stage.Status, tt.to)
			}
		})
	}
}

func TestTransitionStageFailedToRolledBack(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	plan := seedPlan(t, m)
	stage := &plan.Stages[0]

	if err := m.TransitionStage(ctx, stage, models.StageInProgress); err != nil {
		t.Fatalf("TransitionStage() error = %v", err)
	}
	stage.ErrorMessage = "deploy failed"
	if err := m.TransitionStage(ctx, stage, models.StageFailed); err != nil {
		t.Fatalf("TransitionStage() error = %v", err)
	}
	if err := m.TransitionStage(ctx, stage, models.StageRolledBack); err != nil {
		t.Fatalf("TransitionStage() error = %v", err)
	}

	got, err := m.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if got.Stages[0].Status != models.StageRolledBack {
		t.Errorf("stage status = %s, want %s", got.Stages[0].Status, models.StageRolledBack)
	}
	if got.Stages[0].ErrorMessage != "deploy failed" {
		t.Errorf("stage error = %q, want preserved failure message", got.Stages[0].ErrorMessage)
	}
	// A failed stage does not advance the plan.
	if got.CurrentStage != 1 {
		t.Errorf("plan current stage = %d, want 1", got.CurrentStage)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	m := NewMemoryStore()
	if _, err := m.GetPlan(context.Background(), "dp-missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetPlan() error = %v, want ErrNotFound", err)
	}
}

func TestLatestAssessmentOrdering(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"ra-old", "ra-mid", "ra-new"} {
		a := &models.RiskAssessment{
			ID:        id,
			VulnID:    "vuln-1",
			AssetID:   "asset-1",
			Autonomy:  models.AutonomySupervised,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := m.SaveAssessment(ctx, a); err != nil {
			t.Fatalf("SaveAssessment() error = %v", err)
		}
	}

	got, err := m.LatestAssessment(ctx, "vuln-1", "asset-1")
	if err != nil {
		t.Fatalf("LatestAssessment() error = %v", err)
	}
	if got.ID != "ra-new" {
		t.Errorf("latest assessment = %s, want ra-new", got.ID)
	}

	list, err := m.ListAssessmentsByAsset(ctx, "asset-1", 2)
	if err != nil {
		t.Fatalf("ListAssessmentsByAsset() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0].ID != "ra-new" {
		t.Errorf("list[0] = %s, want ra-new", list[0].ID)
	}
}

func TestUpdatePlanPersistsTerminalState(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	plan := seedPlan(t, m)

	done := time.Now().UTC()
	plan.Completed = true
	plan.Success = false
	plan.RolledBack = true
	plan.StatusReason = "stage 2 failed; rolled back"
	plan.CompletedAt = &done
	if err := m.UpdatePlan(ctx, plan); err != nil {
		t.Fatalf("UpdatePlan() error = %v", err)
	}

	got, err := m.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if !got.Completed || got.Success || !got.RolledBack {
		t.Errorf("plan state = completed=%t success=%t rolled_back=%t, want true/false/true",
			got.Completed, got.Success, got.RolledBack)
	}
	if got.StatusReason == "" || got.CompletedAt == nil {
		t.Error("terminal plan missing status reason or completion time")
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := &models.Snapshot{
		ID:          "sn-fresh",
		ExecutionID: "ex-1",
		AssetID:     "asset-1",
		Status:      models.SnapshotReady,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	stale := &models.Snapshot{
		ID:          "sn-stale",
		ExecutionID: "ex-1",
		AssetID:     "asset-1",
		Status:      models.SnapshotReady,
		CreatedAt:   now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	}
	if err := m.CreateSnapshot(ctx, stale); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if err := m.CreateSnapshot(ctx, fresh); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	// Inserting the fresh snapshot lazily expired the overdue sibling.
	got, err := m.GetSnapshot(ctx, "sn-stale")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if got.Status != models.SnapshotExpired {
		t.Errorf("stale snapshot status = %s, want %s", got.Status, models.SnapshotExpired)
	}

	if err := m.MarkSnapshotExpired(ctx, "sn-fresh"); err != nil {
		t.Fatalf("MarkSnapshotExpired() error = %v", err)
	}
	got, err = m.GetSnapshot(ctx, "sn-fresh")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if got.Usable(now) {
		t.Error("expired snapshot still reported usable")
	}
}
