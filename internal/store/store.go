package store

import (
	"context"
	"fmt"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// AssessmentStore defines the persistence interface for risk assessments.
// Assessments are insert-only; a newer assessment supersedes an older one.
// Implementations must be safe for concurrent use.
type AssessmentStore interface {
	SaveAssessment(ctx context.Context, a *models.RiskAssessment) error
	GetAssessment(ctx context.Context, id string) (*models.RiskAssessment, error)
	LatestAssessment(ctx context.Context, vulnID, assetID string) (*models.RiskAssessment, error)
	ListAssessmentsByAsset(ctx context.Context, assetID string, limit int) ([]*models.RiskAssessment, error)
}

// PlanStore defines the persistence interface for deployment plans and their
// stages. Stage status changes must go through TransitionStage, which
// enforces the allowed-transitions table and persists the change atomically.
type PlanStore interface {
	CreatePlan(ctx context.Context, plan *models.DeploymentPlan) error
	GetPlan(ctx context.Context, id string) (*models.DeploymentPlan, error)
	ListPlansByAsset(ctx context.Context, assetID string) ([]*models.DeploymentPlan, error)
	UpdatePlan(ctx context.Context, plan *models.DeploymentPlan) error
	TransitionStage(ctx context.Context, stage *models.DeploymentStage, to models.StageStatus) error
	UpdateStageCounters(ctx context.Context, stage *models.DeploymentStage) error
}

// SnapshotStore defines the persistence interface for asset snapshots.
// Inserting a snapshot lazily expires overdue snapshots from the same
// execution, so a stale snapshot can never be picked up for rollback.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap *models.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error)
	ListSnapshotsByAsset(ctx context.Context, assetID string) ([]*models.Snapshot, error)
	MarkSnapshotExpired(ctx context.Context, id string) error
	// ExpireOverdue marks overdue READY snapshots expired. An empty
	// executionID sweeps all executions.
	ExpireOverdue(ctx context.Context, executionID string) (int, error)
}

// Store combines all persistence interfaces. The PgStore and MemoryStore
// implementations both satisfy it.
type Store interface {
	AssessmentStore
	PlanStore
	SnapshotStore
}

// errInvalidTransition builds the error returned when a stage status change
// violates the allowed-transitions table. It is not retryable and not a
// database failure; it indicates a logic error in the caller.
func errInvalidTransition(stageID string, from, to models.StageStatus) error {
	return fmt.Errorf("store: stage %s: invalid transition %s -> %s", stageID, from, to)
}
