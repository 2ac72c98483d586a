// Package rollback implements snapshot capture and restore for deployment
// plans.
//
// Before the first stage of any rollout, the manager captures a point-in-time
// snapshot of the asset's platform state. On stage failure the orchestrator
// hands the snapshot back and the manager restores it through the platform
// adapter, then re-runs the deployment's health checks to confirm the
// restored state actually serves. A rollback that fails health validation is
// fatal and loudly reported: the asset may be in an undefined state and no
// further automatic remediation is attempted.
package rollback

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/platform"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// StageValidator gates restored state the same way stages are gated.
type StageValidator interface {
	ValidateStage(ctx context.Context, stage *models.DeploymentStage, checks []models.HealthCheckSpec, duration, interval time.Duration) bool
}

// Config holds rollback tunables. The zero value is not usable; use
// DefaultConfig.
type Config struct {
	// SnapshotTTL is how long a snapshot stays usable for rollback.
	SnapshotTTL time.Duration

	// VerifyDuration and VerifyInterval bound the post-restore health
	// validation window.
	VerifyDuration time.Duration
	VerifyInterval time.Duration
}

// DefaultConfig returns the default rollback configuration.
func DefaultConfig() Config {
	return Config{
		SnapshotTTL:    24 * time.Hour,
		VerifyDuration: 2 * time.Minute,
		VerifyInterval: 15 * time.Second,
	}
}

// Manager creates snapshots before rollouts and restores them on failure.
type Manager struct {
	cfg       Config
	snapshots store.SnapshotStore
	adapters  *platform.Registry
	validator StageValidator
}

// NewManager creates a rollback Manager with the given dependencies.
func NewManager(cfg Config, snapshots store.SnapshotStore, adapters *platform.Registry, validator StageValidator) *Manager {
	return &Manager{
		cfg:       cfg,
		snapshots: snapshots,
		adapters:  adapters,
		validator: validator,
	}
}

// CreateSnapshot captures the asset's current platform state and persists it
// with READY status and a TTL. Inserting also lazily expires overdue
// snapshots from the same execution.
func (m *Manager) CreateSnapshot(ctx context.Context, executionID string, asset *models.Asset) (*models.Snapshot, error) {
	adapter, err := m.adapters.ForAsset(asset)
	if err != nil {
		return nil, err
	}

	payload, err := adapter.Snapshot(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("rollback: snapshot asset %s: %w", asset.ID, err)
	}

	now := time.Now().UTC()
	snap := &models.Snapshot{
		ID:          "sn-" + uuid.New().String(),
		ExecutionID: executionID,
		AssetID:     asset.ID,
		Platform:    asset.Platform,
		Payload:     payload,
		Status:      models.SnapshotReady,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.SnapshotTTL),
	}

	if err := m.snapshots.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	log.Printf("rollback: created snapshot %s for asset %s (expires %s)",
		snap.ID, asset.ID, snap.ExpiresAt.Format(time.RFC3339))
	return snap, nil
}

// Rollback restores the asset to the referenced snapshot and re-runs the
// deployment's health checks against the restored state. On success the
// snapshot is marked expired so it can never back a second rollback.
//
// Any failure here is a RollbackError: restore failures and failed
// post-restore validation both leave the asset in a state that requires
// human attention.
func (m *Manager) Rollback(ctx context.Context, plan *models.DeploymentPlan, snap *models.Snapshot, asset *models.Asset, checks []models.HealthCheckSpec) (bool, error) {
	if !snap.Usable(time.Now().UTC()) {
		return false, &models.RollbackError{
			PlanID:     plan.ID,
			SnapshotID: snap.ID,
			Err:        fmt.Errorf("snapshot is %s and cannot be restored", snap.Status),
		}
	}

	adapter, err := m.adapters.ForAsset(asset)
	if err != nil {
		return false, &models.RollbackError{PlanID: plan.ID, SnapshotID: snap.ID, Err: err}
	}

	log.Printf("rollback: restoring asset %s from snapshot %s for plan %s", asset.ID, snap.ID, plan.ID)

	if err := adapter.Restore(ctx, asset, snap.Payload); err != nil {
		return false, &models.RollbackError{
			PlanID:     plan.ID,
			SnapshotID: snap.ID,
			Err:        fmt.Errorf("restore failed: %w", err),
		}
	}

	// Verify the restored state is actually healthy before declaring the
	// rollback successful. Counters go to a transient stage record; the
	// plan's own stages keep their rollout-time counters.
	verify := &models.DeploymentStage{
		PlanID:      plan.ID,
		StageNumber: plan.CurrentStage,
		Description: "post-rollback verification",
	}
	if !m.validator.ValidateStage(ctx, verify, checks, m.cfg.VerifyDuration, m.cfg.VerifyInterval) {
		return false, &models.RollbackError{
			PlanID:     plan.ID,
			SnapshotID: snap.ID,
			Err:        fmt.Errorf("restored state failed health validation (%d checks failed)", verify.HealthFailed),
		}
	}

	// A snapshot confirmed used by a rollback is never reused.
	if err := m.snapshots.MarkSnapshotExpired(ctx, snap.ID); err != nil {
		log.Printf("rollback: warning: could not expire used snapshot %s: %v", snap.ID, err)
	}

	log.Printf("rollback: asset %s restored and verified from snapshot %s", asset.ID, snap.ID)
	return true, nil
}

// GetSnapshot retrieves a snapshot by ID.
func (m *Manager) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	return m.snapshots.GetSnapshot(ctx, id)
}

// ListSnapshots returns snapshots for an asset, newest first.
func (m *Manager) ListSnapshots(ctx context.Context, assetID string) ([]*models.Snapshot, error) {
	return m.snapshots.ListSnapshotsByAsset(ctx, assetID)
}

// ExpireOverdue marks overdue READY snapshots of one execution expired.
// Called by the background sweeper in main.
func (m *Manager) ExpireOverdue(ctx context.Context, executionID string) (int, error) {
	return m.snapshots.ExpireOverdue(ctx, executionID)
}
