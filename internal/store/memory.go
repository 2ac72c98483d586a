package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// MemoryStore is an in-memory Store implementation used in simulated mode
// and by tests. It enforces the same stage transition rules as PgStore so
// tests exercise the real state machine.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string]*models.RiskAssessment
	plans       map[string]*models.DeploymentPlan
	stages      map[string]*models.DeploymentStage // stage ID -> stage
	snapshots   map[string]*models.Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string]*models.RiskAssessment),
		plans:       make(map[string]*models.DeploymentPlan),
		stages:      make(map[string]*models.DeploymentStage),
		snapshots:   make(map[string]*models.Snapshot),
	}
}

// SaveAssessment stores a copy of the assessment.
func (m *MemoryStore) SaveAssessment(ctx context.Context, a *models.RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.assessments[a.ID] = &cp
	return nil
}

// GetAssessment retrieves an assessment by ID.
func (m *MemoryStore) GetAssessment(ctx context.Context, id string) (*models.RiskAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assessments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// LatestAssessment returns the most recent assessment for a pair.
func (m *MemoryStore) LatestAssessment(ctx context.Context, vulnID, assetID string) (*models.RiskAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.RiskAssessment
	for _, a := range m.assessments {
		if a.VulnID != vulnID || a.AssetID != assetID {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// ListAssessmentsByAsset returns assessments for an asset, newest first.
func (m *MemoryStore) ListAssessmentsByAsset(ctx context.Context, assetID string, limit int) ([]*models.RiskAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*models.RiskAssessment
	for _, a := range m.assessments {
		if a.AssetID == assetID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreatePlan stores a plan and its stages.
func (m *MemoryStore) CreatePlan(ctx context.Context, plan *models.DeploymentPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *plan
	cp.Stages = make([]models.DeploymentStage, len(plan.Stages))
	copy(cp.Stages, plan.Stages)
	m.plans[plan.ID] = &cp

	for i := range cp.Stages {
		st := cp.Stages[i]
		m.stages[st.ID] = &st
	}
	return nil
}

// GetPlan retrieves a plan with its stages ordered by stage number.
func (m *MemoryStore) GetPlan(ctx context.Context, id string) (*models.DeploymentPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	cp.Stages = nil
	for _, st := range m.stages {
		if st.PlanID == id {
			cp.Stages = append(cp.Stages, *st)
		}
	}
	sort.Slice(cp.Stages, func(i, j int) bool {
		return cp.Stages[i].StageNumber < cp.Stages[j].StageNumber
	})
	return &cp, nil
}

// ListPlansByAsset returns plans targeting an asset, newest first.
func (m *MemoryStore) ListPlansByAsset(ctx context.Context, assetID string) ([]*models.DeploymentPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.DeploymentPlan
	for _, p := range m.plans {
		if p.AssetID == assetID {
			cp := *p
			cp.Stages = nil
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdatePlan persists the mutable top-level fields of a plan.
func (m *MemoryStore) UpdatePlan(ctx context.Context, plan *models.DeploymentPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.plans[plan.ID]
	if !ok {
		return &models.DatabaseError{Op: "update plan", Err: models.ErrNotFound}
	}
	stored.SnapshotID = plan.SnapshotID
	stored.CurrentStage = plan.CurrentStage
	stored.Completed = plan.Completed
	stored.Success = plan.Success
	stored.RolledBack = plan.RolledBack
	stored.StatusReason = plan.StatusReason
	stored.StartedAt = plan.StartedAt
	stored.CompletedAt = plan.CompletedAt
	return nil
}

// TransitionStage enforces the allowed-transitions table and applies the
// status change. Completing a stage advances the plan's stage index.
func (m *MemoryStore) TransitionStage(ctx context.Context, stage *models.DeploymentStage, to models.StageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.stages[stage.ID]
	if !ok {
		return &models.DatabaseError{Op: "stage transition", Err: models.ErrNotFound}
	}
	if !stored.Status.CanTransition(to) {
		return errInvalidTransition(stage.ID, stored.Status, to)
	}

	now := time.Now().UTC()
	if to == models.StageInProgress && stored.StartedAt == nil {
		stored.StartedAt = &now
	}
	if to.Terminal() && stored.CompletedAt == nil {
		stored.CompletedAt = &now
	}
	stored.Status = to
	stored.HealthPassed = stage.HealthPassed
	stored.HealthFailed = stage.HealthFailed
	stored.InstancesUpdated = stage.InstancesUpdated
	stored.ErrorMessage = stage.ErrorMessage

	if to == models.StageCompleted {
		if plan, ok := m.plans[stage.PlanID]; ok {
			plan.CurrentStage = stage.StageNumber + 1
		}
	}

	stage.Status = stored.Status
	stage.StartedAt = stored.StartedAt
	stage.CompletedAt = stored.CompletedAt
	return nil
}

// UpdateStageCounters persists a stage's counters without a status change.
func (m *MemoryStore) UpdateStageCounters(ctx context.Context, stage *models.DeploymentStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.stages[stage.ID]
	if !ok {
		return &models.DatabaseError{Op: "update stage counters", Err: models.ErrNotFound}
	}
	stored.HealthPassed = stage.HealthPassed
	stored.HealthFailed = stage.HealthFailed
	stored.InstancesUpdated = stage.InstancesUpdated
	return nil
}

// CreateSnapshot stores a snapshot and expires overdue snapshots from the
// same execution.
func (m *MemoryStore) CreateSnapshot(ctx context.Context, snap *models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *snap
	m.snapshots[snap.ID] = &cp

	now := time.Now().UTC()
	for _, sn := range m.snapshots {
		if sn.ExecutionID == snap.ExecutionID && sn.Status == models.SnapshotReady && now.After(sn.ExpiresAt) {
			sn.Status = models.SnapshotExpired
		}
	}
	return nil
}

// GetSnapshot retrieves a snapshot by ID.
func (m *MemoryStore) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sn, ok := m.snapshots[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *sn
	return &cp, nil
}

// ListSnapshotsByAsset returns snapshots for an asset, newest first.
func (m *MemoryStore) ListSnapshotsByAsset(ctx context.Context, assetID string) ([]*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Snapshot
	for _, sn := range m.snapshots {
		if sn.AssetID == assetID {
			cp := *sn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MarkSnapshotExpired marks a snapshot expired.
func (m *MemoryStore) MarkSnapshotExpired(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sn, ok := m.snapshots[id]
	if !ok {
		return &models.DatabaseError{Op: "mark snapshot expired", Err: models.ErrNotFound}
	}
	sn.Status = models.SnapshotExpired
	return nil
}

// ExpireOverdue marks overdue READY snapshots expired. An empty executionID
// sweeps all executions.
func (m *MemoryStore) ExpireOverdue(ctx context.Context, executionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	expired := 0
	for _, sn := range m.snapshots {
		if executionID != "" && sn.ExecutionID != executionID {
			continue
		}
		if sn.Status == models.SnapshotReady && now.After(sn.ExpiresAt) {
			sn.Status = models.SnapshotExpired
			expired++
		}
	}
	return expired, nil
}
