package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/platform"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

type stubValidator struct {
	healthy bool
	calls   int
}

func (v *stubValidator) ValidateStage(ctx context.Context, stage *models.DeploymentStage, checks []models.HealthCheckSpec, duration, interval time.Duration) bool {
	v.calls++
	if v.healthy {
		stage.HealthPassed++
	} else {
		stage.HealthFailed++
	}
	return v.healthy
}

func newTestManager(t *testing.T, healthy bool) (*Manager, *store.MemoryStore, *platform.SimulatedAdapter, *stubValidator) {
	t.Helper()
	ms := store.NewMemoryStore()
	sim := platform.NewSimulatedAdapter(models.PlatformKubernetes)
	v := &stubValidator{healthy: healthy}
	m := NewManager(Config{
		SnapshotTTL:    time.Hour,
		VerifyDuration: time.Second,
		VerifyInterval: time.Second,
	}, ms, platform.NewRegistry(sim), v)
	return m, ms, sim, v
}

func testAsset() *models.Asset {
	return &models.Asset{
		ID:            "asset-web-01",
		Name:          "web-frontend",
		Platform:      models.PlatformKubernetes,
		InstanceCount: 4,
	}
}

func testPlan(snapshotID string) *models.DeploymentPlan {
	return &models.DeploymentPlan{
		ID:           "dp-1",
		ExecutionID:  "ex-1",
		AssetID:      "asset-web-01",
		SnapshotID:   snapshotID,
		CurrentStage: 2,
	}
}

func TestCreateSnapshotCapturesState(t *testing.T) {
	m, ms, sim, _ := newTestManager(t, true)
	ctx := context.Background()

	asset := testAsset()
	sim.SeedAsset(asset, "web-frontend:1.4.1")

	snap, err := m.CreateSnapshot(ctx, "ex-1", asset)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if snap.Status != models.SnapshotReady {
		t.Errorf("status = %s, want %s", snap.Status, models.SnapshotReady)
	}
	if !snap.ExpiresAt.After(snap.CreatedAt) {
		t.Error("snapshot expires before it was created")
	}
	if len(snap.Payload) == 0 {
		t.Error("snapshot payload is empty")
	}

	stored, err := ms.GetSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if stored.AssetID != asset.ID || stored.ExecutionID != "ex-1" {
		t.Errorf("stored snapshot = asset %s execution %s, want %s/ex-1", stored.AssetID, stored.ExecutionID, asset.ID)
	}
}

func TestRollbackRestoresAndExpiresSnapshot(t *testing.T) {
	m, ms, sim, v := newTestManager(t, true)
	ctx := context.Background()

	asset := testAsset()
	sim.SeedAsset(asset, "web-frontend:1.4.1")
	snap, err := m.CreateSnapshot(ctx, "ex-1", asset)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	// Simulate the rollout that went bad.
	if err := sim.Deploy(ctx, asset, &models.Patch{ID: "patch-001", ArtifactRef: "web-frontend:1.4.2"}, platform.StageSpec{TargetPercent: 100}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	restored, err := m.Rollback(ctx, testPlan(snap.ID), snap, asset, nil)
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if !restored {
		t.Fatal("Rollback() = false, want true")
	}
	if art := sim.CurrentArtifact(asset.ID); art != "web-frontend:1.4.1" {
		t.Errorf("artifact after rollback = %q, want %q", art, "web-frontend:1.4.1")
	}
	if v.calls != 1 {
		t.Errorf("post-restore validation ran %d times, want 1", v.calls)
	}

	stored, err := ms.GetSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if stored.Status != models.SnapshotExpired {
		t.Errorf("used snapshot status = %s, want %s", stored.Status, models.SnapshotExpired)
	}
}

func TestRollbackRefusesExpiredSnapshot(t *testing.T) {
	m, _, sim, _ := newTestManager(t, true)
	ctx := context.Background()

	asset := testAsset()
	sim.SeedAsset(asset, "web-frontend:1.4.1")
	snap, err := m.CreateSnapshot(ctx, "ex-1", asset)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	snap.Status = models.SnapshotExpired

	_, err = m.Rollback(ctx, testPlan(snap.ID), snap, asset, nil)
	if !models.IsRollbackFailure(err) {
		t.Fatalf("Rollback() error = %v, want rollback failure", err)
	}
}

func TestRollbackRefusesOverdueSnapshot(t *testing.T) {
	m, _, sim, _ := newTestManager(t, true)
	ctx := context.Background()

	asset := testAsset()
	sim.SeedAsset(asset, "web-frontend:1.4.1")
	snap, err := m.CreateSnapshot(ctx, "ex-1", asset)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	snap.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	_, err = m.Rollback(ctx, testPlan(snap.ID), snap, asset, nil)
	if !models.IsRollbackFailure(err) {
		t.Fatalf("Rollback() error = %v, want rollback failure", err)
	}
}

func TestRollbackRestoreFailure(t *testing.T) {
	m, ms, sim, _ := newTestManager(t, true)
	ctx := context.Background()

	asset := testAsset()
	sim.SeedAsset(asset, "web-frontend:1.4.1")
	snap, err := m.CreateSnapshot(ctx, "ex-1", asset)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	sim.RestoreErr = errors.New("api server unreachable")

	_, err = m.Rollback(ctx, testPlan(snap.ID), snap, asset, nil)
	if !models.IsRollbackFailure(err) {
		t.Fatalf("Rollback() error = %v, want rollback failure", err)
	}

	// A failed restore must not burn the snapshot.
	stored, err := ms.GetSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if stored.Status != models.SnapshotReady {
		t.Errorf("snapshot status = %s after failed restore, want %s", stored.Status, models.SnapshotReady)
	}
}

func TestRollbackFailedVerification(t *testing.T) {
	m, _, sim, _ := newTestManager(t, false)
	ctx := context.Background()

	asset := testAsset()
	sim.SeedAsset(asset, "web-frontend:1.4.1")
	snap, err := m.CreateSnapshot(ctx, "ex-1", asset)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	checks := []models.HealthCheckSpec{{Type: models.CheckHTTP, URL: "http://127.0.0.1/healthz"}}
	_, err = m.Rollback(ctx, testPlan(snap.ID), snap, asset, checks)
	if !models.IsRollbackFailure(err) {
		t.Fatalf("Rollback() error = %v, want rollback failure", err)
	}
}

func TestNewSnapshotExpiresOverdueSiblings(t *testing.T) {
	m, ms, sim, _ := newTestManager(t, true)
	ctx := context.Background()

	asset := testAsset()
	sim.SeedAsset(asset, "web-frontend:1.4.1")

	// An overdue snapshot from the same execution, still marked ready.
	now := time.Now().UTC()
	stale := &models.Snapshot{
		ID:          "sn-stale",
		ExecutionID: "ex-1",
		AssetID:     asset.ID,
		Platform:    asset.Platform,
		Payload:     []byte(`{}`),
		Status:      models.SnapshotReady,
		CreatedAt:   now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	}
	if err := ms.CreateSnapshot(ctx, stale); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	if _, err := m.CreateSnapshot(ctx, "ex-1", asset); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	got, err := ms.GetSnapshot(ctx, "sn-stale")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if got.Status != models.SnapshotExpired {
		t.Errorf("stale snapshot status = %s, want %s", got.Status, models.SnapshotExpired)
	}
}
