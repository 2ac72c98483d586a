package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// assetState is the simulated platform state for one asset.
type assetState struct {
	ArtifactRef     string `json:"artifact_ref"`
	Replicas        int    `json:"replicas"`
	UpdatedReplicas int    `json:"updated_replicas"`
	ServingEnv      string `json:"serving_env"`
	GreenArtifact   string `json:"green_artifact,omitempty"`
}

// SimulatedAdapter provides an in-memory platform for development and
// testing. It simulates a fleet per asset: deploys update replica counts,
// blue-green deploys stand up a green environment, and snapshots capture
// the full simulated state for later restore.
type SimulatedAdapter struct {
	kind models.PlatformKind

	mu    sync.Mutex
	state map[string]*assetState // asset ID -> state

	// DeployErr, SwitchErr, and RestoreErr inject failures for tests.
	DeployErr  error
	SwitchErr  error
	RestoreErr error
}

// NewSimulatedAdapter creates a SimulatedAdapter serving the given platform kind.
func NewSimulatedAdapter(kind models.PlatformKind) *SimulatedAdapter {
	return &SimulatedAdapter{
		kind:  kind,
		state: make(map[string]*assetState),
	}
}

// Kind identifies which platform this adapter serves.
func (a *SimulatedAdapter) Kind() models.PlatformKind { return a.kind }

// Deploy applies the patch to the simulated fleet portion described by spec.
func (a *SimulatedAdapter) Deploy(ctx context.Context, asset *models.Asset, patch *models.Patch, spec StageSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.DeployErr != nil {
		return a.DeployErr
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.ensureState(asset)

	if spec.Environment != "" {
		// Blue-green: stand up the parallel environment without touching
		// the serving fleet.
		st.GreenArtifact = patch.ArtifactRef
		log.Printf("platform: [simulated] deployed %s to %s environment of asset %s",
			patch.ArtifactRef, spec.Environment, asset.ID)
		return nil
	}

	updated := spec.TargetInstances
	if updated == 0 && spec.TargetPercent > 0 {
		updated = st.Replicas * spec.TargetPercent / 100
		if updated == 0 {
			updated = 1
		}
	}
	if updated > st.Replicas {
		updated = st.Replicas
	}
	if updated > st.UpdatedReplicas {
		st.UpdatedReplicas = updated
	}
	st.ArtifactRef = patch.ArtifactRef

	log.Printf("platform: [simulated] deployed %s to %d/%d instances of asset %s",
		patch.ArtifactRef, st.UpdatedReplicas, st.Replicas, asset.ID)
	return nil
}

// SwitchTraffic flips the serving environment to green.
func (a *SimulatedAdapter) SwitchTraffic(ctx context.Context, asset *models.Asset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.SwitchErr != nil {
		return a.SwitchErr
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.ensureState(asset)
	if st.GreenArtifact == "" {
		return fmt.Errorf("platform: asset %s has no green environment to switch to", asset.ID)
	}
	st.ServingEnv = "green"
	st.ArtifactRef = st.GreenArtifact
	log.Printf("platform: [simulated] switched traffic to green for asset %s", asset.ID)
	return nil
}

// Snapshot captures the full simulated state of the asset.
func (a *SimulatedAdapter) Snapshot(ctx context.Context, asset *models.Asset) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.ensureState(asset)
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("platform: marshal snapshot for asset %s: %w", asset.ID, err)
	}
	return payload, nil
}

// Restore returns the asset to a previously captured state.
func (a *SimulatedAdapter) Restore(ctx context.Context, asset *models.Asset, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.RestoreErr != nil {
		return a.RestoreErr
	}

	var st assetState
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("platform: unmarshal snapshot for asset %s: %w", asset.ID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.state[asset.ID] = &st
	log.Printf("platform: [simulated] restored asset %s to artifact %s (serving %s)",
		asset.ID, st.ArtifactRef, st.ServingEnv)
	return nil
}

// ServingEnvironment reports which environment currently serves traffic.
func (a *SimulatedAdapter) ServingEnvironment(ctx context.Context, asset *models.Asset) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.ensureState(asset).ServingEnv, nil
}

// CurrentArtifact reports the artifact currently running on the asset.
// Test helper for verifying rollback restored the pre-rollout state.
func (a *SimulatedAdapter) CurrentArtifact(assetID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.state[assetID]; ok {
		return st.ArtifactRef
	}
	return ""
}

// SeedAsset initializes the simulated state for an asset.
func (a *SimulatedAdapter) SeedAsset(asset *models.Asset, artifactRef string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	replicas := asset.InstanceCount
	if replicas <= 0 {
		replicas = 1
	}
	a.state[asset.ID] = &assetState{
		ArtifactRef: artifactRef,
		Replicas:    replicas,
		ServingEnv:  "blue",
	}
}

// ensureState returns the state for an asset, creating a default if needed.
// Callers must hold a.mu.
func (a *SimulatedAdapter) ensureState(asset *models.Asset) *assetState {
	st, ok := a.state[asset.ID]
	if !ok {
		replicas := asset.InstanceCount
		if replicas <= 0 {
			replicas = 1
		}
		st = &assetState{Replicas: replicas, ServingEnv: "blue"}
		a.state[asset.ID] = st
	}
	return st
}
