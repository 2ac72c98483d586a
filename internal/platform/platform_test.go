package platform

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

func k8sAsset(instances int) *models.Asset {
	return &models.Asset{
		ID:            "asset-web-01",
		Name:          "web-frontend",
		Platform:      models.PlatformKubernetes,
		InstanceCount: instances,
	}
}

func TestSimulatedDeployPercent(t *testing.T) {
	a := NewSimulatedAdapter(models.PlatformKubernetes)
	ctx := context.Background()
	asset := k8sAsset(8)
	a.SeedAsset(asset, "web:1.0.0")
	patch := &models.Patch{ID: "patch-1", ArtifactRef: "web:1.0.1"}

	if err := a.Deploy(ctx, asset, patch, StageSpec{StageNumber: 1, TargetPercent: 25}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if art := a.CurrentArtifact(asset.ID); art != "web:1.0.1" {
		t.Errorf("artifact = %q, want web:1.0.1", art)
	}

	// A tiny canary on a small fleet still touches at least one instance.
	small := k8sAsset(4)
	small.ID = "asset-web-02"
	a.SeedAsset(small, "web:1.0.0")
	if err := a.Deploy(ctx, small, patch, StageSpec{StageNumber: 1, TargetPercent: 5}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
}

func TestSimulatedBlueGreen(t *testing.T) {
	a := NewSimulatedAdapter(models.PlatformKubernetes)
	ctx := context.Background()
	asset := k8sAsset(4)
	a.SeedAsset(asset, "web:1.0.0")
	patch := &models.Patch{ID: "patch-1", ArtifactRef: "web:1.0.1"}

	// Switching without a green environment is an error.
	if err := a.SwitchTraffic(ctx, asset); err == nil {
		t.Error("SwitchTraffic() without green environment succeeded, want error")
	}

	if err := a.Deploy(ctx, asset, patch, StageSpec{StageNumber: 1, Environment: "green"}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	// Standing up green does not touch the serving fleet.
	env, err := a.ServingEnvironment(ctx, asset)
	if err != nil {
		t.Fatalf("ServingEnvironment() error = %v", err)
	}
	if env != "blue" {
		t.Errorf("serving environment = %q before switch, want blue", env)
	}
	if art := a.CurrentArtifact(asset.ID); art != "web:1.0.0" {
		t.Errorf("serving artifact = %q before switch, want web:1.0.0", art)
	}

	if err := a.SwitchTraffic(ctx, asset); err != nil {
		t.Fatalf("SwitchTraffic() error = %v", err)
	}
	env, _ = a.ServingEnvironment(ctx, asset)
	if env != "green" {
		t.Errorf("serving environment = %q after switch, want green", env)
	}
	if art := a.CurrentArtifact(asset.ID); art != "web:1.0.1" {
		t.Errorf("serving artifact = %q after switch, want web:1.0.1", art)
	}
}

func TestSimulatedSnapshotRestore(t *testing.T) {
	a := NewSimulatedAdapter(models.PlatformKubernetes)
	ctx := context.Background()
	asset := k8sAsset(4)
	a.SeedAsset(asset, "web:1.0.0")

	payload, err := a.Snapshot(ctx, asset)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	patch := &models.Patch{ID: "patch-1", ArtifactRef: "web:1.0.1"}
	if err := a.Deploy(ctx, asset, patch, StageSpec{StageNumber: 1, TargetPercent: 100}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if err := a.Restore(ctx, asset, payload); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if art := a.CurrentArtifact(asset.ID); art != "web:1.0.0" {
		t.Errorf("artifact after restore = %q, want web:1.0.0", art)
	}
}

func TestRegistrySelectsByPlatform(t *testing.T) {
	k8s := NewSimulatedAdapter(models.PlatformKubernetes)
	vm := NewSimulatedAdapter(models.PlatformVM)
	r := NewRegistry(k8s, vm)

	got, err := r.ForAsset(k8sAsset(1))
	if err != nil {
		t.Fatalf("ForAsset() error = %v", err)
	}
	if got.Kind() != models.PlatformKubernetes {
		t.Errorf("adapter kind = %s, want %s", got.Kind(), models.PlatformKubernetes)
	}

	bare := &models.Asset{ID: "asset-bm", Platform: models.PlatformBareMetal}
	if _, err := r.ForAsset(bare); err == nil {
		t.Error("ForAsset() for unregistered platform succeeded, want error")
	}
}

func TestCommandAdapterSnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state")
	if err := os.WriteFile(stateFile, []byte("v1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	a := NewCommandAdapter(models.PlatformVM, CommandConfig{
		SnapshotCmd: "cat " + stateFile,
		RestoreCmd:  "cat > " + stateFile,
	})
	ctx := context.Background()
	asset := &models.Asset{ID: "asset-vm-01", Name: "vm", Platform: models.PlatformVM}

	payload, err := a.Snapshot(ctx, asset)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if string(payload) != "v1\n" {
		t.Errorf("snapshot payload = %q, want %q", payload, "v1\n")
	}

	if err := os.WriteFile(stateFile, []byte("v2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := a.Restore(ctx, asset, payload); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	got, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "v1\n" {
		t.Errorf("state after restore = %q, want %q", got, "v1\n")
	}
}

func TestCommandAdapterDeployEnv(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "deploy.env")

	a := NewCommandAdapter(models.PlatformVM, CommandConfig{
		DeployCmd: `printf '%s %s %s' "$VANGUARD_ASSET_ID" "$VANGUARD_ARTIFACT" "$VANGUARD_TARGET_PERCENT" > ` + outFile,
	})
	ctx := context.Background()
	asset := &models.Asset{ID: "asset-vm-01", Name: "vm", Platform: models.PlatformVM}
	patch := &models.Patch{ID: "patch-1", ArtifactRef: "pkg-1.2.3"}

	if err := a.Deploy(ctx, asset, patch, StageSpec{StageNumber: 1, TargetPercent: 50}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	got, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "asset-vm-01 pkg-1.2.3 50" {
		t.Errorf("deploy env = %q, want %q", got, "asset-vm-01 pkg-1.2.3 50")
	}
}

func TestCommandAdapterUnconfiguredAction(t *testing.T) {
	a := NewCommandAdapter(models.PlatformVM, CommandConfig{})
	ctx := context.Background()
	asset := &models.Asset{ID: "asset-vm-01", Platform: models.PlatformVM}

	if err := a.Deploy(ctx, asset, &models.Patch{ID: "p", ArtifactRef: "x"}, StageSpec{}); err == nil {
		t.Error("Deploy() with no command configured succeeded, want error")
	}

	// Serving environment defaults to blue when no probe command exists.
	env, err := a.ServingEnvironment(ctx, asset)
	if err != nil {
		t.Fatalf("ServingEnvironment() error = %v", err)
	}
	if env != "blue" {
		t.Errorf("serving environment = %q, want blue", env)
	}
}
