// Package platform defines the adapter boundary between the deployment
// orchestrator and the systems it remediates.
//
// Each platform kind (kubernetes, docker, vm, bare metal) gets one Adapter
// implementation providing the narrow capability set the orchestrator needs:
// deploy a stage, switch traffic (blue-green), snapshot state, and restore
// from a snapshot. Adapters are selected from the Asset's platform field by
// a Registry, so no platform-kind branching leaks into the orchestrator.
package platform

import (
	"context"
	"fmt"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// StageSpec tells an adapter what portion of the fleet a deploy action
// targets: a percentage (canary), an instance batch (rolling), or a named
// parallel environment (blue-green).
type StageSpec struct {
	StageNumber     int
	TargetPercent   int
	TargetInstances int
	Environment     string // "green" when standing up the parallel environment
}

// Adapter is the capability set a platform must provide for staged
// remediation. Implementations may block on network I/O; all methods honor
// context cancellation.
type Adapter interface {
	// Kind identifies which platform this adapter serves.
	Kind() models.PlatformKind

	// Deploy applies the patch artifact to the portion of the asset
	// described by the stage spec.
	Deploy(ctx context.Context, asset *models.Asset, patch *models.Patch, spec StageSpec) error

	// SwitchTraffic atomically cuts traffic over to the environment most
	// recently deployed with Deploy. Blue-green only.
	SwitchTraffic(ctx context.Context, asset *models.Asset) error

	// Snapshot captures enough platform state to restore the asset to its
	// current condition. The payload is opaque to callers.
	Snapshot(ctx context.Context, asset *models.Asset) ([]byte, error)

	// Restore returns the asset to the state captured in the payload.
	Restore(ctx context.Context, asset *models.Asset, payload []byte) error

	// ServingEnvironment reports which environment currently serves traffic
	// (e.g. "blue" or "green"). Used to verify no-downtime guarantees.
	ServingEnvironment(ctx context.Context, asset *models.Asset) (string, error)
}

// Registry maps platform kinds to adapters.
type Registry struct {
	adapters map[models.PlatformKind]Adapter
}

// NewRegistry creates a Registry with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.PlatformKind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Register adds or replaces the adapter for its platform kind.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// ForAsset returns the adapter matching the asset's platform.
func (r *Registry) ForAsset(asset *models.Asset) (Adapter, error) {
	a, ok := r.adapters[asset.Platform]
	if !ok {
		return nil, fmt.Errorf("platform: no adapter registered for %q", asset.Platform)
	}
	return a, nil
}
