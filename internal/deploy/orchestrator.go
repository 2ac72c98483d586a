package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/platform"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/rollback"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// Config holds orchestration tunables.
type Config struct {
	// Validation window per strategy, polled at ProbeInterval. Blue-green
	// gets a shorter window because the green environment was already
	// validated before the switch.
	CanaryWindow    time.Duration
	RollingWindow   time.Duration
	BlueGreenWindow time.Duration
	ProbeInterval   time.Duration

	// MaxPlanDuration is the default execution ceiling for plans that do
	// not set their own.
	MaxPlanDuration time.Duration

	// LockTTL bounds how long a crashed executor can hold an asset's
	// distributed deployment lock.
	LockTTL time.Duration
}

// DefaultConfig returns the default orchestration configuration.
func DefaultConfig() Config {
	return Config{
		CanaryWindow:    5 * time.Minute,
		RollingWindow:   5 * time.Minute,
		BlueGreenWindow: 3 * time.Minute,
		ProbeInterval:   30 * time.Second,
		MaxPlanDuration: 2 * time.Hour,
		LockTTL:         3 * time.Hour,
	}
}

// StageValidator gates stage progression on repeated health checks.
// Implemented by healthcheck.Validator.
type StageValidator interface {
	ValidateStage(ctx context.Context, stage *models.DeploymentStage, checks []models.HealthCheckSpec, duration, interval time.Duration) bool
}

// PlanRequest describes a deployment plan to create.
type PlanRequest struct {
	// ExecutionID links the plan to the remediation execution that requested
	// it. One is generated when the caller has none.
	ExecutionID string

	Asset    *models.Asset
	Patch    *models.Patch
	Strategy models.DeployStrategy

	// CanaryPercents overrides the default 5/25/50/100 traffic ramp.
	CanaryPercents []int
	// BatchSize sets the rolling batch size, default 1.
	BatchSize int
	// MaxDuration overrides the configured plan execution ceiling.
	MaxDuration time.Duration
}

// Orchestrator creates deployment plans and drives their execution through
// the stage state machine. It is safe for concurrent use; at most one plan
// executes against a given asset at a time.
type Orchestrator struct {
	cfg       Config
	store     store.PlanStore
	adapters  *platform.Registry
	validator StageValidator
	rollback  *rollback.Manager
	cache     *cache.Cache // optional, nil disables the distributed lock

	mu       sync.Mutex
	inflight map[string]string // asset id -> executing plan id

	now func() time.Time
}

// NewOrchestrator wires an Orchestrator. The cache may be nil, in which case
// only the in-process lock guards against concurrent plans per asset.
func NewOrchestrator(cfg Config, s store.PlanStore, adapters *platform.Registry, validator StageValidator, rb *rollback.Manager, c *cache.Cache) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     s,
		adapters:  adapters,
		validator: validator,
		rollback:  rb,
		cache:     c,
		inflight:  make(map[string]string),
		now:       time.Now,
	}
}

// CreatePlan validates a plan request, expands it into stages, and persists
// the plan in pending state. Execution is a separate step.
func (o *Orchestrator) CreatePlan(ctx context.Context, req *PlanRequest) (*models.DeploymentPlan, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	planID := "dp-" + uuid.New().String()
	stages, err := buildStages(planID, req)
	if err != nil {
		return nil, err
	}

	maxDuration := req.MaxDuration
	if maxDuration == 0 {
		maxDuration = o.cfg.MaxPlanDuration
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = "ex-" + uuid.New().String()
	}

	plan := &models.DeploymentPlan{
		ID:             planID,
		ExecutionID:    executionID,
		Strategy:       req.Strategy,
		AssetID:        req.Asset.ID,
		PatchID:        req.Patch.ID,
		Stages:         stages,
		CurrentStage:   1,
		MaxDurationSec: int64(maxDuration / time.Second),
		CreatedAt:      o.now().UTC(),
	}

	if err := o.store.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}
	log.Printf("deploy: created %s plan %s for asset %s (%d stages)",
		plan.Strategy, plan.ID, plan.AssetID, len(plan.Stages))
	return plan, nil
}

// GetPlan fetches a plan with its stages.
func (o *Orchestrator) GetPlan(ctx context.Context, id string) (*models.DeploymentPlan, error) {
	return o.store.GetPlan(ctx, id)
}

// ListPlans returns all plans for an asset, newest first.
func (o *Orchestrator) ListPlans(ctx context.Context, assetID string) ([]*models.DeploymentPlan, error) {
	return o.store.ListPlansByAsset(ctx, assetID)
}

// Execute runs a pending plan to completion: snapshot, then each stage in
// order through deploy and health validation. The asset and patch must match
// the ones the plan was created for.
//
// When autoRollback is set, the first stage failure restores the pre-rollout
// snapshot; otherwise the plan halts with the failed stage left in place and
// the snapshot stays usable for a manual rollback.
//
// Execute blocks until the plan reaches a terminal state. A stage failure
// returns a *models.DeploymentError whether or not a rollback ran; a failed
// rollback returns a *models.RollbackError and the asset needs human
// attention.
func (o *Orchestrator) Execute(ctx context.Context, planID string, asset *models.Asset, patch *models.Patch, checks []models.HealthCheckSpec, autoRollback bool) error {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Completed || plan.StartedAt != nil {
		return &models.ValidationError{Field: "plan_id", Reason: "plan has already been executed"}
	}
	if asset == nil || asset.ID != plan.AssetID {
		return &models.ValidationError{Field: "asset_id", Reason: "asset does not match plan"}
	}
	if patch == nil || patch.ID != plan.PatchID {
		return &models.ValidationError{Field: "patch_id", Reason: "patch does not match plan"}
	}

	release, err := o.lockAsset(ctx, plan)
	if err != nil {
		return err
	}
	defer release()

	adapter, err := o.adapters.ForAsset(asset)
	if err != nil {
		return err
	}

	started := o.now().UTC()
	plan.StartedAt = &started
	if err := o.store.UpdatePlan(ctx, plan); err != nil {
		return err
	}

	runCtx := ctx
	if d := plan.MaxDuration(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	snap, err := o.rollback.CreateSnapshot(runCtx, plan.ExecutionID, asset)
	if err != nil {
		return o.finishPlan(ctx, plan, false, false, fmt.Sprintf("snapshot failed: %v", err), err)
	}
	plan.SnapshotID = snap.ID
	if err := o.store.UpdatePlan(runCtx, plan); err != nil {
		return err
	}

	log.Printf("deploy: executing plan %s against asset %s under snapshot %s", plan.ID, asset.ID, snap.ID)

	updated := 0
	for i := range plan.Stages {
		stage := &plan.Stages[i]
		if err := o.runStage(runCtx, plan, stage, adapter, asset, patch, checks, &updated); err != nil {
			if !autoRollback {
				return o.failAndHalt(ctx, plan, stage, snap, err)
			}
			return o.failAndRollback(ctx, plan, stage, snap, asset, checks, err)
		}
	}

	return o.finishPlan(ctx, plan, true, false, "all stages completed", nil)
}

// runStage drives one stage through in_progress, validating, and completed.
// Any returned error leaves the stage in failed state with its error message
// recorded.
func (o *Orchestrator) runStage(ctx context.Context, plan *models.DeploymentPlan, stage *models.DeploymentStage, adapter platform.Adapter, asset *models.Asset, patch *models.Patch, checks []models.HealthCheckSpec, updated *int) error {
	if err := o.store.TransitionStage(ctx, stage, models.StageInProgress); err != nil {
		return err
	}
	log.Printf("deploy: plan %s stage %d: %s", plan.ID, stage.StageNumber, stage.Description)

	if err := o.applyStage(ctx, plan, stage, adapter, asset, patch, updated); err != nil {
		return o.failStage(ctx, plan, stage, err)
	}
	stage.InstancesUpdated = *updated
	if err := o.store.UpdateStageCounters(ctx, stage); err != nil {
		return err
	}

	if err := o.store.TransitionStage(ctx, stage, models.StageValidating); err != nil {
		return err
	}
	healthy := o.validator.ValidateStage(ctx, stage, checks, o.window(plan.Strategy), o.cfg.ProbeInterval)
	if err := o.store.UpdateStageCounters(ctx, stage); err != nil {
		return err
	}
	if !healthy {
		return o.failStage(ctx, plan, stage, fmt.Errorf("health validation failed (%d probes failed)", stage.HealthFailed))
	}

	if err := o.store.TransitionStage(ctx, stage, models.StageCompleted); err != nil {
		return err
	}
	plan.CurrentStage = stage.StageNumber + 1
	return nil
}

// applyStage performs the platform action for one stage. The second
// blue-green stage is a traffic switch; everything else is a deploy.
func (o *Orchestrator) applyStage(ctx context.Context, plan *models.DeploymentPlan, stage *models.DeploymentStage, adapter platform.Adapter, asset *models.Asset, patch *models.Patch, updated *int) error {
	if plan.Strategy == models.StrategyBlueGreen && stage.StageNumber == 2 {
		return adapter.SwitchTraffic(ctx, asset)
	}

	spec := platform.StageSpec{
		StageNumber:     stage.StageNumber,
		TargetPercent:   stage.TargetPercent,
		TargetInstances: stage.TargetInstances,
	}
	if plan.Strategy == models.StrategyBlueGreen {
		spec.Environment = "green"
	}
	if err := adapter.Deploy(ctx, asset, patch, spec); err != nil {
		return err
	}

	switch plan.Strategy {
	case models.StrategyCanary, models.StrategyBlueGreen:
		*updated = stage.InstancesTotal * stage.TargetPercent / 100
	case models.StrategyRolling:
		*updated += stage.TargetInstances
	}
	return nil
}

// failStage moves a stage to failed with its error recorded, preferring a
// timeout error when the plan's execution ceiling was what killed it.
func (o *Orchestrator) failStage(ctx context.Context, plan *models.DeploymentPlan, stage *models.DeploymentStage, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && plan.StartedAt != nil {
		cause = &models.TimeoutError{
			PlanID:  plan.ID,
			Elapsed: o.now().UTC().Sub(*plan.StartedAt),
			Limit:   plan.MaxDuration(),
		}
	}
	stage.ErrorMessage = cause.Error()

	// The plan context may already be dead; the failure must still land in
	// the store.
	if err := o.store.TransitionStage(context.WithoutCancel(ctx), stage, models.StageFailed); err != nil {
		log.Printf("deploy: warning: could not record failure of stage %s: %v", stage.ID, err)
	}
	return cause
}

// failAndHalt closes out a failed plan without touching the asset. The
// pre-rollout snapshot is left ready so an operator can roll back by hand.
func (o *Orchestrator) failAndHalt(ctx context.Context, plan *models.DeploymentPlan, stage *models.DeploymentStage, snap *models.Snapshot, cause error) error {
	log.Printf("deploy: plan %s failed at stage %d, auto rollback disabled: %v", plan.ID, stage.StageNumber, cause)

	reason := fmt.Sprintf("stage %d failed: %v; halted, snapshot %s left ready", stage.StageNumber, cause, snap.ID)
	if err := o.finishPlan(ctx, plan, false, false, reason, cause); err != nil {
		return err
	}
	return &models.DeploymentError{
		PlanID:      plan.ID,
		StageNumber: stage.StageNumber,
		Op:          "execute",
		Err:         cause,
	}
}

// failAndRollback handles a stage failure: restore the pre-rollout snapshot,
// verify the restored state, and close the plan out as rolled back. A failed
// rollback is terminal and surfaces as a RollbackError.
func (o *Orchestrator) failAndRollback(ctx context.Context, plan *models.DeploymentPlan, stage *models.DeploymentStage, snap *models.Snapshot, asset *models.Asset, checks []models.HealthCheckSpec, cause error) error {
	log.Printf("deploy: plan %s failed at stage %d: %v", plan.ID, stage.StageNumber, cause)

	// Rollback must run even after the plan deadline has passed.
	rbCtx := context.WithoutCancel(ctx)
	restored, rbErr := o.rollback.Rollback(rbCtx, plan, snap, asset, checks)
	if rbErr != nil {
		reason := fmt.Sprintf("stage %d failed: %v; rollback failed: %v", stage.StageNumber, cause, rbErr)
		if err := o.finishPlan(rbCtx, plan, false, false, reason, cause); err != nil {
			return err
		}
		return rbErr
	}

	if restored {
		if err := o.store.TransitionStage(rbCtx, stage, models.StageRolledBack); err != nil {
			log.Printf("deploy: warning: could not mark stage %s rolled back: %v", stage.ID, err)
		}
	}
	reason := fmt.Sprintf("stage %d failed: %v; rolled back to snapshot %s", stage.StageNumber, cause, snap.ID)
	if err := o.finishPlan(rbCtx, plan, false, true, reason, cause); err != nil {
		return err
	}
	return &models.DeploymentError{
		PlanID:      plan.ID,
		StageNumber: stage.StageNumber,
		Op:          "execute",
		Err:         cause,
	}
}

// finishPlan records a plan's terminal state and caches a status summary for
// cheap polling. It returns the store error, if any, so callers can surface
// persistence failures over the original cause.
func (o *Orchestrator) finishPlan(ctx context.Context, plan *models.DeploymentPlan, success, rolledBack bool, reason string, cause error) error {
	done := o.now().UTC()
	plan.Completed = true
	plan.Success = success
	plan.RolledBack = rolledBack
	plan.StatusReason = reason
	plan.CompletedAt = &done

	if err := o.store.UpdatePlan(context.WithoutCancel(ctx), plan); err != nil {
		return err
	}
	log.Printf("deploy: plan %s finished: success=%t rolled_back=%t (%s)", plan.ID, success, rolledBack, reason)

	if o.cache != nil {
		summary := map[string]any{
			"plan_id":       plan.ID,
			"completed":     true,
			"success":       success,
			"rolled_back":   rolledBack,
			"status_reason": reason,
		}
		if err := o.cache.SetJSON(context.WithoutCancel(ctx), cache.PlanStatusKey(plan.ID), summary, 24*time.Hour); err != nil {
			log.Printf("deploy: warning: could not cache status of plan %s: %v", plan.ID, err)
		}
	}
	return nil
}

// lockAsset serializes plan execution per asset. The in-process map catches
// collisions inside one executor; the redis lock extends that guarantee
// across replicas when a cache is configured.
func (o *Orchestrator) lockAsset(ctx context.Context, plan *models.DeploymentPlan) (func(), error) {
	o.mu.Lock()
	if other, busy := o.inflight[plan.AssetID]; busy {
		o.mu.Unlock()
		return nil, &models.ValidationError{
			Field:  "asset_id",
			Reason: fmt.Sprintf("plan %s is already executing against this asset", other),
		}
	}
	o.inflight[plan.AssetID] = plan.ID
	o.mu.Unlock()

	releaseLocal := func() {
		o.mu.Lock()
		delete(o.inflight, plan.AssetID)
		o.mu.Unlock()
	}

	if o.cache == nil {
		return releaseLocal, nil
	}

	ok, err := o.cache.AcquireLock(ctx, plan.AssetID, plan.ID, o.cfg.LockTTL)
	if err != nil {
		releaseLocal()
		return nil, err
	}
	if !ok {
		releaseLocal()
		return nil, &models.ValidationError{
			Field:  "asset_id",
			Reason: "another plan holds the deployment lock for this asset",
		}
	}
	return func() {
		if err := o.cache.ReleaseLock(context.WithoutCancel(ctx), plan.AssetID, plan.ID); err != nil {
			log.Printf("deploy: warning: could not release lock for asset %s: %v", plan.AssetID, err)
		}
		releaseLocal()
	}, nil
}

// window returns the health validation window for a strategy.
func (o *Orchestrator) window(strategy models.DeployStrategy) time.Duration {
	switch strategy {
	case models.StrategyBlueGreen:
		return o.cfg.BlueGreenWindow
	case models.StrategyRolling:
		return o.cfg.RollingWindow
	default:
		return o.cfg.CanaryWindow
	}
}

func validateRequest(req *PlanRequest) error {
	if req == nil {
		return &models.ValidationError{Field: "request", Reason: "is required"}
	}
	if req.Asset == nil || req.Asset.ID == "" {
		return &models.ValidationError{Field: "asset_id", Reason: "is required"}
	}
	if req.Patch == nil || req.Patch.ID == "" {
		return &models.ValidationError{Field: "patch_id", Reason: "is required"}
	}
	if req.Patch.ArtifactRef == "" {
		return &models.ValidationError{Field: "artifact_ref", Reason: "is required"}
	}
	switch req.Strategy {
	case models.StrategyCanary, models.StrategyBlueGreen, models.StrategyRolling:
	default:
		return &models.ValidationError{
			Field:  "strategy",
			Reason: fmt.Sprintf("unknown strategy %q", req.Strategy),
		}
	}
	if req.MaxDuration < 0 {
		return &models.ValidationError{Field: "max_duration", Reason: "must not be negative"}
	}
	return nil
}
