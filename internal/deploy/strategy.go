// Package deploy builds and executes staged deployment plans. A plan rolls
// one patch out to one asset through a canary, blue-green, or rolling
// strategy, gating each stage on health validation and rolling back to a
// pre-rollout snapshot on failure.
package deploy

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// defaultCanaryPercents is the default traffic ramp for canary plans.
var defaultCanaryPercents = []int{5, 25, 50, 100}

// buildStages expands a plan request into its ordered stage list. Stage
// numbers are 1-based and each stage gets its own id.
func buildStages(planID string, req *PlanRequest) ([]models.DeploymentStage, error) {
	switch req.Strategy {
	case models.StrategyCanary:
		return canaryStages(planID, req)
	case models.StrategyBlueGreen:
		return blueGreenStages(planID, req)
	case models.StrategyRolling:
		return rollingStages(planID, req)
	default:
		return nil, &models.ValidationError{
			Field:  "strategy",
			Reason: fmt.Sprintf("unknown strategy %q", req.Strategy),
		}
	}
}

// canaryStages builds one stage per traffic percentage. Percentages must be
// strictly increasing and end at 100 so the rollout always converges on the
// full fleet.
func canaryStages(planID string, req *PlanRequest) ([]models.DeploymentStage, error) {
	percents := req.CanaryPercents
	if len(percents) == 0 {
		percents = defaultCanaryPercents
	}

	prev := 0
	for _, p := range percents {
		if p <= prev || p > 100 {
			return nil, &models.ValidationError{
				Field:  "canary_percents",
				Reason: "must be strictly increasing values in 1-100",
			}
		}
		prev = p
	}
	if percents[len(percents)-1] != 100 {
		return nil, &models.ValidationError{
			Field:  "canary_percents",
			Reason: "final stage must reach 100",
		}
	}

	stages := make([]models.DeploymentStage, 0, len(percents))
	for i, p := range percents {
		stages = append(stages, models.DeploymentStage{
			ID:             "ds-" + uuid.New().String(),
			PlanID:         planID,
			StageNumber:    i + 1,
			Description:    fmt.Sprintf("canary: shift %d%% of traffic", p),
			TargetPercent:  p,
			Status:         models.StagePending,
			InstancesTotal: req.Asset.InstanceCount,
		})
	}
	return stages, nil
}

// blueGreenStages builds exactly two stages: deploy the patched green
// environment, then switch traffic to it.
func blueGreenStages(planID string, req *PlanRequest) ([]models.DeploymentStage, error) {
	return []models.DeploymentStage{
		{
			ID:             "ds-" + uuid.New().String(),
			PlanID:         planID,
			StageNumber:    1,
			Description:    "blue-green: deploy green environment",
			TargetPercent:  100,
			Status:         models.StagePending,
			InstancesTotal: req.Asset.InstanceCount,
		},
		{
			ID:             "ds-" + uuid.New().String(),
			PlanID:         planID,
			StageNumber:    2,
			Description:    "blue-green: switch traffic to green",
			TargetPercent:  100,
			Status:         models.StagePending,
			InstancesTotal: req.Asset.InstanceCount,
		},
	}, nil
}

// rollingStages splits the asset's instances into fixed-size batches, one
// stage per batch. The default batch size of one trades speed for the
// smallest possible blast radius.
func rollingStages(planID string, req *PlanRequest) ([]models.DeploymentStage, error) {
	batch := req.BatchSize
	if batch == 0 {
		batch = 1
	}
	if batch < 0 {
		return nil, &models.ValidationError{Field: "batch_size", Reason: "must be at least 1"}
	}

	total := req.Asset.InstanceCount
	if total <= 0 {
		total = 1
	}

	var stages []models.DeploymentStage
	for done := 0; done < total; done += batch {
		size := batch
		if done+size > total {
			size = total - done
		}
		n := len(stages) + 1
		stages = append(stages, models.DeploymentStage{
			ID:              "ds-" + uuid.New().String(),
			PlanID:          planID,
			StageNumber:     n,
			Description:     fmt.Sprintf("rolling: update batch %d (%d of %d instances)", n, done+size, total),
			TargetInstances: size,
			Status:          models.StagePending,
			InstancesTotal:  total,
		})
	}
	return stages, nil
}
