package risk

import (
	"fmt"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// All factor scorers return values in 0.0-1.0, where higher means more
// favorable for autonomous remediation. Urgency factors (severity, active
// exploitation) score high because an urgent fix is a strong case for acting
// without waiting on a human; blast-radius factors (criticality, dependency
// fan-out, hard rollback) score low when the cost of a bad rollout is high.

// severityScore scales CVSS onto the unit interval.
func severityScore(vuln *models.Vulnerability) float64 {
	return vuln.CVSSScore / 10.0
}

// exploitabilityScore rates how urgent remediation is given observed
// exploitation. Active exploitation maxes the score; absent that, CVSS is
// the only proxy available.
func exploitabilityScore(vuln *models.Vulnerability) float64 {
	if vuln.ExploitInWild {
		return 1.0
	}
	switch {
	case vuln.CVSSScore >= 7.0:
		return 0.6
	case vuln.CVSSScore >= 4.0:
		return 0.4
	default:
		return 0.2
	}
}

// criticalityScore rates the asset's blast radius. Mission-critical assets
// (tier 1) score low so they pull the aggregate toward human oversight.
func criticalityScore(asset *models.Asset) float64 {
	switch asset.CriticalityTier {
	case 1:
		return 0.2
	case 2:
		return 0.6
	default:
		return 1.0
	}
}

// maturityScore rates the patch's fleet-wide track record. A nil patch is
// scored neutrally so assessment can run before a patch is acquired.
func maturityScore(patch *models.Patch, now time.Time) float64 {
	if patch == nil {
		return 0.5
	}

	var age float64
	switch d := now.Sub(patch.ReleasedAt); {
	case d >= 30*24*time.Hour:
		age = 0.5
	case d >= 7*24*time.Hour:
		age = 0.35
	case d >= 24*time.Hour:
		age = 0.2
	default:
		age = 0.1
	}

	outcome := 0.25
	if patch.InstallCount > 0 {
		outcome = 0.5 * float64(patch.SuccessCount) / float64(patch.InstallCount)
	}
	return age + outcome
}

// dependencyScore penalizes assets with many downstream dependents. Zero
// dependents is ideal; twenty or more pins the score at the floor.
func dependencyScore(asset *models.Asset) float64 {
	score := 1.0 - float64(asset.DependencyCount)*0.045
	if score < 0.1 {
		return 0.1
	}
	return score
}

// rollbackScore rates how cheap it is to undo a bad rollout. Redundancy and
// backups each make recovery easier.
func rollbackScore(asset *models.Asset) float64 {
	score := 0.3
	if asset.HasBackups {
		score += 0.4
	}
	if asset.HasRedundancy {
		score += 0.3
	}
	return score
}

// complianceScore records the compliance pressure on the asset. The real
// enforcement is the autonomy cap; this value only feeds the audit record.
func complianceScore(asset *models.Asset, highImpact string) float64 {
	switch {
	case highImpact != "":
		return 0.2
	case len(asset.ComplianceFrameworks) > 0:
		return 0.6
	default:
		return 1.0
	}
}

// recommendStrategy picks a rollout strategy from the asset's shape. Assets
// with heavy fan-out or no redundancy get small rolling batches; public
// high-traffic assets get a canary; assets with spare capacity can afford a
// blue-green flip. Rolling is the conservative default.
func recommendStrategy(asset *models.Asset) models.DeployStrategy {
	switch {
	case asset.DependencyCount >= 5 || !asset.HasRedundancy:
		return models.StrategyRolling
	case asset.InternetFacing || asset.HighTraffic:
		return models.StrategyCanary
	case asset.SpareCapacity:
		return models.StrategyBlueGreen
	default:
		return models.StrategyRolling
	}
}

// recommendTiming schedules actively exploited vulnerabilities immediately
// regardless of the clock; everything else waits for off-hours when the
// evaluation happens inside the business window.
func recommendTiming(vuln *models.Vulnerability, inBusinessHours bool) models.TimingRecommendation {
	if vuln.ExploitInWild {
		return models.TimingImmediate
	}
	if inBusinessHours {
		return models.TimingOffHours
	}
	return models.TimingImmediate
}

// buildReasoning renders the factor inputs as human-readable audit lines.
func buildReasoning(vuln *models.Vulnerability, asset *models.Asset, patch *models.Patch, highImpact string, inBusinessHours bool) []string {
	reasons := []string{
		fmt.Sprintf("CVSS %.1f", vuln.CVSSScore),
	}
	if vuln.ExploitInWild {
		reasons = append(reasons, "active exploitation observed in the wild")
	}
	switch asset.CriticalityTier {
	case 1:
		reasons = append(reasons, "asset is mission-critical (tier 1)")
	case 2:
		reasons = append(reasons, "asset is business-important (tier 2)")
	default:
		reasons = append(reasons, "asset is low impact (tier 3)")
	}
	if asset.HasRedundancy && asset.HasBackups {
		reasons = append(reasons, "asset has redundancy and backups, rollback is cheap")
	} else if !asset.HasRedundancy && !asset.HasBackups {
		reasons = append(reasons, "asset has no redundancy or backups, rollback is expensive")
	}
	if asset.DependencyCount > 0 {
		reasons = append(reasons, fmt.Sprintf("%d downstream dependents", asset.DependencyCount))
	}
	if patch != nil && patch.InstallCount > 0 {
		reasons = append(reasons, fmt.Sprintf("patch installed %d times fleet-wide, %d failures",
			patch.InstallCount, patch.FailureCount))
	}
	if highImpact != "" {
		reasons = append(reasons, fmt.Sprintf("compliance framework %s caps autonomy at %s",
			highImpact, models.AutonomyApprovalRequired))
	}
	if inBusinessHours {
		reasons = append(reasons, "evaluated inside business hours, score reduced")
	} else {
		reasons = append(reasons, "evaluated outside business hours")
	}
	return reasons
}

// confidence estimates how much signal backed the scoring run. More observed
// inputs (exploit telemetry, patch install history, recovery paths) mean a
// tighter estimate.
func confidence(vuln *models.Vulnerability, asset *models.Asset, patch *models.Patch) float64 {
	c := 0.70
	if vuln.ExploitInWild {
		c += 0.10
	}
	if patch != nil && patch.InstallCount >= 100 {
		c += 0.10
	}
	if asset.HasRedundancy && asset.HasBackups {
		c += 0.05
	}
	if vuln.CVSSScore >= 9.0 || vuln.CVSSScore <= 3.0 {
		c += 0.05
	}
	if c > 0.99 {
		c = 0.99
	}
	return c
}
