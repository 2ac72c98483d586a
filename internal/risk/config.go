// Package risk implements multi-factor risk scoring for vulnerability/asset
// pairs.
//
// The analyzer combines eight weighted factors into a 0.0-1.0 aggregate
// score, maps the score onto an autonomy level through six ordered
// thresholds, and recommends a deployment strategy and timing window. All
// tunables live in an immutable Config passed to the constructor, so tenants
// can tune thresholds independently and tests stay deterministic.
package risk

import (
	"fmt"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// Weights are the additive factor weights. Business hours and compliance
// impact act as modifiers and caps, not additive weights, so they do not
// appear here. The six weights should sum to 1.0.
type Weights struct {
	Severity           float64
	Exploitability     float64
	AssetCriticality   float64
	PatchMaturity      float64
	Dependencies       float64
	RollbackComplexity float64
}

// Thresholds are the ordered score cut-offs for autonomy levels, from most
// to least autonomous. A score at or above Full maps to full autonomy; a
// score below AIAssisted maps to manual-only.
type Thresholds struct {
	Full       float64
	High       float64
	Approval   float64
	Supervised float64
	AIAssisted float64
}

// Config holds all risk scoring tunables. Construct with DefaultConfig and
// override fields as needed; the analyzer never mutates it.
type Config struct {
	Weights    Weights
	Thresholds Thresholds

	// BusinessHoursStart and BusinessHoursEnd bound the cautious window
	// (24h clock, inclusive start, exclusive end) on business days.
	BusinessHoursStart int
	BusinessHoursEnd   int
	BusinessDays       []time.Weekday

	// CautiousModifier scales the aggregate score for evaluations that
	// fall inside business hours. Must be in (0, 1].
	CautiousModifier float64

	// HighImpactFrameworks lists compliance frameworks that cap autonomy
	// at approval-required regardless of score.
	HighImpactFrameworks []string
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Severity:           0.25,
			Exploitability:     0.20,
			AssetCriticality:   0.20,
			PatchMaturity:      0.15,
			Dependencies:       0.10,
			RollbackComplexity: 0.10,
		},
		Thresholds: Thresholds{
			Full:       0.85,
			High:       0.70,
			Approval:   0.50,
			Supervised: 0.30,
			AIAssisted: 0.15,
		},
		BusinessHoursStart: 9,
		BusinessHoursEnd:   17,
		BusinessDays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
		CautiousModifier: 0.9,
		HighImpactFrameworks: []string{
			"PCI-DSS", "HIPAA", "FedRAMP", "SOX", "GLBA",
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	sum := c.Weights.Severity + c.Weights.Exploitability + c.Weights.AssetCriticality +
		c.Weights.PatchMaturity + c.Weights.Dependencies + c.Weights.RollbackComplexity
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("risk: factor weights sum to %.3f, want 1.0", sum)
	}
	t := c.Thresholds
	if !(t.Full > t.High && t.High > t.Approval && t.Approval > t.Supervised && t.Supervised > t.AIAssisted && t.AIAssisted > 0) {
		return fmt.Errorf("risk: thresholds must be strictly decreasing and positive")
	}
	if c.CautiousModifier <= 0 || c.CautiousModifier > 1 {
		return fmt.Errorf("risk: cautious modifier %.2f out of range (0, 1]", c.CautiousModifier)
	}
	return nil
}

// autonomyForScore maps an aggregate score onto an autonomy level. The
// mapping is monotonic by construction: a higher score can never yield a
// less autonomous level.
func (c *Config) autonomyForScore(score float64) models.AutonomyLevel {
	t := c.Thresholds
	switch {
	case score >= t.Full:
		return models.AutonomyFull
	case score >= t.High:
		return models.AutonomyHigh
	case score >= t.Approval:
		return models.AutonomyApprovalRequired
	case score >= t.Supervised:
		return models.AutonomySupervised
	case score >= t.AIAssisted:
		return models.AutonomyAIAssisted
	default:
		return models.AutonomyManualOnly
	}
}

// withinBusinessHours reports whether t falls inside the configured
// business window.
func (c *Config) withinBusinessHours(t time.Time) bool {
	day := t.Weekday()
	isBusinessDay := false
	for _, d := range c.BusinessDays {
		if d == day {
			isBusinessDay = true
			break
		}
	}
	if !isBusinessDay {
		return false
	}
	hour := t.Hour()
	return hour >= c.BusinessHoursStart && hour < c.BusinessHoursEnd
}

// highImpactFramework returns the first high-impact compliance framework the
// asset carries, or "" if none.
func (c *Config) highImpactFramework(asset *models.Asset) string {
	for _, tag := range asset.ComplianceFrameworks {
		for _, hi := range c.HighImpactFrameworks {
			if tag == hi {
				return tag
			}
		}
	}
	return ""
}
