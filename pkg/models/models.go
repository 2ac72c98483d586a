// Package models defines the core data structures used across Vanguard.
//
// Vanguard is the Autonomous Remediation Engine for Open Cloud Ops. It scores
// vulnerability/asset pairs to decide how much human oversight a fix requires,
// then rolls the fix out through staged deployment strategies with health
// gating and snapshot-based rollback. These models represent risk assessments,
// deployment plans and stages, snapshots, and health check specifications that
// flow through the system.
package models

import "time"

// PlatformKind identifies the kind of platform an asset runs on. It selects
// which platform adapter carries out deploy, snapshot, and restore actions.
type PlatformKind string

const (
	PlatformKubernetes PlatformKind = "kubernetes" // container orchestrator
	PlatformDocker     PlatformKind = "docker"     // standalone container host
	PlatformVM         PlatformKind = "vm"         // virtual machine
	PlatformBareMetal  PlatformKind = "bare_metal" // physical host
)

// AutonomyLevel expresses how much human approval a remediation requires
// before proceeding, from fully automatic down to manual-only.
type AutonomyLevel string

const (
	AutonomyFull             AutonomyLevel = "full_autonomy"
	AutonomyHigh             AutonomyLevel = "high_autonomy"
	AutonomyApprovalRequired AutonomyLevel = "approval_required"
	AutonomySupervised       AutonomyLevel = "supervised"
	AutonomyAIAssisted       AutonomyLevel = "ai_assisted"
	AutonomyManualOnly       AutonomyLevel = "manual_only"
)

// autonomyRank orders autonomy levels from most to least autonomous.
// Lower rank means more autonomy.
var autonomyRank = map[AutonomyLevel]int{
	AutonomyFull:             0,
	AutonomyHigh:             1,
	AutonomyApprovalRequired: 2,
	AutonomySupervised:       3,
	AutonomyAIAssisted:       4,
	AutonomyManualOnly:       5,
}

// MoreAutonomousThan reports whether level a allows strictly more autonomy
// than level b.
func (a AutonomyLevel) MoreAutonomousThan(b AutonomyLevel) bool {
	return autonomyRank[a] < autonomyRank[b]
}

// Cap returns the less autonomous of a and limit. It is used to enforce
// compliance caps on derived autonomy levels.
func (a AutonomyLevel) Cap(limit AutonomyLevel) AutonomyLevel {
	if a.MoreAutonomousThan(limit) {
		return limit
	}
	return a
}

// DeployStrategy identifies the staged rollout strategy for a deployment plan.
type DeployStrategy string

const (
	StrategyCanary    DeployStrategy = "canary"
	StrategyBlueGreen DeployStrategy = "blue_green"
	StrategyRolling   DeployStrategy = "rolling"
)

// TimingRecommendation indicates when a remediation should be scheduled.
type TimingRecommendation string

const (
	TimingImmediate TimingRecommendation = "immediate"
	TimingOffHours  TimingRecommendation = "off_hours"
)

// StageStatus represents the state of a single deployment stage. Transitions
// form a closed state machine validated by CanTransition; out-of-order
// transitions are rejected at the persistence boundary.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageValidating StageStatus = "validating"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageRolledBack StageStatus = "rolled_back"
)

// stageTransitions is the allowed-transitions table for stage statuses.
var stageTransitions = map[StageStatus][]StageStatus{
	StagePending:    {StageInProgress, StageFailed},
	StageInProgress: {StageValidating, StageFailed},
	StageValidating: {StageCompleted, StageFailed},
	StageFailed:     {StageRolledBack},
}

// CanTransition reports whether a stage may move from its current status to
// the given next status.
func (s StageStatus) CanTransition(to StageStatus) bool {
	for _, allowed := range stageTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a stage status is terminal. A plan has at most one
// non-terminal stage at a time.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageRolledBack
}

// SnapshotStatus represents the lifecycle state of an asset snapshot.
type SnapshotStatus string

const (
	SnapshotReady   SnapshotStatus = "ready"
	SnapshotExpired SnapshotStatus = "expired"
)

// HealthCheckType identifies the kind of probe used to gate stage progression.
type HealthCheckType string

const (
	CheckHTTP    HealthCheckType = "http"
	CheckCommand HealthCheckType = "command"
	CheckPort    HealthCheckType = "port"
)

// Vulnerability describes a security finding against an asset. Vulnerability
// discovery is handled by an upstream collaborator; Vanguard only reads these.
type Vulnerability struct {
	VulnID        string  `json:"vuln_id"`
	CVEID         string  `json:"cve_id"`
	CVSSScore     float64 `json:"cvss_score"`
	ExploitInWild bool    `json:"exploit_in_wild"`
	Description   string  `json:"description,omitempty"`
}

// Asset is the identity and risk profile of a target system. Assets are
// created and updated by the inventory collaborator; Vanguard treats them
// as read-only input.
type Asset struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Platform             PlatformKind `json:"platform"`
	CriticalityTier      int          `json:"criticality_tier"` // 1 = mission-critical, 3 = low impact
	HasRedundancy        bool         `json:"has_redundancy"`
	HasBackups           bool         `json:"has_backups"`
	DependencyCount      int          `json:"dependency_count"`
	InstanceCount        int          `json:"instance_count"`
	InternetFacing       bool         `json:"internet_facing"`
	HighTraffic          bool         `json:"high_traffic"`
	SpareCapacity        bool         `json:"spare_capacity"`
	ComplianceFrameworks []string     `json:"compliance_frameworks,omitempty"`
}

// Patch references a remediation artifact supplied by the patch-acquisition
// collaborator, together with observed fleet-wide install outcomes.
type Patch struct {
	ID           string    `json:"id"`
	VulnID       string    `json:"vuln_id"`
	ArtifactRef  string    `json:"artifact_ref"` // e.g. image tag or package version
	Version      string    `json:"version,omitempty"`
	ReleasedAt   time.Time `json:"released_at"`
	InstallCount int64     `json:"install_count"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
}

// FactorScores holds the per-factor sub-scores of one risk scoring run.
// All values are normalized to 0.0–1.0, where higher means more favorable
// for autonomous remediation.
type FactorScores struct {
	Severity           float64 `json:"severity"`
	Exploitability     float64 `json:"exploitability"`
	AssetCriticality   float64 `json:"asset_criticality"`
	PatchMaturity      float64 `json:"patch_maturity"`
	Dependencies       float64 `json:"dependencies"`
	RollbackComplexity float64 `json:"rollback_complexity"`
	ComplianceImpact   float64 `json:"compliance_impact"`
	BusinessHours      float64 `json:"business_hours"`
}

// RiskAssessment is the immutable record of one scoring run for a
// (vulnerability, asset) pair. Assessments are never mutated, only
// superseded by a newer assessment.
type RiskAssessment struct {
	ID                  string               `json:"id" db:"id"`
	VulnID              string               `json:"vuln_id" db:"vuln_id"`
	AssetID             string               `json:"asset_id" db:"asset_id"`
	Factors             FactorScores         `json:"factors" db:"factors"`
	AggregateScore      float64              `json:"aggregate_score" db:"aggregate_score"`
	Autonomy            AutonomyLevel        `json:"autonomy" db:"autonomy"`
	Confidence          float64              `json:"confidence" db:"confidence"`
	Reasoning           []string             `json:"reasoning" db:"reasoning"`
	RecommendedStrategy DeployStrategy       `json:"recommended_strategy" db:"recommended_strategy"`
	RecommendedTiming   TimingRecommendation `json:"recommended_timing" db:"recommended_timing"`
	CreatedAt           time.Time            `json:"created_at" db:"created_at"`
}

// DeploymentPlan is a staged rollout of one patch to one asset. Plans are
// created and mutated only by the deployment orchestrator and retained
// indefinitely for audit.
type DeploymentPlan struct {
	ID             string            `json:"id" db:"id"`
	ExecutionID    string            `json:"execution_id" db:"execution_id"`
	Strategy       DeployStrategy    `json:"strategy" db:"strategy"`
	AssetID        string            `json:"asset_id" db:"asset_id"`
	PatchID        string            `json:"patch_id" db:"patch_id"`
	SnapshotID     string            `json:"snapshot_id,omitempty" db:"snapshot_id"`
	Stages         []DeploymentStage `json:"stages"`
	CurrentStage   int               `json:"current_stage" db:"current_stage"`
	Completed      bool              `json:"completed" db:"completed"`
	Success        bool              `json:"success" db:"success"`
	RolledBack     bool              `json:"rolled_back" db:"rolled_back"`
	StatusReason   string            `json:"status_reason,omitempty" db:"status_reason"`
	MaxDurationSec int64             `json:"max_duration_sec" db:"max_duration_sec"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// MaxDuration returns the plan execution ceiling as a time.Duration.
// A zero value means no ceiling.
func (p *DeploymentPlan) MaxDuration() time.Duration {
	return time.Duration(p.MaxDurationSec) * time.Second
}

// DeploymentStage is one step of a deployment plan: a target percentage of
// the fleet (canary), an environment flip (blue-green), or an instance batch
// (rolling). Status transitions are append-only.
type DeploymentStage struct {
	ID               string      `json:"id" db:"id"`
	PlanID           string      `json:"plan_id" db:"plan_id"`
	StageNumber      int         `json:"stage_number" db:"stage_number"`
	Description      string      `json:"description" db:"description"`
	TargetPercent    int         `json:"target_percent" db:"target_percent"`
	TargetInstances  int         `json:"target_instances" db:"target_instances"`
	Status           StageStatus `json:"status" db:"status"`
	HealthPassed     int         `json:"health_passed" db:"health_passed"`
	HealthFailed     int         `json:"health_failed" db:"health_failed"`
	InstancesUpdated int         `json:"instances_updated" db:"instances_updated"`
	InstancesTotal   int         `json:"instances_total" db:"instances_total"`
	ErrorMessage     string      `json:"error_message,omitempty" db:"error_message"`
	StartedAt        *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// Snapshot is a point-in-time capture of an asset's platform state, taken
// before the first stage of a plan and sufficient to restore the asset to
// its pre-rollout condition. Expired snapshots must never be restored.
type Snapshot struct {
	ID          string         `json:"id" db:"id"`
	ExecutionID string         `json:"execution_id" db:"execution_id"`
	AssetID     string         `json:"asset_id" db:"asset_id"`
	Platform    PlatformKind   `json:"platform" db:"platform"`
	Payload     []byte         `json:"payload" db:"payload"` // platform-specific state, JSON
	Status      SnapshotStatus `json:"status" db:"status"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at" db:"expires_at"`
}

// Usable reports whether the snapshot may still be used for a rollback at
// the given instant.
func (s *Snapshot) Usable(now time.Time) bool {
	return s.Status == SnapshotReady && now.Before(s.ExpiresAt)
}

// HealthCheckSpec describes one probe used to gate progression between
// deployment stages. Specs are supplied by the caller per deployment and are
// not persisted; outcomes are aggregated into stage pass/fail counters.
type HealthCheckSpec struct {
	Type HealthCheckType `json:"type"`

	// HTTP checks
	URL            string `json:"url,omitempty"`
	ExpectedStatus int    `json:"expected_status,omitempty"`

	// Command checks
	Command      string `json:"command,omitempty"`
	ExpectedExit int    `json:"expected_exit,omitempty"`

	// Port checks
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// Timeout returns the per-probe timeout, defaulting to 10 seconds when unset.
func (h *HealthCheckSpec) Timeout() time.Duration {
	if h.TimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(h.TimeoutSec) * time.Second
}
