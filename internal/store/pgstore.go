package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// scannable is satisfied by both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// PgStore implements Store using PostgreSQL via pgxpool.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL-backed store.
func NewPgStore(db *DB) *PgStore {
	return &PgStore{pool: db.Pool}
}

const assessmentCols = `id, vuln_id, asset_id, factors, aggregate_score,
	autonomy, confidence, reasoning, recommended_strategy, recommended_timing, created_at`

const planCols = `id, execution_id, strategy, asset_id, patch_id, snapshot_id,
	current_stage, completed, success, rolled_back, status_reason,
	max_duration_sec, created_at, started_at, completed_at`

const stageCols = `id, plan_id, stage_number, description, target_percent,
	target_instances, status, health_passed, health_failed,
	instances_updated, instances_total, error_message, started_at, completed_at`

const snapshotCols = `id, execution_id, asset_id, platform, payload, status,
	created_at, expires_at`

// SaveAssessment inserts a risk assessment. Assessments are immutable, so
// this never updates an existing row.
func (s *PgStore) SaveAssessment(ctx context.Context, a *models.RiskAssessment) error {
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return &models.DatabaseError{Op: "marshal assessment factors", Err: err}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO risk_assessments (`+assessmentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.VulnID, a.AssetID, factors, a.AggregateScore,
		string(a.Autonomy), a.Confidence, a.Reasoning,
		string(a.RecommendedStrategy), string(a.RecommendedTiming), a.CreatedAt)
	if err != nil {
		return &models.DatabaseError{Op: "save assessment", Err: err}
	}
	return nil
}

// GetAssessment retrieves a risk assessment by ID.
func (s *PgStore) GetAssessment(ctx context.Context, id string) (*models.RiskAssessment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+assessmentCols+` FROM risk_assessments WHERE id = $1`, id)
	return scanAssessment(row)
}

// LatestAssessment returns the most recent assessment for a
// (vulnerability, asset) pair, or ErrNotFound when none exists.
func (s *PgStore) LatestAssessment(ctx context.Context, vulnID, assetID string) (*models.RiskAssessment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+assessmentCols+` FROM risk_assessments
		WHERE vuln_id = $1 AND asset_id = $2
		ORDER BY created_at DESC LIMIT 1`, vulnID, assetID)
	return scanAssessment(row)
}

// ListAssessmentsByAsset returns assessments for an asset, newest first.
func (s *PgStore) ListAssessmentsByAsset(ctx context.Context, assetID string, limit int) ([]*models.RiskAssessment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+assessmentCols+` FROM risk_assessments
		WHERE asset_id = $1 ORDER BY created_at DESC LIMIT $2`, assetID, limit)
	if err != nil {
		return nil, &models.DatabaseError{Op: "list assessments", Err: err}
	}
	defer rows.Close()

	var out []*models.RiskAssessment
	for rows.Next() {
		a, scanErr := scanAssessment(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.DatabaseError{Op: "list assessments", Err: err}
	}
	return out, nil
}

// CreatePlan inserts a deployment plan together with all of its stages in a
// single transaction.
func (s *PgStore) CreatePlan(ctx context.Context, plan *models.DeploymentPlan) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &models.DatabaseError{Op: "begin create plan", Err: err}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO deployment_plans (`+planCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		plan.ID, plan.ExecutionID, string(plan.Strategy), plan.AssetID, plan.PatchID,
		nullable(plan.SnapshotID), plan.CurrentStage, plan.Completed, plan.Success,
		plan.RolledBack, plan.StatusReason, plan.MaxDurationSec,
		plan.CreatedAt, plan.StartedAt, plan.CompletedAt)
	if err != nil {
		return &models.DatabaseError{Op: "insert plan", Err: err}
	}

	for i := range plan.Stages {
		st := &plan.Stages[i]
		_, err = tx.Exec(ctx, `
			INSERT INTO deployment_stages (`+stageCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			st.ID, st.PlanID, st.StageNumber, st.Description, st.TargetPercent,
			st.TargetInstances, string(st.Status), st.HealthPassed, st.HealthFailed,
			st.InstancesUpdated, st.InstancesTotal, st.ErrorMessage,
			st.StartedAt, st.CompletedAt)
		if err != nil {
			return &models.DatabaseError{Op: fmt.Sprintf("insert stage %d", st.StageNumber), Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &models.DatabaseError{Op: "commit create plan", Err: err}
	}
	return nil
}

// GetPlan retrieves a deployment plan with its stages ordered by stage number.
func (s *PgStore) GetPlan(ctx context.Context, id string) (*models.DeploymentPlan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+planCols+` FROM deployment_plans WHERE id = $1`, id)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+stageCols+` FROM deployment_stages
		WHERE plan_id = $1 ORDER BY stage_number`, id)
	if err != nil {
		return nil, &models.DatabaseError{Op: "list plan stages", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		st, scanErr := scanStage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		plan.Stages = append(plan.Stages, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.DatabaseError{Op: "list plan stages", Err: err}
	}
	return plan, nil
}

// ListPlansByAsset returns plans targeting an asset, newest first.
// Stages are not populated; use GetPlan for the full record.
func (s *PgStore) ListPlansByAsset(ctx context.Context, assetID string) ([]*models.DeploymentPlan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+planCols+` FROM deployment_plans
		WHERE asset_id = $1 ORDER BY created_at DESC`, assetID)
	if err != nil {
		return nil, &models.DatabaseError{Op: "list plans", Err: err}
	}
	defer rows.Close()

	var out []*models.DeploymentPlan
	for rows.Next() {
		p, scanErr := scanPlan(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.DatabaseError{Op: "list plans", Err: err}
	}
	return out, nil
}

// UpdatePlan persists the mutable top-level fields of a plan.
func (s *PgStore) UpdatePlan(ctx context.Context, plan *models.DeploymentPlan) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deployment_plans SET
			snapshot_id=$2, current_stage=$3, completed=$4, success=$5,
			rolled_back=$6, status_reason=$7, started_at=$8, completed_at=$9
		WHERE id = $1`,
		plan.ID, nullable(plan.SnapshotID), plan.CurrentStage, plan.Completed,
		plan.Success, plan.RolledBack, plan.StatusReason,
		plan.StartedAt, plan.CompletedAt)
	if err != nil {
		return &models.DatabaseError{Op: "update plan", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &models.DatabaseError{Op: "update plan", Err: models.ErrNotFound}
	}
	return nil
}

// TransitionStage moves a stage to a new status, enforcing the
// allowed-transitions table against the durable row. The status check and
// update run in one transaction with the row locked, so a concurrent reader
// never observes a stage in two states and an out-of-order transition can
// never be made durable. Completing a stage advances the plan's current
// stage index in the same transaction.
func (s *PgStore) TransitionStage(ctx context.Context, stage *models.DeploymentStage, to models.StageStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &models.DatabaseError{Op: "begin stage transition", Err: err}
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM deployment_stages WHERE id = $1 FOR UPDATE`,
		stage.ID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.DatabaseError{Op: "stage transition", Err: models.ErrNotFound}
		}
		return &models.DatabaseError{Op: "lock stage row", Err: err}
	}

	from := models.StageStatus(current)
	if !from.CanTransition(to) {
		return errInvalidTransition(stage.ID, from, to)
	}

	now := time.Now().UTC()
	started := stage.StartedAt
	completed := stage.CompletedAt
	if to == models.StageInProgress && started == nil {
		started = &now
	}
	if to.Terminal() && completed == nil {
		completed = &now
	}

	_, err = tx.Exec(ctx, `
		UPDATE deployment_stages SET
			status=$2, health_passed=$3, health_failed=$4,
			instances_updated=$5, error_message=$6, started_at=$7, completed_at=$8
		WHERE id = $1`,
		stage.ID, string(to), stage.HealthPassed, stage.HealthFailed,
		stage.InstancesUpdated, stage.ErrorMessage, started, completed)
	if err != nil {
		return &models.DatabaseError{Op: "update stage", Err: err}
	}

	if to == models.StageCompleted {
		_, err = tx.Exec(ctx,
			`UPDATE deployment_plans SET current_stage = $2 WHERE id = $1`,
			stage.PlanID, stage.StageNumber+1)
		if err != nil {
			return &models.DatabaseError{Op: "advance plan stage index", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &models.DatabaseError{Op: "commit stage transition", Err: err}
	}

	stage.Status = to
	stage.StartedAt = started
	stage.CompletedAt = completed
	return nil
}

// UpdateStageCounters persists a stage's health and progress counters without
// changing its status.
func (s *PgStore) UpdateStageCounters(ctx context.Context, stage *models.DeploymentStage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deployment_stages SET
			health_passed=$2, health_failed=$3, instances_updated=$4
		WHERE id = $1`,
		stage.ID, stage.HealthPassed, stage.HealthFailed, stage.InstancesUpdated)
	if err != nil {
		return &models.DatabaseError{Op: "update stage counters", Err: err}
	}
	return nil
}

// CreateSnapshot inserts a snapshot and lazily expires overdue snapshots from
// the same execution. The expiry sweep is scoped to one execution_id to avoid
// a full-table scan on every insert.
func (s *PgStore) CreateSnapshot(ctx context.Context, snap *models.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &models.DatabaseError{Op: "begin create snapshot", Err: err}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO snapshots (`+snapshotCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		snap.ID, snap.ExecutionID, snap.AssetID, string(snap.Platform),
		snap.Payload, string(snap.Status), snap.CreatedAt, snap.ExpiresAt)
	if err != nil {
		return &models.DatabaseError{Op: "insert snapshot", Err: err}
	}

	_, err = tx.Exec(ctx, `
		UPDATE snapshots SET status = $1
		WHERE execution_id = $2 AND status = $3 AND expires_at < NOW()`,
		string(models.SnapshotExpired), snap.ExecutionID, string(models.SnapshotReady))
	if err != nil {
		return &models.DatabaseError{Op: "expire overdue snapshots", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &models.DatabaseError{Op: "commit create snapshot", Err: err}
	}
	return nil
}

// GetSnapshot retrieves a snapshot by ID.
func (s *PgStore) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM snapshots WHERE id = $1`, id)
	return scanSnapshot(row)
}

// ListSnapshotsByAsset returns snapshots for an asset, newest first.
func (s *PgStore) ListSnapshotsByAsset(ctx context.Context, assetID string) ([]*models.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotCols+` FROM snapshots
		WHERE asset_id = $1 ORDER BY created_at DESC`, assetID)
	if err != nil {
		return nil, &models.DatabaseError{Op: "list snapshots", Err: err}
	}
	defer rows.Close()

	var out []*models.Snapshot
	for rows.Next() {
		sn, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.DatabaseError{Op: "list snapshots", Err: err}
	}
	return out, nil
}

// MarkSnapshotExpired marks a snapshot expired, typically after a confirmed
// rollback so the snapshot is never reused.
func (s *PgStore) MarkSnapshotExpired(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE snapshots SET status = $2 WHERE id = $1`,
		id, string(models.SnapshotExpired))
	if err != nil {
		return &models.DatabaseError{Op: "mark snapshot expired", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &models.DatabaseError{Op: "mark snapshot expired", Err: models.ErrNotFound}
	}
	return nil
}

// ExpireOverdue marks overdue READY snapshots expired and returns how many
// rows changed. An empty executionID sweeps all executions.
func (s *PgStore) ExpireOverdue(ctx context.Context, executionID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE snapshots SET status = $1
		WHERE ($2 = '' OR execution_id = $2) AND status = $3 AND expires_at < NOW()`,
		string(models.SnapshotExpired), executionID, string(models.SnapshotReady))
	if err != nil {
		return 0, &models.DatabaseError{Op: "expire overdue snapshots", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func scanAssessment(row scannable) (*models.RiskAssessment, error) {
	var a models.RiskAssessment
	var factors []byte
	var autonomy, strategy, timing string
	err := row.Scan(
		&a.ID, &a.VulnID, &a.AssetID, &factors, &a.AggregateScore,
		&autonomy, &a.Confidence, &a.Reasoning, &strategy, &timing, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, &models.DatabaseError{Op: "scan assessment", Err: err}
	}
	if err := json.Unmarshal(factors, &a.Factors); err != nil {
		return nil, &models.DatabaseError{Op: "unmarshal assessment factors", Err: err}
	}
	a.Autonomy = models.AutonomyLevel(autonomy)
	a.RecommendedStrategy = models.DeployStrategy(strategy)
	a.RecommendedTiming = models.TimingRecommendation(timing)
	return &a, nil
}

func scanPlan(row scannable) (*models.DeploymentPlan, error) {
	var p models.DeploymentPlan
	var strategy string
	var snapshotID *string
	err := row.Scan(
		&p.ID, &p.ExecutionID, &strategy, &p.AssetID, &p.PatchID, &snapshotID,
		&p.CurrentStage, &p.Completed, &p.Success, &p.RolledBack, &p.StatusReason,
		&p.MaxDurationSec, &p.CreatedAt, &p.StartedAt, &p.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, &models.DatabaseError{Op: "scan plan", Err: err}
	}
	p.Strategy = models.DeployStrategy(strategy)
	if snapshotID != nil {
		p.SnapshotID = *snapshotID
	}
	return &p, nil
}

func scanStage(row scannable) (*models.DeploymentStage, error) {
	var st models.DeploymentStage
	var status string
	err := row.Scan(
		&st.ID, &st.PlanID, &st.StageNumber, &st.Description, &st.TargetPercent,
		&st.TargetInstances, &status, &st.HealthPassed, &st.HealthFailed,
		&st.InstancesUpdated, &st.InstancesTotal, &st.ErrorMessage,
		&st.StartedAt, &st.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, &models.DatabaseError{Op: "scan stage", Err: err}
	}
	st.Status = models.StageStatus(status)
	return &st, nil
}

func scanSnapshot(row scannable) (*models.Snapshot, error) {
	var sn models.Snapshot
	var platform, status string
	err := row.Scan(
		&sn.ID, &sn.ExecutionID, &sn.AssetID, &platform, &sn.Payload,
		&status, &sn.CreatedAt, &sn.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, &models.DatabaseError{Op: "scan snapshot", Err: err}
	}
	sn.Platform = models.PlatformKind(platform)
	sn.Status = models.SnapshotStatus(status)
	return &sn, nil
}

// nullable converts an empty string to a NULL-able pointer for optional
// foreign keys.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
