package risk

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// assessmentCacheTTL bounds how long a cached assessment can serve reads
// before falling back to the store.
const assessmentCacheTTL = 15 * time.Minute

// Analyzer scores vulnerability/asset pairs and records the resulting
// assessments. It is safe for concurrent use.
type Analyzer struct {
	cfg   Config
	store store.AssessmentStore
	cache *cache.Cache // optional, nil disables caching

	now func() time.Time
}

// NewAnalyzer creates an Analyzer backed by the given assessment store.
// The cache may be nil, in which case assessments are only persisted.
func NewAnalyzer(cfg Config, s store.AssessmentStore, c *cache.Cache) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Analyzer{
		cfg:   cfg,
		store: s,
		cache: c,
		now:   time.Now,
	}, nil
}

// Analyze scores one vulnerability against one asset and persists the
// resulting assessment. The patch is optional; when nil, patch maturity is
// scored neutrally. Input validation failures return *models.ValidationError
// and persistence failures return *models.DatabaseError.
func (a *Analyzer) Analyze(ctx context.Context, vuln *models.Vulnerability, asset *models.Asset, patch *models.Patch) (*models.RiskAssessment, error) {
	if err := validateInputs(vuln, asset); err != nil {
		return nil, err
	}

	now := a.now()
	highImpact := a.cfg.highImpactFramework(asset)
	inHours := a.cfg.withinBusinessHours(now)

	factors := models.FactorScores{
		Severity:           severityScore(vuln),
		Exploitability:     exploitabilityScore(vuln),
		AssetCriticality:   criticalityScore(asset),
		PatchMaturity:      maturityScore(patch, now),
		Dependencies:       dependencyScore(asset),
		RollbackComplexity: rollbackScore(asset),
		ComplianceImpact:   complianceScore(asset, highImpact),
		BusinessHours:      1.0,
	}

	w := a.cfg.Weights
	score := factors.Severity*w.Severity +
		factors.Exploitability*w.Exploitability +
		factors.AssetCriticality*w.AssetCriticality +
		factors.PatchMaturity*w.PatchMaturity +
		factors.Dependencies*w.Dependencies +
		factors.RollbackComplexity*w.RollbackComplexity

	if inHours {
		factors.BusinessHours = a.cfg.CautiousModifier
		score *= a.cfg.CautiousModifier
	}

	autonomy := a.cfg.autonomyForScore(score)
	if highImpact != "" {
		autonomy = autonomy.Cap(models.AutonomyApprovalRequired)
	}

	assessment := &models.RiskAssessment{
		ID:                  "ra-" + uuid.New().String(),
		VulnID:              vuln.VulnID,
		AssetID:             asset.ID,
		Factors:             factors,
		AggregateScore:      score,
		Autonomy:            autonomy,
		Confidence:          confidence(vuln, asset, patch),
		Reasoning:           buildReasoning(vuln, asset, patch, highImpact, inHours),
		RecommendedStrategy: recommendStrategy(asset),
		RecommendedTiming:   recommendTiming(vuln, inHours),
		CreatedAt:           now,
	}

	if err := a.store.SaveAssessment(ctx, assessment); err != nil {
		return nil, err
	}
	log.Printf("risk: assessed vuln %s against asset %s: score %.3f, autonomy %s",
		vuln.VulnID, asset.ID, score, autonomy)

	if a.cache != nil {
		key := cache.AssessmentKey(vuln.VulnID, asset.ID)
		if err := a.cache.SetJSON(ctx, key, assessment, assessmentCacheTTL); err != nil {
			log.Printf("risk: warning: failed to cache assessment %s: %v", assessment.ID, err)
		}
	}
	return assessment, nil
}

// GetAssessment fetches an assessment by id.
func (a *Analyzer) GetAssessment(ctx context.Context, id string) (*models.RiskAssessment, error) {
	return a.store.GetAssessment(ctx, id)
}

// LatestAssessment returns the most recent assessment for a
// (vulnerability, asset) pair, preferring the cache when available.
func (a *Analyzer) LatestAssessment(ctx context.Context, vulnID, assetID string) (*models.RiskAssessment, error) {
	if a.cache != nil {
		var cached models.RiskAssessment
		hit, err := a.cache.GetJSON(ctx, cache.AssessmentKey(vulnID, assetID), &cached)
		if err != nil {
			log.Printf("risk: warning: cache read for %s/%s failed: %v", vulnID, assetID, err)
		} else if hit {
			return &cached, nil
		}
	}
	return a.store.LatestAssessment(ctx, vulnID, assetID)
}

// ListByAsset returns up to limit recent assessments for one asset.
func (a *Analyzer) ListByAsset(ctx context.Context, assetID string, limit int) ([]*models.RiskAssessment, error) {
	return a.store.ListAssessmentsByAsset(ctx, assetID, limit)
}

func validateInputs(vuln *models.Vulnerability, asset *models.Asset) error {
	if vuln == nil {
		return &models.ValidationError{Field: "vulnerability", Reason: "is required"}
	}
	if asset == nil {
		return &models.ValidationError{Field: "asset", Reason: "is required"}
	}
	if vuln.VulnID == "" {
		return &models.ValidationError{Field: "vuln_id", Reason: "is required"}
	}
	if vuln.CVEID == "" {
		return &models.ValidationError{Field: "cve_id", Reason: "is required"}
	}
	if vuln.CVSSScore < 0 || vuln.CVSSScore > 10 {
		return &models.ValidationError{Field: "cvss_score", Reason: "must be between 0.0 and 10.0"}
	}
	if asset.ID == "" {
		return &models.ValidationError{Field: "asset_id", Reason: "is required"}
	}
	if asset.Name == "" {
		return &models.ValidationError{Field: "asset_name", Reason: "is required"}
	}
	if asset.CriticalityTier < 1 || asset.CriticalityTier > 3 {
		return &models.ValidationError{Field: "criticality_tier", Reason: "must be 1, 2, or 3"}
	}
	return nil
}
