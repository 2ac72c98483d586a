// Package api implements the HTTP API handlers for the Vanguard Remediation
// Engine.
//
// All endpoints are versioned under /api/v1 and follow RESTful conventions.
// Handlers delegate to the risk analyzer, deployment orchestrator, and
// rollback manager and return JSON responses with appropriate HTTP status
// codes. Assets and patches are owned by upstream collaborators and arrive
// in request bodies.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/deploy"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/risk"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/rollback"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// Handler holds references to the engine components and provides HTTP
// handler methods.
type Handler struct {
	analyzer     *risk.Analyzer
	orchestrator *deploy.Orchestrator
	rollback     *rollback.Manager
	startTime    time.Time
}

// NewHandler creates a new Handler with all required dependencies.
func NewHandler(analyzer *risk.Analyzer, orchestrator *deploy.Orchestrator, rb *rollback.Manager) *Handler {
	return &Handler{
		analyzer:     analyzer,
		orchestrator: orchestrator,
		rollback:     rb,
		startTime:    time.Now().UTC(),
	}
}

// APIKeyAuth is a simple Gin middleware that requires a non-empty X-API-Key header.
func APIKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing API key. Provide X-API-Key header.",
			})
			c.Abort()
			return
		}
		if len(apiKey) < 16 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid API key format.",
			})
			c.Abort()
			return
		}
		c.Set("api_key", apiKey)
		c.Next()
	}
}

// RegisterRoutes sets up all API routes on the given Gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// Service health endpoint (unauthenticated)
	r.GET("/health", h.ServiceHealth)

	// API v1 routes (require API key)
	v1 := r.Group("/api/v1")
	v1.Use(APIKeyAuth())
	{
		// Risk assessment
		riskGroup := v1.Group("/risk")
		{
			riskGroup.POST("/analyze", h.AnalyzeRisk)
			riskGroup.GET("/assessments", h.ListAssessments)
			riskGroup.GET("/assessments/:id", h.GetAssessment)
		}

		// Deployment plan management
		plans := v1.Group("/deployments/plans")
		{
			plans.GET("", h.ListPlans)
			plans.POST("", h.CreatePlan)
			plans.GET("/:id", h.GetPlan)
			plans.GET("/:id/stages", h.GetPlanStages)
			plans.POST("/:id/execute", h.ExecutePlan)
		}

		// Snapshot inspection
		snapshots := v1.Group("/snapshots")
		{
			snapshots.GET("", h.ListSnapshots)
			snapshots.GET("/:id", h.GetSnapshot)
		}
	}
}

// ServiceHealth returns the overall health of the Vanguard service.
func (h *Handler) ServiceHealth(c *gin.Context) {
	uptime := time.Since(h.startTime)
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "vanguard",
		"version": "1.0.0",
		"uptime":  uptime.String(),
	})
}

// --- Risk Handlers ---

// AnalyzeRequest is the request body for a risk analysis run.
type AnalyzeRequest struct {
	Vulnerability *models.Vulnerability `json:"vulnerability"`
	Asset         *models.Asset         `json:"asset"`
	Patch         *models.Patch         `json:"patch,omitempty"`
}

// AnalyzeRisk scores a vulnerability against an asset and returns the
// persisted assessment.
func (h *Handler) AnalyzeRisk(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	assessment, err := h.analyzer.Analyze(c.Request.Context(), req.Vulnerability, req.Asset, req.Patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, assessment)
}

// GetAssessment returns a single risk assessment by ID.
func (h *Handler) GetAssessment(c *gin.Context) {
	assessment, err := h.analyzer.GetAssessment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assessment)
}

// ListAssessments returns assessments filtered by query parameters. With
// both vuln_id and asset_id it returns the latest assessment for the pair;
// with only asset_id it returns the asset's recent assessments.
func (h *Handler) ListAssessments(c *gin.Context) {
	vulnID := c.Query("vuln_id")
	assetID := c.Query("asset_id")

	if assetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "asset_id query parameter is required"})
		return
	}

	if vulnID != "" {
		assessment, err := h.analyzer.LatestAssessment(c.Request.Context(), vulnID, assetID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, assessment)
		return
	}

	assessments, err := h.analyzer.ListByAsset(c.Request.Context(), assetID, 50)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": assessments, "count": len(assessments)})
}

// --- Deployment Handlers ---

// CreatePlanRequest is the request body for plan creation. ExecutionID ties
// the plan to the caller's remediation execution; one is generated when
// omitted.
type CreatePlanRequest struct {
	ExecutionID    string                `json:"execution_id,omitempty"`
	Asset          *models.Asset         `json:"asset"`
	Patch          *models.Patch         `json:"patch"`
	Strategy       models.DeployStrategy `json:"strategy"`
	CanaryPercents []int                 `json:"canary_percents,omitempty"`
	BatchSize      int                   `json:"batch_size,omitempty"`
	MaxDurationSec int64                 `json:"max_duration_sec,omitempty"`
}

// CreatePlan creates a pending deployment plan from the request body.
func (h *Handler) CreatePlan(c *gin.Context) {
	var req CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	plan, err := h.orchestrator.CreatePlan(c.Request.Context(), &deploy.PlanRequest{
		ExecutionID:    req.ExecutionID,
		Asset:          req.Asset,
		Patch:          req.Patch,
		Strategy:       req.Strategy,
		CanaryPercents: req.CanaryPercents,
		BatchSize:      req.BatchSize,
		MaxDuration:    time.Duration(req.MaxDurationSec) * time.Second,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

// GetPlan returns a single deployment plan with its stages.
func (h *Handler) GetPlan(c *gin.Context) {
	plan, err := h.orchestrator.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// ListPlans returns all plans for the asset in the asset_id query parameter.
func (h *Handler) ListPlans(c *gin.Context) {
	assetID := c.Query("asset_id")
	if assetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "asset_id query parameter is required"})
		return
	}

	plans, err := h.orchestrator.ListPlans(c.Request.Context(), assetID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "count": len(plans)})
}

// GetPlanStages returns the stages of a plan with their current statuses
// and health counters.
func (h *Handler) GetPlanStages(c *gin.Context) {
	plan, err := h.orchestrator.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plan_id":       plan.ID,
		"current_stage": plan.CurrentStage,
		"stages":        plan.Stages,
		"count":         len(plan.Stages),
	})
}

// ExecuteRequest is the request body for plan execution. AutoRollback
// defaults to true; set it to false to halt on failure and leave the
// snapshot for a manual rollback.
type ExecuteRequest struct {
	Asset        *models.Asset            `json:"asset"`
	Patch        *models.Patch            `json:"patch"`
	HealthChecks []models.HealthCheckSpec `json:"health_checks,omitempty"`
	AutoRollback *bool                    `json:"auto_rollback,omitempty"`
}

// ExecutePlan starts executing a pending plan and returns immediately.
// Progress is observable through the plan and stage endpoints.
func (h *Handler) ExecutePlan(c *gin.Context) {
	planID := c.Param("id")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	// Reject bad executions synchronously before detaching.
	plan, err := h.orchestrator.GetPlan(c.Request.Context(), planID)
	if err != nil {
		respondError(c, err)
		return
	}
	if plan.Completed || plan.StartedAt != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "plan has already been executed", "plan_id": planID})
		return
	}

	autoRollback := true
	if req.AutoRollback != nil {
		autoRollback = *req.AutoRollback
	}

	go func() {
		// The rollout outlives the HTTP request.
		if err := h.orchestrator.Execute(context.Background(), planID, req.Asset, req.Patch, req.HealthChecks, autoRollback); err != nil {
			log.Printf("api: plan %s execution finished with error: %v", planID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "plan execution started",
		"plan_id": planID,
	})
}

// --- Snapshot Handlers ---

// GetSnapshot returns a single snapshot by ID. The payload is included; it
// is opaque platform state.
func (h *Handler) GetSnapshot(c *gin.Context) {
	snap, err := h.rollback.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListSnapshots returns all snapshots for the asset in the asset_id query
// parameter, newest first.
func (h *Handler) ListSnapshots(c *gin.Context) {
	assetID := c.Query("asset_id")
	if assetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "asset_id query parameter is required"})
		return
	}

	snapshots, err := h.rollback.ListSnapshots(c.Request.Context(), assetID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots, "count": len(snapshots)})
}

// respondError maps the engine's error taxonomy onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case models.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case models.IsDatabase(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
