// Package main is the entry point for the Vanguard Remediation Engine.
//
// It wires together all components: configuration, persistence, Redis cache,
// platform adapters, risk analyzer, deployment orchestrator, rollback
// manager, and the HTTP API server. It supports graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/api"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/deploy"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/healthcheck"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/platform"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/risk"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/rollback"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/config"
	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  Vanguard - Open Cloud Ops Remediation Engine")
	fmt.Println("==============================================")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Configuration loaded: port=%s, log_level=%s, simulated=%t, snapshot_ttl=%dh",
		cfg.Port, cfg.LogLevel, cfg.SimulatedPlatforms, cfg.SnapshotTTLHours)

	// Initialize persistence. Vanguard keeps running on the in-memory store
	// if PostgreSQL is unavailable; state then does not survive restarts.
	var engineStore store.Store
	db, dbErr := store.New(cfg.DatabaseURL)
	if dbErr != nil {
		log.Printf("WARNING: Failed to connect to database: %v (running on in-memory store)", dbErr)
		engineStore = store.NewMemoryStore()
	} else {
		defer db.Close()
		if err := db.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		engineStore = store.NewPgStore(db)
		log.Printf("Database connected: %s", maskDSN(cfg.DatabaseURL))
	}

	// Initialize Redis. The cache is optional: without it Vanguard loses the
	// assessment cache and cross-replica deployment locks, nothing else.
	var redisCache *cache.Cache
	if c, cacheErr := cache.NewCache(context.Background(), cfg.RedisURL); cacheErr != nil {
		log.Printf("WARNING: Failed to connect to Redis: %v (running without cache)", cacheErr)
	} else {
		redisCache = c
		defer redisCache.Close()
	}

	adapters := buildAdapterRegistry(cfg)

	// Initialize engine components
	riskCfg := risk.DefaultConfig()
	riskCfg.BusinessHoursStart = cfg.BusinessHoursStart
	riskCfg.BusinessHoursEnd = cfg.BusinessHoursEnd
	riskCfg.BusinessDays = businessWeekdays(cfg.BusinessDays)

	analyzer, err := risk.NewAnalyzer(riskCfg, engineStore, redisCache)
	if err != nil {
		log.Fatalf("Failed to initialize risk analyzer: %v", err)
	}

	validator := healthcheck.NewValidator()

	rollbackCfg := rollback.DefaultConfig()
	rollbackCfg.SnapshotTTL = time.Duration(cfg.SnapshotTTLHours) * time.Hour
	rollbackManager := rollback.NewManager(rollbackCfg, engineStore, adapters, validator)

	deployCfg := deploy.DefaultConfig()
	deployCfg.MaxPlanDuration = time.Duration(cfg.MaxPlanDurationMin) * time.Minute
	orchestrator := deploy.NewOrchestrator(deployCfg, engineStore, adapters, validator, rollbackManager, redisCache)

	log.Printf("All engine components initialized")

	// Setup Gin router
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Register API routes
	handler := api.NewHandler(analyzer, orchestrator, rollbackManager)
	handler.RegisterRoutes(router)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start snapshot expiry sweeper in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runSnapshotSweeper(ctx, rollbackManager)

	// Start server in a goroutine
	go func() {
		log.Printf("Vanguard Remediation Engine is ready on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down Vanguard Remediation Engine...")

	// Cancel background tasks
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Vanguard Remediation Engine stopped")
}

// buildAdapterRegistry assembles one adapter per platform kind. Kubernetes
// and docker always run simulated until their native integrations land; VM
// and bare-metal targets use operator-configured shell commands unless
// simulated mode is forced.
func buildAdapterRegistry(cfg *config.Config) *platform.Registry {
	registry := platform.NewRegistry(
		platform.NewSimulatedAdapter(models.PlatformKubernetes),
		platform.NewSimulatedAdapter(models.PlatformDocker),
	)

	for kind, prefix := range map[models.PlatformKind]string{
		models.PlatformVM:        "VANGUARD_VM",
		models.PlatformBareMetal: "VANGUARD_BARE_METAL",
	} {
		cmdCfg := platform.CommandConfig{
			DeployCmd:   os.Getenv(prefix + "_DEPLOY_CMD"),
			SwitchCmd:   os.Getenv(prefix + "_SWITCH_CMD"),
			SnapshotCmd: os.Getenv(prefix + "_SNAPSHOT_CMD"),
			RestoreCmd:  os.Getenv(prefix + "_RESTORE_CMD"),
			ServingCmd:  os.Getenv(prefix + "_SERVING_CMD"),
		}
		if cfg.SimulatedPlatforms || cmdCfg.DeployCmd == "" {
			registry.Register(platform.NewSimulatedAdapter(kind))
			log.Printf("Platform %s initialized (simulated mode)", kind)
			continue
		}
		registry.Register(platform.NewCommandAdapter(kind, cmdCfg))
		log.Printf("Platform %s initialized (command adapter)", kind)
	}
	return registry
}

// runSnapshotSweeper periodically expires overdue snapshots so a stale
// snapshot is never picked up for rollback. It runs until the context is
// cancelled.
func runSnapshotSweeper(ctx context.Context, mgr *rollback.Manager) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	log.Println("Snapshot sweeper started (checking every 10 minutes)")

	for {
		select {
		case <-ctx.Done():
			log.Println("Snapshot sweeper stopped")
			return
		case <-ticker.C:
			n, err := mgr.ExpireOverdue(ctx, "")
			if err != nil {
				log.Printf("Sweeper: error expiring snapshots: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Sweeper: expired %d overdue snapshots", n)
			}
		}
	}
}

// businessWeekdays converts configured day numbers (0=Sunday .. 6=Saturday)
// to time.Weekday values.
func businessWeekdays(days []int) []time.Weekday {
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		out = append(out, time.Weekday(d))
	}
	return out
}

// maskDSN masks the password in a database connection string for safe logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}
