// Package healthcheck implements the health gate between deployment stages.
//
// A validator polls a set of typed probes (HTTP, command, TCP port) over a
// fixed window. Every probe must pass on every poll; the first failing poll
// aborts validation immediately so a bad rollout is caught as early as
// possible instead of waiting out the window. Outcomes are aggregated into
// the stage's pass/fail counters; individual probe results are not persisted.
package healthcheck

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// Validator runs health probes to gate deployment stage progression.
type Validator struct {
	httpClient *http.Client

	// now and sleep are indirected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewValidator creates a Validator with a default HTTP client.
func NewValidator() *Validator {
	return &Validator{
		httpClient: &http.Client{},
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// ValidateStage polls all checks once per interval for the full duration
// window. It returns true only if every check passed on every poll. The
// stage's pass/fail counters are incremented per probe outcome.
//
// A cancelled context counts as a validation failure: an aborted window
// never gates a stage forward.
func (v *Validator) ValidateStage(ctx context.Context, stage *models.DeploymentStage, checks []models.HealthCheckSpec, duration, interval time.Duration) bool {
	if len(checks) == 0 {
		// Nothing to gate on; the stage passes by definition.
		log.Printf("health: stage %d of plan %s has no checks configured, passing", stage.StageNumber, stage.PlanID)
		return true
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	deadline := v.now().Add(duration)
	poll := 0

	for {
		poll++
		for i := range checks {
			check := &checks[i]
			if err := v.runCheck(ctx, check); err != nil {
				stage.HealthFailed++
				log.Printf("health: stage %d of plan %s: %s check failed on poll %d: %v",
					stage.StageNumber, stage.PlanID, check.Type, poll, err)
				return false
			}
			stage.HealthPassed++
		}

		if !v.now().Add(interval).Before(deadline) {
			log.Printf("health: stage %d of plan %s validated: %d checks passed over %d polls",
				stage.StageNumber, stage.PlanID, stage.HealthPassed, poll)
			return true
		}
		if err := v.sleep(ctx, interval); err != nil {
			stage.HealthFailed++
			log.Printf("health: stage %d of plan %s: validation window aborted: %v",
				stage.StageNumber, stage.PlanID, err)
			return false
		}
	}
}

// runCheck executes a single probe.
func (v *Validator) runCheck(ctx context.Context, check *models.HealthCheckSpec) error {
	switch check.Type {
	case models.CheckHTTP:
		return v.checkHTTP(ctx, check)
	case models.CheckCommand:
		return v.checkCommand(ctx, check)
	case models.CheckPort:
		return v.checkPort(ctx, check)
	default:
		return fmt.Errorf("unsupported check type %q", check.Type)
	}
}

// checkHTTP performs a GET and compares the response status code.
func (v *Validator) checkHTTP(ctx context.Context, check *models.HealthCheckSpec) error {
	if check.URL == "" {
		return fmt.Errorf("http check requires a url")
	}
	expected := check.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}

	ctx, cancel := context.WithTimeout(ctx, check.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, check.URL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", check.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		return fmt.Errorf("GET %s: expected status %d, got %d", check.URL, expected, resp.StatusCode)
	}
	return nil
}

// checkCommand executes a shell command and compares its exit code.
func (v *Validator) checkCommand(ctx context.Context, check *models.HealthCheckSpec) error {
	if check.Command == "" {
		return fmt.Errorf("command check requires a command")
	}

	ctx, cancel := context.WithTimeout(ctx, check.Timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", check.Command)
	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("command %q timed out after %s", check.Command, check.Timeout())
	}

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return fmt.Errorf("command %q: %w", check.Command, err)
		}
		exitCode = exitErr.ExitCode()
	}

	if exitCode != check.ExpectedExit {
		return fmt.Errorf("command %q: expected exit %d, got %d", check.Command, check.ExpectedExit, exitCode)
	}
	return nil
}

// checkPort attempts a TCP connection to host:port.
func (v *Validator) checkPort(ctx context.Context, check *models.HealthCheckSpec) error {
	if check.Host == "" || check.Port <= 0 {
		return fmt.Errorf("port check requires host and port")
	}

	addr := net.JoinHostPort(check.Host, fmt.Sprintf("%d", check.Port))
	dialer := &net.Dialer{Timeout: check.Timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect %s: %w", addr, err)
	}
	conn.Close()
	return nil
}

// sleepCtx blocks for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
