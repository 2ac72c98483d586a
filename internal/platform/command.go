package platform

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/vanguard/pkg/models"
)

// CommandConfig holds the shell command templates a CommandAdapter runs for
// each capability. Commands receive the asset, patch, and stage details
// through VANGUARD_* environment variables rather than string interpolation,
// so operator-supplied templates cannot be broken by artifact names.
type CommandConfig struct {
	DeployCmd   string
	SwitchCmd   string
	SnapshotCmd string
	RestoreCmd  string
	ServingCmd  string

	// Timeout bounds each command invocation. Zero means 5 minutes.
	Timeout time.Duration
}

// CommandAdapter drives generic VM and bare-metal targets by executing
// operator-configured shell commands over the local shell (typically wrapping
// ssh or a configuration-management tool). The snapshot payload is whatever
// the snapshot command writes to stdout; the restore command receives it on
// stdin.
type CommandAdapter struct {
	kind models.PlatformKind
	cfg  CommandConfig
}

// NewCommandAdapter creates a CommandAdapter for the given platform kind.
func NewCommandAdapter(kind models.PlatformKind, cfg CommandConfig) *CommandAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &CommandAdapter{kind: kind, cfg: cfg}
}

// Kind identifies which platform this adapter serves.
func (a *CommandAdapter) Kind() models.PlatformKind { return a.kind }

// Deploy runs the configured deploy command for the stage target.
func (a *CommandAdapter) Deploy(ctx context.Context, asset *models.Asset, patch *models.Patch, spec StageSpec) error {
	if a.cfg.DeployCmd == "" {
		return fmt.Errorf("platform: no deploy command configured for %q", a.kind)
	}
	env := a.commandEnv(asset)
	env = append(env,
		fmt.Sprintf("VANGUARD_PATCH_ID=%s", patch.ID),
		fmt.Sprintf("VANGUARD_ARTIFACT=%s", patch.ArtifactRef),
		fmt.Sprintf("VANGUARD_STAGE_NUMBER=%d", spec.StageNumber),
		fmt.Sprintf("VANGUARD_TARGET_PERCENT=%d", spec.TargetPercent),
		fmt.Sprintf("VANGUARD_TARGET_INSTANCES=%d", spec.TargetInstances),
		fmt.Sprintf("VANGUARD_ENVIRONMENT=%s", spec.Environment),
	)
	_, err := a.run(ctx, a.cfg.DeployCmd, env, nil)
	if err != nil {
		return fmt.Errorf("platform: deploy command for asset %s: %w", asset.ID, err)
	}
	return nil
}

// SwitchTraffic runs the configured traffic-switch command.
func (a *CommandAdapter) SwitchTraffic(ctx context.Context, asset *models.Asset) error {
	if a.cfg.SwitchCmd == "" {
		return fmt.Errorf("platform: no traffic-switch command configured for %q", a.kind)
	}
	_, err := a.run(ctx, a.cfg.SwitchCmd, a.commandEnv(asset), nil)
	if err != nil {
		return fmt.Errorf("platform: switch command for asset %s: %w", asset.ID, err)
	}
	return nil
}

// Snapshot runs the configured snapshot command and returns its stdout as
// the snapshot payload.
func (a *CommandAdapter) Snapshot(ctx context.Context, asset *models.Asset) ([]byte, error) {
	if a.cfg.SnapshotCmd == "" {
		return nil, fmt.Errorf("platform: no snapshot command configured for %q", a.kind)
	}
	out, err := a.run(ctx, a.cfg.SnapshotCmd, a.commandEnv(asset), nil)
	if err != nil {
		return nil, fmt.Errorf("platform: snapshot command for asset %s: %w", asset.ID, err)
	}
	return out, nil
}

// Restore runs the configured restore command, feeding it the snapshot
// payload on stdin.
func (a *CommandAdapter) Restore(ctx context.Context, asset *models.Asset, payload []byte) error {
	if a.cfg.RestoreCmd == "" {
		return fmt.Errorf("platform: no restore command configured for %q", a.kind)
	}
	_, err := a.run(ctx, a.cfg.RestoreCmd, a.commandEnv(asset), payload)
	if err != nil {
		return fmt.Errorf("platform: restore command for asset %s: %w", asset.ID, err)
	}
	return nil
}

// ServingEnvironment runs the configured serving-state command and returns
// its trimmed stdout. Returns "blue" when no command is configured, since
// single-environment platforms always serve from their only environment.
func (a *CommandAdapter) ServingEnvironment(ctx context.Context, asset *models.Asset) (string, error) {
	if a.cfg.ServingCmd == "" {
		return "blue", nil
	}
	out, err := a.run(ctx, a.cfg.ServingCmd, a.commandEnv(asset), nil)
	if err != nil {
		return "", fmt.Errorf("platform: serving-state command for asset %s: %w", asset.ID, err)
	}
	return string(bytes.TrimSpace(out)), nil
}

// run executes a shell command with a bounded timeout and returns stdout.
func (a *CommandAdapter) run(ctx context.Context, command string, env []string, stdin []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = env
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	log.Printf("platform: command %q finished in %s (err=%v)", command, time.Since(start).Round(time.Millisecond), err)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s", a.cfg.Timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// commandEnv builds the base environment for a command invocation.
func (a *CommandAdapter) commandEnv(asset *models.Asset) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		fmt.Sprintf("VANGUARD_ASSET_ID=%s", asset.ID),
		fmt.Sprintf("VANGUARD_ASSET_NAME=%s", asset.Name),
		fmt.Sprintf("VANGUARD_PLATFORM=%s", asset.Platform),
	}
}
