// Package envjob provisions the interpreter environments runs execute
// in: a venv built with uv, the configured extraction engine installed
// into it, and the workspace's configuration package installed on top
// as an editable package.
package envjob

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ade-run/ade/internal/config"
	"github.com/ade-run/ade/internal/logging"
	"github.com/ade-run/ade/internal/metrics"
	"github.com/ade-run/ade/internal/pathsafe"
	"github.com/ade-run/ade/internal/queue"
	"github.com/ade-run/ade/internal/repo"
	"github.com/ade-run/ade/internal/subprocess"
)

// Job provisions one environment per claim processed.
type Job struct {
	Config   config.WorkerConfig
	Engine   config.EngineConfig
	Queue    *queue.EnvironmentQueue
	Repo     *repo.Repo
	Paths    *pathsafe.Manager
	Runner   *subprocess.Runner
	WorkerID string
	Logger   *logging.Logger
	Metrics  *metrics.Metrics // optional; nil disables metric recording
}

func installEnv(pipCacheDir string) []string {
	env := os.Environ()
	env = append(env, "UV_CACHE_DIR="+pipCacheDir, "PYTHONUNBUFFERED=1")
	return env
}

func uvBinary() (string, error) {
	path, err := exec.LookPath("uv")
	if err != nil {
		return "", fmt.Errorf("envjob: uv not found on PATH; install worker dependencies with uv available")
	}
	return path, nil
}

// Process builds (or rebuilds) the environment named by claim, acking
// success or failure on j.Queue once it finishes.
func (j *Job) Process(ctx context.Context, claim queue.EnvironmentClaim) {
	env, err := j.Repo.LoadEnvironment(ctx, claim.ID)
	if err != nil {
		j.Logger.WithError(err).WithField("environment_id", claim.ID).Error("envjob: load environment failed")
		return
	}
	if env == nil {
		j.Logger.WithField("environment_id", claim.ID).Error("envjob: environment not found")
		return
	}

	workspaceID := env.WorkspaceID
	configurationID := env.ConfigurationID
	depsDigest := env.DepsDigest
	engineSpec := env.EngineSpec
	if engineSpec == "" {
		engineSpec = j.Engine.Spec
	}

	envRoot, err := j.Paths.EnvironmentRoot(workspaceID, configurationID, depsDigest, claim.ID)
	if err != nil {
		j.Logger.WithError(err).Error("envjob: compute environment root failed")
		return
	}
	venvDir, err := j.Paths.EnvironmentVenvDir(workspaceID, configurationID, depsDigest, claim.ID)
	if err != nil {
		j.Logger.WithError(err).Error("envjob: compute venv dir failed")
		return
	}
	eventLogPath, err := j.Paths.EnvironmentEventLogPath(workspaceID, configurationID, depsDigest, claim.ID)
	if err != nil {
		j.Logger.WithError(err).Error("envjob: compute event log path failed")
		return
	}
	eventLog, err := subprocess.NewEventLog(eventLogPath)
	if err != nil {
		j.Logger.WithError(err).Error("envjob: open event log failed")
		return
	}

	jctx := map[string]any{
		"environment_id":   claim.ID,
		"workspace_id":     workspaceID,
		"configuration_id": configurationID,
		"deps_digest":      depsDigest,
	}

	_ = os.RemoveAll(envRoot)
	if err := os.MkdirAll(envRoot, 0o755); err != nil {
		j.Logger.WithError(err).Error("envjob: create environment root failed")
		return
	}

	_ = eventLog.Emit("environment.start", "info", "Starting environment build", nil, jctx)

	leaseSeconds := j.Config.LeaseSeconds
	heartbeatInterval := time.Duration(leaseSeconds) / 3 * time.Second
	if heartbeatInterval < time.Second {
		heartbeatInterval = time.Second
	}
	heartbeat := func() {
		_, _ = j.Queue.Heartbeat(ctx, claim.ID, j.WorkerID, time.Now().UTC(), leaseSeconds)
	}

	buildTimeout := time.Duration(j.Engine.BuildTimeoutSeconds) * time.Second
	deadline := time.Now().Add(buildTimeout)
	remaining := func() time.Duration {
		d := time.Until(deadline)
		if d < 100*time.Millisecond {
			return 100 * time.Millisecond
		}
		return d
	}

	pipCacheDir, err := j.Paths.PipCacheDir()
	if err != nil {
		j.fail(ctx, claim, eventLog, jctx, fmt.Errorf("envjob: compute pip cache dir: %w", err), 1)
		return
	}
	env2 := installEnv(pipCacheDir)

	uvBin, err := uvBinary()
	if err != nil {
		j.fail(ctx, claim, eventLog, jctx, err, 1)
		return
	}

	lastExitCode := 0

	selfPython, err := os.Executable()
	if err != nil {
		selfPython = "python3"
	}
	createCmd := []string{uvBin, "venv", "--python", selfPython, venvDir}
	res, err := j.Runner.Run(ctx, createCmd, subprocess.Options{
		EventLog:          eventLog,
		Scope:             "environment.venv",
		Timeout:           remaining(),
		Env:               env2,
		Heartbeat:         heartbeat,
		HeartbeatInterval: heartbeatInterval,
		Context:           jctx,
		Metrics:           j.Metrics,
	})
	if err != nil {
		j.fail(ctx, claim, eventLog, jctx, err, lastExitCode)
		return
	}
	lastExitCode = res.ExitCode
	if res.ExitCode != 0 {
		j.fail(ctx, claim, eventLog, jctx, fmt.Errorf("venv creation failed (exit %d)", res.ExitCode), lastExitCode)
		return
	}

	pythonBin := pathsafe.PythonInVenv(venvDir)
	if _, statErr := os.Stat(pythonBin); statErr != nil {
		j.fail(ctx, claim, eventLog, jctx, fmt.Errorf("venv python missing: %s", pythonBin), lastExitCode)
		return
	}

	installEngineCmd := []string{uvBin, "pip", "install", "--python", pythonBin}
	if _, statErr := os.Stat(engineSpec); statErr == nil {
		installEngineCmd = append(installEngineCmd, "-e", engineSpec)
	} else {
		installEngineCmd = append(installEngineCmd, engineSpec)
	}
	res, err = j.Runner.Run(ctx, installEngineCmd, subprocess.Options{
		EventLog:          eventLog,
		Scope:             "environment.engine",
		Timeout:           remaining(),
		Env:               env2,
		Heartbeat:         heartbeat,
		HeartbeatInterval: heartbeatInterval,
		Context:           jctx,
		Metrics:           j.Metrics,
	})
	if err != nil {
		j.fail(ctx, claim, eventLog, jctx, err, lastExitCode)
		return
	}
	lastExitCode = res.ExitCode
	if res.ExitCode != 0 {
		j.fail(ctx, claim, eventLog, jctx, fmt.Errorf("engine install failed (exit %d)", res.ExitCode), lastExitCode)
		return
	}

	configDir, err := j.Paths.ConfigPackageDir(workspaceID, configurationID)
	if err != nil {
		j.fail(ctx, claim, eventLog, jctx, err, lastExitCode)
		return
	}
	if _, statErr := os.Stat(configDir); statErr != nil {
		j.fail(ctx, claim, eventLog, jctx, fmt.Errorf("config package dir missing: %s", configDir), lastExitCode)
		return
	}

	res, err = j.Runner.Run(ctx, []string{uvBin, "pip", "install", "--python", pythonBin, "-e", configDir}, subprocess.Options{
		EventLog:          eventLog,
		Scope:             "environment.config",
		Timeout:           remaining(),
		Env:               env2,
		Heartbeat:         heartbeat,
		HeartbeatInterval: heartbeatInterval,
		Context:           jctx,
		Metrics:           j.Metrics,
	})
	if err != nil {
		j.fail(ctx, claim, eventLog, jctx, err, lastExitCode)
		return
	}
	lastExitCode = res.ExitCode
	if res.ExitCode != 0 {
		j.fail(ctx, claim, eventLog, jctx, fmt.Errorf("config install failed (exit %d)", res.ExitCode), lastExitCode)
		return
	}

	pythonVersion := runCaptureText(pythonBin, "--version")
	engineVersion, verErr := exec.Command(pythonBin, "-c",
		"import ade_engine; print(getattr(ade_engine, '__version__', 'unknown'))").Output()
	engineVersionStr := "unknown"
	if verErr == nil {
		engineVersionStr = strings.TrimSpace(string(engineVersion))
	}

	_ = eventLog.Emit("environment.versions", "info",
		fmt.Sprintf("python=%s engine=%s", pythonVersion, engineVersionStr), nil, jctx)

	finishedAt := time.Now().UTC()
	ok, ackErr := j.ackSuccessWithMetadata(ctx, claim.ID, finishedAt, pythonBin, pythonVersion, engineVersionStr)
	if ackErr != nil {
		j.Logger.WithError(ackErr).Error("envjob: ack success failed")
		return
	}
	if !ok {
		_ = eventLog.Emit("environment.lost_claim", "warning", "Environment status changed before completion", nil, jctx)
		return
	}
	_ = eventLog.Emit("environment.complete", "info", "Environment ready", nil, jctx)
	if j.Metrics != nil {
		j.Metrics.RecordEnvironmentBuild("succeeded")
	}
}

func runCaptureText(args ...string) string {
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil && len(out) == 0 {
		return err.Error()
	}
	return strings.TrimSpace(string(out))
}

func (j *Job) fail(ctx context.Context, claim queue.EnvironmentClaim, eventLog *subprocess.EventLog, jctx map[string]any, cause error, exitCode int) {
	j.Logger.WithError(cause).WithField("environment_id", claim.ID).Error("envjob: environment build failed")

	finishedAt := time.Now().UTC()
	ok, ackErr := j.ackFailureWithMetadata(ctx, claim.ID, finishedAt, cause.Error())
	if ackErr != nil {
		j.Logger.WithError(ackErr).Error("envjob: ack failure failed")
		return
	}
	if !ok {
		_ = eventLog.Emit("environment.lost_claim", "warning", "Environment status changed before failure ack", nil, jctx)
		return
	}
	_ = eventLog.Emit("environment.failed", "error", fmt.Sprintf("%s (exit %d)", cause.Error(), exitCode), nil, jctx)
	if j.Metrics != nil {
		j.Metrics.RecordEnvironmentBuild("failed")
	}
}

// ackSuccessWithMetadata acks the environment claim and records its
// discovered interpreter/engine versions in one transaction, mirroring
// the worker's SessionLocal.begin() block.
func (j *Job) ackSuccessWithMetadata(ctx context.Context, envID string, now time.Time, pythonInterpreter, pythonVersion, engineVersion string) (bool, error) {
	var ok bool
	err := j.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		var ackErr error
		ok, ackErr = j.Queue.AckSuccess(ctx, tx, envID, j.WorkerID, now)
		if ackErr != nil {
			return ackErr
		}
		if !ok {
			return nil
		}
		return j.Repo.RecordEnvironmentMetadata(ctx, tx, envID, &pythonInterpreter, &pythonVersion, &engineVersion, now)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ackFailureWithMetadata acks the environment claim as failed and
// clears its interpreter metadata in one transaction.
func (j *Job) ackFailureWithMetadata(ctx context.Context, envID string, now time.Time, errorMessage string) (bool, error) {
	var ok bool
	err := j.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		var ackErr error
		ok, ackErr = j.Queue.AckFailure(ctx, tx, envID, j.WorkerID, errorMessage, now)
		if ackErr != nil {
			return ackErr
		}
		if !ok {
			return nil
		}
		return j.Repo.RecordEnvironmentMetadata(ctx, tx, envID, nil, nil, nil, now)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}
