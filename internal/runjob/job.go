package runjob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ade-run/ade/internal/config"
	"github.com/ade-run/ade/internal/logging"
	metricspkg "github.com/ade-run/ade/internal/metrics"
	"github.com/ade-run/ade/internal/models"
	"github.com/ade-run/ade/internal/pathsafe"
	"github.com/ade-run/ade/internal/queue"
	"github.com/ade-run/ade/internal/repo"
	"github.com/ade-run/ade/internal/subprocess"
)

// Options controls one run's engine invocation, decoded off the run's
// stored run_options JSON.
type Options struct {
	ValidateOnly        bool
	DryRun               bool
	LogLevel             string
	InputSheetNames      []string
	ActiveSheetOnly      bool
	MaxFindingsPerSheet  *int
	ExtraEngineArgs      []string
}

// ParseOptions decodes a run's run_options JSON column into Options,
// falling back to defaultLogLevel when none was set.
func ParseOptions(raw json.RawMessage, defaultLogLevel string) Options {
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}

	opts := Options{LogLevel: defaultLogLevel}

	validateOnly, _ := asBool(decoded["validate_only"])
	if !validateOnly {
		validateOnly, _ = asBool(decoded["validation_only"])
	}
	opts.ValidateOnly = validateOnly

	dryRun, _ := asBool(decoded["dry_run"])
	opts.DryRun = dryRun

	if level, ok := asStr(decoded["log_level"]); ok {
		opts.LogLevel = strings.ToUpper(level)
	} else {
		opts.LogLevel = strings.ToUpper(defaultLogLevel)
	}

	opts.InputSheetNames = asStrList(decoded["input_sheet_names"])

	activeSheetOnly, _ := asBool(decoded["active_sheet_only"])
	opts.ActiveSheetOnly = activeSheetOnly

	if n, ok := asInt(decoded["max_findings_per_sheet"]); ok {
		v := int(n)
		opts.MaxFindingsPerSheet = &v
	}

	engineArgs := decoded["engine_args"]
	if engineArgs == nil {
		engineArgs = decoded["extra_args"]
	}
	opts.ExtraEngineArgs = asStrList(engineArgs)

	return opts
}

func asStrList(v any) []string {
	var out []string
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if s, ok := asStr(item); ok {
				out = append(out, s)
			}
		}
	case string:
		if s, ok := asStr(val); ok {
			out = append(out, s)
		}
	}
	return out
}

// EngineConfigValidateCmd builds the `ade_engine config validate`
// invocation.
func EngineConfigValidateCmd(pythonBin, configDir, logLevel string) []string {
	return []string{
		pythonBin, "-m", "ade_engine", "config", "validate",
		"--config-package", configDir,
		"--log-format", "ndjson",
		"--log-level", strings.ToUpper(logLevel),
	}
}

// EngineProcessFileCmd builds the `ade_engine process file` invocation.
func EngineProcessFileCmd(pythonBin, inputPath, outputDir, configDir string, opts Options, sheetNames []string) []string {
	cmd := []string{
		pythonBin, "-m", "ade_engine", "process", "file",
		"--input", inputPath,
		"--output-dir", outputDir,
		"--config-package", configDir,
		"--log-format", "ndjson",
		"--log-level", strings.ToUpper(opts.LogLevel),
	}
	if opts.MaxFindingsPerSheet != nil && *opts.MaxFindingsPerSheet >= 0 {
		cmd = append(cmd, "--max-findings-per-sheet", strconv.Itoa(*opts.MaxFindingsPerSheet))
	}
	if opts.ActiveSheetOnly {
		cmd = append(cmd, "--active-sheet-only")
	} else {
		for _, sheet := range sheetNames {
			s := strings.TrimSpace(sheet)
			if s != "" {
				cmd = append(cmd, "--input-sheet", s)
			}
		}
	}
	cmd = append(cmd, opts.ExtraEngineArgs...)
	return cmd
}

// extractOutputPath pulls outputs.normalized.path straight out of the raw
// engine.run.completed JSON with gjson, cheaper than unmarshalling the
// whole payload just for one scalar.
func extractOutputPath(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	result := gjson.GetBytes(raw, "outputs.normalized.path")
	if !result.Exists() {
		return "", false
	}
	return asStr(result.String())
}

// Job executes one run: stage the document, invoke the engine, and
// record the result.
type Job struct {
	Worker   config.WorkerConfig
	Engine   config.EngineConfig
	Queue    *queue.RunQueue
	Repo     *repo.Repo
	Paths    *pathsafe.Manager
	Runner   *subprocess.Runner
	WorkerID string
	Logger   *logging.Logger
	Metrics  *metricspkg.Metrics // optional; nil disables metric recording
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// Process runs claim to completion, acking success or failure on
// j.Queue.
func (j *Job) Process(ctx context.Context, claim queue.RunClaim) {
	now := time.Now().UTC()
	runID := claim.ID

	run, err := j.Repo.LoadRun(ctx, runID)
	if err != nil {
		j.Logger.WithError(err).WithField("run_id", runID).Error("runjob: load run failed")
		return
	}
	if run == nil {
		j.Logger.WithField("run_id", runID).Error("runjob: run not found")
		return
	}

	runStartedAt := now
	if run.StartedAt.Valid {
		runStartedAt = run.StartedAt.Time
	}

	workspaceID := run.WorkspaceID
	configurationID := run.ConfigurationID
	documentID := run.InputDocumentID

	env, err := j.Repo.LoadReadyEnvironmentForRun(ctx, run)
	if err != nil {
		j.Logger.WithError(err).Error("runjob: load ready environment failed")
		return
	}
	if env == nil {
		j.releaseForEnvironment(ctx, claim, now, "Environment not ready")
		return
	}

	environmentID := env.ID
	depsDigest := env.DepsDigest

	jctx := map[string]any{
		"job_id":           runID,
		"workspace_id":     workspaceID,
		"configuration_id": configurationID,
		"environment_id":   environmentID,
	}

	eventLogPath, err := j.Paths.RunEventLogPath(workspaceID, runID)
	if err != nil {
		j.Logger.WithError(err).Error("runjob: compute event log path failed")
		return
	}
	eventLog, err := subprocess.NewEventLog(eventLogPath)
	if err != nil {
		j.Logger.WithError(err).Error("runjob: open event log failed")
		return
	}
	_ = eventLog.Emit("run.start", "info", "Starting run", nil, jctx)

	venvDir, err := j.Paths.EnvironmentVenvDir(workspaceID, configurationID, depsDigest, environmentID)
	if err != nil {
		j.Logger.WithError(err).Error("runjob: compute venv dir failed")
		return
	}
	pythonBin := pathsafe.PythonInVenv(venvDir)
	if _, statErr := os.Stat(pythonBin); statErr != nil {
		j.Logger.WithField("python_bin", pythonBin).Warn("runjob: environment python missing")
		_ = j.Repo.MarkEnvironmentQueued(ctx, environmentID, "Missing venv python; requeueing environment", now)
		j.releaseForEnvironment(ctx, claim, now, "Environment missing on disk")
		return
	}

	configDir, err := j.Paths.ConfigPackageDir(workspaceID, configurationID)
	if err != nil {
		j.Logger.WithError(err).Error("runjob: compute config dir failed")
		return
	}
	if _, statErr := os.Stat(configDir); statErr != nil {
		j.handleFailure(ctx, claim, documentID, eventLog, jctx, now, runStartedAt, 2,
			fmt.Sprintf("Missing config package dir: %s", configDir))
		return
	}

	_ = j.Repo.TouchEnvironmentLastUsed(ctx, environmentID, now)

	options := ParseOptions(run.RunOptions, "INFO")
	sheetNames := options.InputSheetNames

	heartbeat := func() {
		_, _ = j.Queue.Heartbeat(ctx, runID, j.WorkerID, time.Now().UTC(), j.Worker.LeaseSeconds)
	}
	heartbeatInterval := time.Duration(j.Worker.LeaseSeconds) / 3 * time.Second
	if heartbeatInterval < time.Second {
		heartbeatInterval = time.Second
	}

	pipEnv := j.pipEnv()

	if options.DryRun {
		finishedAt := time.Now().UTC()
		ok, ackErr := j.ackRunSuccess(ctx, runID, finishedAt, 0, "", "Dry run")
		if ackErr != nil {
			j.Logger.WithError(ackErr).Error("runjob: ack dry run success failed")
			return
		}
		if !ok {
			_ = eventLog.Emit("run.lost_claim", "warning", "Lost run claim before ack", nil, jctx)
			return
		}
		emitRunComplete(eventLog, "succeeded", "Dry run complete", jctx, runStartedAt, finishedAt, intPtr(0), "", "")
		return
	}

	var runTimeout time.Duration
	if j.Engine.RunTimeoutSeconds > 0 {
		runTimeout = time.Duration(j.Engine.RunTimeoutSeconds) * time.Second
	}

	if options.ValidateOnly {
		cmd := EngineConfigValidateCmd(pythonBin, configDir, options.LogLevel)
		res, runErr := j.Runner.Run(ctx, cmd, subprocess.Options{
			EventLog: eventLog, Scope: "run.validate", Timeout: runTimeout, Env: pipEnv,
			Heartbeat: heartbeat, HeartbeatInterval: heartbeatInterval, Context: jctx,
			Metrics: j.Metrics,
		})
		finishedAt := time.Now().UTC()
		if runErr != nil {
			j.handleFailure(ctx, claim, documentID, eventLog, jctx, finishedAt, runStartedAt, 1, runErr.Error())
			return
		}
		if res.ExitCode == 0 {
			ok, ackErr := j.ackRunSuccess(ctx, runID, finishedAt, 0, "", "")
			if ackErr != nil {
				j.Logger.WithError(ackErr).Error("runjob: ack validate success failed")
				return
			}
			if !ok {
				_ = eventLog.Emit("run.lost_claim", "warning", "Lost run claim before ack", nil, jctx)
				return
			}
			emitRunComplete(eventLog, "succeeded", "Validation succeeded", jctx, runStartedAt, finishedAt, intPtr(0), "", "")
		} else {
			j.handleFailure(ctx, claim, documentID, eventLog, jctx, finishedAt, runStartedAt, res.ExitCode,
				fmt.Sprintf("Validation failed (exit %d)", res.ExitCode))
		}
		return
	}

	doc, err := j.Repo.LoadDocument(ctx, documentID)
	if err != nil {
		j.Logger.WithError(err).Error("runjob: load document failed")
		return
	}
	if doc == nil {
		j.handleFailure(ctx, claim, documentID, eventLog, jctx, now, runStartedAt, 2,
			fmt.Sprintf("Document not found: %s", documentID))
		return
	}

	sourcePath, err := j.Paths.DocumentStoragePath(workspaceID, doc.StoredURI)
	if err != nil {
		j.handleFailure(ctx, claim, documentID, eventLog, jctx, now, runStartedAt, 2, err.Error())
		return
	}
	if _, statErr := os.Stat(sourcePath); statErr != nil {
		j.handleFailure(ctx, claim, documentID, eventLog, jctx, now, runStartedAt, 2,
			fmt.Sprintf("Document file missing: %s", sourcePath))
		return
	}

	inputDir, err := j.Paths.RunInputDir(workspaceID, runID)
	if err != nil {
		j.Logger.WithError(err).Error("runjob: compute input dir failed")
		return
	}
	outputDir, err := j.Paths.RunOutputDir(workspaceID, runID)
	if err != nil {
		j.Logger.WithError(err).Error("runjob: compute output dir failed")
		return
	}
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		j.Logger.WithError(err).Error("runjob: create input dir failed")
		return
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		j.Logger.WithError(err).Error("runjob: create output dir failed")
		return
	}

	originalName := filepath.Base(doc.OriginalFilename)
	if originalName == "" || originalName == "." || originalName == string(filepath.Separator) {
		originalName = "input"
	}
	stagedInput := filepath.Join(inputDir, originalName)
	if err := copyFile(sourcePath, stagedInput); err != nil {
		j.handleFailure(ctx, claim, documentID, eventLog, jctx, now, runStartedAt, 2, err.Error())
		return
	}

	if err := j.Repo.MarkDocumentStatus(ctx, documentID, models.DocumentStatusProcessing, time.Now().UTC()); err != nil {
		j.Logger.WithError(err).Warn("runjob: failed to mark document processing")
	}

	var enginePayload map[string]any
	var enginePayloadRaw []byte
	onEvent := func(rec map[string]any) {
		if rec["event"] == "engine.run.completed" {
			if data, ok := rec["data"].(map[string]any); ok {
				enginePayload = data
				if raw, err := json.Marshal(data); err == nil {
					enginePayloadRaw = raw
				}
			}
		}
	}

	cmd := EngineProcessFileCmd(pythonBin, stagedInput, outputDir, configDir, options, sheetNames)
	res, runErr := j.Runner.Run(ctx, cmd, subprocess.Options{
		EventLog: eventLog, Scope: "run.engine", Timeout: runTimeout, Env: pipEnv,
		Heartbeat: heartbeat, HeartbeatInterval: heartbeatInterval, Context: jctx,
		OnJSONEvent: onEvent,
		Metrics:     j.Metrics,
	})
	finishedAt := time.Now().UTC()

	if runErr != nil {
		j.handleFailure(ctx, claim, documentID, eventLog, jctx, finishedAt, runStartedAt, 1, runErr.Error())
		return
	}

	if res.TimedOut {
		j.handleFailure(ctx, claim, documentID, eventLog, jctx, finishedAt, runStartedAt, res.ExitCode, "Run timed out")
		return
	}

	if res.ExitCode == 0 {
		outputPath, _ := extractOutputPath(enginePayloadRaw)
		metrics := ParseRunMetrics(enginePayload)
		fields := ParseRunFields(enginePayload)
		columns := ParseRunTableColumns(enginePayload)

		if metrics != nil {
			if mismatch, want, got := unmappedColumnCountMismatch(enginePayload, metrics.ColumnCountUnmapped); mismatch {
				j.Logger.WithField("want", want).WithField("got", got).
					Warn("runjob: unmapped column count disagrees with jsonpath cross-check")
			}
		}

		ok, ackErr := j.ackRunSuccessWithResults(ctx, runID, documentID, finishedAt, outputPath, metrics, fields, columns, enginePayload == nil)
		if ackErr != nil {
			j.Logger.WithError(ackErr).Error("runjob: ack run success failed")
			return
		}
		if !ok {
			_ = eventLog.Emit("run.lost_claim", "warning", "Lost run claim before ack", nil, jctx)
			return
		}
		emitRunComplete(eventLog, "succeeded", "Run succeeded", jctx, runStartedAt, finishedAt, intPtr(0), "", outputPath)
		return
	}

	j.handleFailure(ctx, claim, documentID, eventLog, jctx, finishedAt, runStartedAt, res.ExitCode,
		fmt.Sprintf("Engine failed (exit %d)", res.ExitCode))
}

func (j *Job) pipEnv() []string {
	env := os.Environ()
	pipCacheDir, _ := j.Paths.PipCacheDir()
	env = append(env,
		"PIP_DISABLE_PIP_VERSION_CHECK=1",
		"PIP_NO_INPUT=1",
		"PIP_PROGRESS_BAR=off",
		"PIP_CACHE_DIR="+pipCacheDir,
		"PYTHONUNBUFFERED=1",
	)
	return env
}

func (j *Job) releaseForEnvironment(ctx context.Context, claim queue.RunClaim, now time.Time, errorMessage string) {
	retryAt := now.Add(5 * time.Second)
	ok, err := j.Queue.ReleaseForEnvironment(ctx, claim.ID, j.WorkerID, errorMessage, retryAt)
	if err != nil {
		j.Logger.WithError(err).Error("runjob: release for environment failed")
		return
	}
	if ok {
		j.Logger.WithField("run_id", claim.ID).Info("runjob: run requeued, environment not ready")
	}
}

func (j *Job) ackRunSuccess(ctx context.Context, runID string, now time.Time, exitCode int, outputPath, errorMessage string) (bool, error) {
	db := j.Repo.DB()
	ok, err := j.Queue.AckSuccess(ctx, db, runID, j.WorkerID, now)
	if err != nil || !ok {
		return ok, err
	}
	var outputPtr, errPtr *string
	if outputPath != "" {
		outputPtr = &outputPath
	}
	if errorMessage != "" {
		errPtr = &errorMessage
	}
	ec := exitCode
	if err := j.Repo.RecordRunResult(ctx, db, runID, &now, &ec, outputPtr, errPtr); err != nil {
		return false, err
	}
	return true, nil
}

func (j *Job) ackRunSuccessWithResults(ctx context.Context, runID, documentID string, now time.Time, outputPath string, metrics *models.RunMetrics, fields []models.RunField, columns []models.RunTableColumn, missingPayload bool) (bool, error) {
	db := j.Repo.DB()
	ok, err := j.Queue.AckSuccess(ctx, db, runID, j.WorkerID, now)
	if err != nil || !ok {
		return ok, err
	}

	var outputPtr *string
	if outputPath != "" {
		outputPtr = &outputPath
	}
	ec := 0
	if err := j.Repo.RecordRunResult(ctx, db, runID, &now, &ec, outputPtr, nil); err != nil {
		return false, err
	}
	if err := j.Repo.MarkDocumentStatus(ctx, documentID, models.DocumentStatusProcessed, now); err != nil {
		return false, err
	}

	if missingPayload {
		j.Logger.WithField("run_id", runID).Warn("runjob: run completed with no results payload")
		return true, nil
	}

	if err := j.Repo.ReplaceRunMetrics(ctx, db, runID, metrics); err != nil {
		j.Logger.WithError(err).WithField("run_id", runID).Error("runjob: persisting run metrics failed")
		return true, nil
	}
	if err := j.Repo.ReplaceRunFields(ctx, db, runID, fields); err != nil {
		j.Logger.WithError(err).WithField("run_id", runID).Error("runjob: persisting run fields failed")
		return true, nil
	}
	if err := j.Repo.ReplaceRunTableColumns(ctx, db, runID, columns); err != nil {
		j.Logger.WithError(err).WithField("run_id", runID).Error("runjob: persisting run table columns failed")
		return true, nil
	}
	return true, nil
}

func (j *Job) handleFailure(ctx context.Context, claim queue.RunClaim, documentID string, eventLog *subprocess.EventLog, jctx map[string]any, now, startedAt time.Time, exitCode int, errorMessage string) {
	var retryAt *time.Time
	if claim.AttemptCount < claim.MaxAttempts {
		delay := queue.Backoff(claim.AttemptCount, j.Worker.BackoffBaseSeconds, j.Worker.BackoffMaxSeconds)
		t := now.Add(time.Duration(delay) * time.Second)
		retryAt = &t
	}

	db := j.Repo.DB()
	ok, err := j.Queue.AckFailure(ctx, db, claim.ID, j.WorkerID, errorMessage, now, retryAt)
	if err != nil {
		j.Logger.WithError(err).Error("runjob: ack failure failed")
		return
	}
	if !ok {
		_ = eventLog.Emit("run.lost_claim", "warning", "Lost run claim before ack", nil, jctx)
		return
	}

	if retryAt == nil {
		ec := exitCode
		errMsg := errorMessage
		if err := j.Repo.RecordRunResult(ctx, db, claim.ID, &now, &ec, nil, &errMsg); err != nil {
			j.Logger.WithError(err).Error("runjob: record terminal run result failed")
		}
		if err := j.Repo.MarkDocumentStatus(ctx, documentID, models.DocumentStatusFailed, now); err != nil {
			j.Logger.WithError(err).Warn("runjob: failed to mark document failed")
		}
	} else {
		errMsg := errorMessage
		if err := j.Repo.RecordRunResult(ctx, db, claim.ID, nil, nil, nil, &errMsg); err != nil {
			j.Logger.WithError(err).Error("runjob: record retry run result failed")
		}
	}

	if retryAt != nil {
		_ = eventLog.Emit("run.retry", "error", fmt.Sprintf("Retry scheduled at %s", retryAt.Format(time.RFC3339)), map[string]any{
			"error_message": errorMessage,
			"retry_at":      retryAt.Format(time.RFC3339),
			"exit_code":     exitCode,
		}, jctx)
		return
	}

	emitRunComplete(eventLog, "failed", errorMessage, jctx, startedAt, now, intPtr(exitCode), errorMessage, "")
}

func emitRunComplete(eventLog *subprocess.EventLog, status, message string, jctx map[string]any, startedAt, completedAt time.Time, exitCode *int, errorMessage, outputPath string) {
	durationMs := completedAt.Sub(startedAt).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	data := map[string]any{
		"status": status,
		"execution": map[string]any{
			"started_at":   startedAt.Format(time.RFC3339),
			"completed_at": completedAt.Format(time.RFC3339),
			"duration_ms":  durationMs,
		},
	}
	if exitCode != nil {
		data["exit_code"] = *exitCode
	}
	if errorMessage != "" {
		data["error_message"] = errorMessage
	}
	if outputPath != "" {
		data["output_path"] = outputPath
	}
	level := "info"
	if status == "failed" {
		level = "error"
	}
	_ = eventLog.Emit("run.complete", level, message, data, jctx)
}

func intPtr(v int) *int { return &v }
