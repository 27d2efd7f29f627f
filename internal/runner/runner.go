// Package runner executes pipeline stages against their registered adapters.
//
// One Run call owns one stage of one session end to end: it marks the stage
// running, keeps the manifest heartbeat fresh while work is in flight,
// retries transient failures with exponential backoff, and persists the
// terminal outcome before publishing it. Attempt counts are written before
// each try so a crash mid-attempt is still charged against the stage's
// budget. The runner decides nothing about ordering or skips; the pipeline
// hands it a session whose current stage is due, and it reports how that
// single stage ended.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"conductor/internal/adapter"
	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/manifest"
	"conductor/internal/services"
)

// errAbandoned aborts an in-flight mutation when the session was abandoned
// underneath the runner. It never leaves this package.
var errAbandoned = errors.New("session abandoned during stage run")

var runnableStages = map[manifest.Stage]struct{}{
	manifest.StageSyncingAudio: {},
	manifest.StageColorPass:    {},
	manifest.StageUploading:    {},
	manifest.StageNotifying:    {},
}

// Runner dispatches one stage at a time to the adapter registered for it.
type Runner struct {
	store    *manifest.Store
	bus      *bus.Bus
	registry *adapter.Registry
	logger   *slog.Logger

	staging         string
	sessionLogDir   string
	maxAttempts     int
	retryInitial    time.Duration
	retryMultiplier float64
	retryMax        time.Duration
	heartbeatEvery  time.Duration
	attemptTimeout  map[manifest.Stage]time.Duration
	stageLevels     map[manifest.Stage]slog.Level
}

// New builds a runner from configuration.
func New(cfg *config.Config, store *manifest.Store, eventBus *bus.Bus, registry *adapter.Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	maxAttempts := cfg.Workflow.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	stageLevels := make(map[manifest.Stage]slog.Level, len(cfg.Logging.StageOverrides))
	for name, level := range cfg.Logging.StageOverrides {
		stage, ok := manifest.ParseStage(name)
		if !ok || strings.TrimSpace(level) == "" {
			continue
		}
		stageLevels[stage] = parseStageLevel(level)
	}
	return &Runner{
		store:           store,
		bus:             eventBus,
		registry:        registry,
		logger:          logging.NewComponentLogger(logger, "runner"),
		staging:         cfg.Paths.StagingDir,
		sessionLogDir:   cfg.SessionLogDir(),
		maxAttempts:     maxAttempts,
		retryInitial:    time.Duration(cfg.Workflow.RetryInitialSeconds) * time.Second,
		retryMultiplier: cfg.Workflow.RetryMultiplier,
		retryMax:        time.Duration(cfg.Workflow.RetryMaxSeconds) * time.Second,
		heartbeatEvery:  time.Duration(cfg.Workflow.HeartbeatInterval) * time.Second,
		attemptTimeout: map[manifest.Stage]time.Duration{
			manifest.StageSyncingAudio: time.Duration(cfg.Sync.TimeoutSeconds) * time.Second,
			manifest.StageColorPass:    time.Duration(cfg.Color.TimeoutSeconds) * time.Second,
			manifest.StageUploading:    time.Duration(cfg.Upload.TimeoutSeconds) * time.Second,
			manifest.StageNotifying:    time.Duration(cfg.Notify.TimeoutSeconds) * time.Second,
		},
		stageLevels: stageLevels,
	}
}

func parseStageLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Run executes the session's current stage to a terminal stage status. It
// returns nil when the stage succeeded, was already resolved, or the session
// was abandoned mid-run; it returns the classified failure after the retry
// budget is spent. A parent-context cancellation leaves the stage marked
// running so the stale-heartbeat sweep reschedules it after restart.
func (r *Runner) Run(ctx context.Context, sessionID string) error {
	session, err := r.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	stage := session.Stage
	if _, ok := runnableStages[stage]; !ok {
		return services.Wrap(services.ErrValidation, string(stage), "dispatch", "stage has no adapter-backed work", nil)
	}
	if session.OverallStatus() == manifest.SessionAbandoned {
		return nil
	}

	ctx = services.WithSessionID(ctx, sessionID)
	ctx = services.WithStage(ctx, string(stage))
	log := logging.WithContext(ctx, r.logger)
	if level, ok := r.stageLevels[stage]; ok {
		// The override gates the daemon log only; the session journal
		// tees in below it and keeps full detail.
		log = logging.WithLevelOverride(log, level)
	}

	switch session.StatusFor(stage) {
	case manifest.StatusSucceeded, manifest.StatusSkipped:
		// Resolved on an earlier run; only the cursor may still need to move.
		_, err := r.store.Mutate(ctx, sessionID, func(s *manifest.Session) error {
			if s.Stage == stage {
				s.Advance()
			}
			return nil
		})
		return err
	case manifest.StatusFailed:
		return services.Wrap(services.ErrConflict, string(stage), "dispatch", "stage is failed; a retry must reset it first", nil)
	}

	// Every record for this run also lands in the session's own journal so
	// an operator can read one file per session instead of grepping the
	// daemon log.
	log, journal, journalErr := logging.NewSessionLogFile(log, r.sessionLogDir, sessionID)
	if journalErr != nil {
		log.Warn("session journal unavailable", logging.Error(journalErr))
	}
	if journal != nil {
		defer journal.Close()
	}

	adp, ok := r.registry.Resolve(string(stage))
	if !ok {
		err := services.Wrap(services.ErrConfiguration, string(stage), "dispatch", "no adapter registered for stage", nil)
		return r.recordFailure(ctx, log, sessionID, stage, 0, err)
	}

	if _, err := r.store.Mutate(ctx, sessionID, func(s *manifest.Session) error {
		if s.OverallStatus() == manifest.SessionAbandoned {
			return errAbandoned
		}
		s.SetStatus(stage, manifest.StatusRunning)
		s.SetProgress(string(stage), "starting", 0)
		s.ErrorMessage = ""
		// The stale-run sweep only reclaims sessions that have heartbeat at
		// least once, so the first beat lands with the running transition.
		now := time.Now().UTC()
		s.LastHeartbeat = &now
		return nil
	}); err != nil {
		if errors.Is(err, errAbandoned) {
			return nil
		}
		return err
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		r.heartbeatLoop(hbCtx, sessionID)
	}()
	defer func() {
		hbCancel()
		hbWG.Wait()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryInitial
	bo.Multiplier = r.retryMultiplier
	bo.MaxInterval = r.retryMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	sampler := logging.NewProgressSampler(0)

	for {
		attempt, session, err := r.beginAttempt(ctx, sessionID, stage)
		if err != nil {
			if errors.Is(err, errAbandoned) {
				return nil
			}
			return err
		}

		req, err := r.buildRequest(session)
		if err != nil {
			return r.recordFailure(ctx, log, sessionID, stage, attempt, err)
		}
		req.Progress = func(percent float64, message string) {
			if sampler.ShouldLog(percent, string(stage), message) {
				log.Info("stage progress",
					logging.Float64("percent", percent),
					logging.String("detail", message))
			}
			r.publishProgress(ctx, sessionID, stage, percent, message)
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if d := r.attemptTimeout[stage]; d > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d)
		}
		result, execErr := adp.Execute(attemptCtx, req)
		cancel()

		if execErr == nil {
			return r.recordSuccess(ctx, log, sessionID, stage, attempt, result)
		}
		if ctx.Err() != nil {
			// Shutdown or an operator action canceled the run. The stage
			// stays marked running; recovery reschedules it.
			return ctx.Err()
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) &&
			!services.IsRetryable(execErr) && !errors.Is(execErr, services.ErrPermanent) {
			execErr = services.Wrap(services.ErrTransient, string(stage), "run",
				fmt.Sprintf("attempt timed out after %s", r.attemptTimeout[stage]), execErr)
		}

		if !services.IsRetryable(execErr) || attempt >= r.maxAttempts {
			return r.recordFailure(ctx, log, sessionID, stage, attempt, execErr)
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return r.recordFailure(ctx, log, sessionID, stage, attempt, execErr)
		}

		log.Warn("stage attempt failed",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", r.maxAttempts),
			logging.Duration("retry_in", wait),
			logging.Error(execErr))
		r.publishProgress(ctx, sessionID, stage, 0,
			fmt.Sprintf("attempt %d failed, retrying in %s", attempt, wait.Round(time.Second)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// beginAttempt charges one attempt against the stage budget before any work
// happens and returns the persisted session the request is built from.
func (r *Runner) beginAttempt(ctx context.Context, sessionID string, stage manifest.Stage) (int, *manifest.Session, error) {
	attempt := 0
	session, err := r.store.Mutate(ctx, sessionID, func(s *manifest.Session) error {
		if s.OverallStatus() == manifest.SessionAbandoned {
			return errAbandoned
		}
		attempt = s.IncrementAttempts(stage)
		s.SetProgress(string(stage), fmt.Sprintf("attempt %d of %d", attempt, r.maxAttempts), 0)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return attempt, session, nil
}

func (r *Runner) recordSuccess(ctx context.Context, log *slog.Logger, sessionID string, stage manifest.Stage, attempt int, result adapter.Result) error {
	updated, err := r.store.Mutate(ctx, sessionID, func(s *manifest.Session) error {
		if s.OverallStatus() == manifest.SessionAbandoned {
			return errAbandoned
		}
		if result.ArtifactPath != "" {
			s.AppendArtifact(stage, result.ArtifactPath)
		}
		s.SetStatus(stage, manifest.StatusSucceeded)
		s.SetProgress(string(stage), "done", 100)
		s.ErrorMessage = ""
		s.LastHeartbeat = nil
		if s.Stage == stage {
			s.Advance()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errAbandoned) {
			return nil
		}
		return err
	}

	log.Info("stage succeeded",
		logging.Int("attempts", attempt),
		logging.String("artifact", result.ArtifactPath),
		logging.String("next_stage", string(updated.Stage)))
	r.bus.Publish(bus.NewEvent(bus.TypeStageSucceeded, sessionID, bus.StageOutcome{
		Stage:    string(stage),
		Artifact: result.ArtifactPath,
		Attempts: attempt,
	}))
	return nil
}

// recordFailure freezes the stage as failed and reports the classified error
// back to the caller. The session stays visible for an operator retry.
func (r *Runner) recordFailure(ctx context.Context, log *slog.Logger, sessionID string, stage manifest.Stage, attempt int, cause error) error {
	_, err := r.store.Mutate(ctx, sessionID, func(s *manifest.Session) error {
		if s.OverallStatus() == manifest.SessionAbandoned {
			return errAbandoned
		}
		s.SetFailed(stage, cause.Error())
		s.LastHeartbeat = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, errAbandoned) {
			return nil
		}
		return err
	}

	logging.ErrorWithContext(log, "stage failed", "stage_failed",
		logging.Int("attempts", attempt),
		logging.Error(cause))
	r.bus.Publish(bus.NewEvent(bus.TypeStageFailed, sessionID, bus.StageOutcome{
		Stage:    string(stage),
		Error:    cause.Error(),
		Attempts: attempt,
	}))
	return cause
}

func (r *Runner) heartbeatLoop(ctx context.Context, sessionID string) {
	if r.heartbeatEvery <= 0 {
		return
	}
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.UpdateHeartbeat(ctx, sessionID); err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat write failed",
					logging.String(logging.FieldSessionID, sessionID),
					logging.Error(err))
			}
		}
	}
}

// publishProgress persists an advisory progress sample and fans it out. Both
// paths are best effort; progress never gates stage outcomes.
func (r *Runner) publishProgress(ctx context.Context, sessionID string, stage manifest.Stage, percent float64, message string) {
	sample := &manifest.Session{
		SessionID:       sessionID,
		ProgressStage:   string(stage),
		ProgressPercent: percent,
		ProgressMessage: message,
	}
	if err := r.store.UpdateProgress(ctx, sample); err != nil && ctx.Err() == nil {
		r.logger.Debug("progress write failed",
			logging.String(logging.FieldSessionID, sessionID),
			logging.Error(err))
	}
	r.bus.Publish(bus.NewEvent(bus.TypeStageProgress, sessionID, bus.StageProgress{
		Stage:   string(stage),
		Percent: percent,
		Message: message,
	}))
}
