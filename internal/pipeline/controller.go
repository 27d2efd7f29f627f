// Package pipeline drives correlated sessions through their adapter-backed
// stages.
//
// The controller reacts to lifecycle events and sweeps the store on an
// interval, so sessions advance promptly when signals arrive and still
// recover after a crash, a restart, or a missed event. Invocations for one
// session are strictly serialized; a bounded worker pool caps how many
// sessions run at once. A mandatory-stage failure freezes the session for
// operator review, an optional-stage failure is recorded and stepped over,
// and terminal sessions are exported as manifest documents for archival
// pickup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/fileutil"
	"conductor/internal/logging"
	"conductor/internal/manifest"
	"conductor/internal/runner"
	"conductor/internal/services"
)

// StageRunner executes one session's current stage to a terminal status.
type StageRunner interface {
	Run(ctx context.Context, sessionID string) error
}

var _ StageRunner = (*runner.Runner)(nil)

// Controller owns stage scheduling for every active session.
type Controller struct {
	store      *manifest.Store
	bus        *bus.Bus
	runner     StageRunner
	plan       *Plan
	logger     *slog.Logger
	workers    *semaphore.Weighted
	exportDir  string
	outputDir  string
	stagingDir string

	sweepEvery time.Duration
	staleAfter time.Duration

	mu       sync.Mutex
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight map[string]context.CancelFunc
}

// New builds a controller from configuration.
func New(cfg *config.Config, store *manifest.Store, eventBus *bus.Bus, stageRunner StageRunner, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = logging.NewNop()
	}
	workerCount := cfg.Workflow.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}
	sweepEvery := time.Duration(cfg.Workflow.PollInterval) * time.Second
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Second
	}
	staleAfter := time.Duration(cfg.Workflow.HeartbeatTimeout) * time.Second
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Controller{
		store:      store,
		bus:        eventBus,
		runner:     stageRunner,
		plan:       BuildPlan(cfg),
		logger:     logging.NewComponentLogger(logger, "pipeline"),
		workers:    semaphore.NewWeighted(int64(workerCount)),
		exportDir:  cfg.ManifestExportDir(),
		outputDir:  cfg.Paths.OutputDir,
		stagingDir: cfg.Paths.StagingDir,
		sweepEvery: sweepEvery,
		staleAfter: staleAfter,
		inFlight:   make(map[string]context.CancelFunc),
	}
}

// Start subscribes to lifecycle events and begins dispatching.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("pipeline controller already running")
	}
	if c.exportDir != "" {
		if err := os.MkdirAll(c.exportDir, 0o755); err != nil {
			return fmt.Errorf("create manifest export directory: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := c.bus.Subscribe("pipeline",
		bus.TypeCaptureStopped,
		bus.TypeReplayRenderDetected,
		bus.TypeStageSucceeded,
		bus.TypeSessionRetried,
		bus.TypeSessionAbandoned,
	)
	c.runCtx = runCtx
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go c.loop(runCtx, sub)
	return nil
}

// Stop cancels every in-flight stage and waits for workers to drain.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.runCtx = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context, sub *bus.Subscription) {
	defer c.wg.Done()
	defer sub.Close()

	c.reconcileExports(ctx)
	c.sweep(ctx)

	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			c.handleEvent(ctx, evt)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, evt bus.Event) {
	if evt.SessionID == "" {
		return
	}
	switch evt.Type {
	case bus.TypeSessionAbandoned:
		c.cancelInFlight(evt.SessionID)
		c.exportSession(ctx, evt.SessionID)
	default:
		c.maybeDispatch(evt.SessionID)
	}
}

// sweep reclaims sessions whose runner died mid-stage and queues every
// actionable session. It is the recovery path for missed events, restarts,
// and crashes; the event subscription only makes the common case prompt.
func (c *Controller) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.staleAfter)
	if count, err := c.store.ResetStaleRunning(ctx, cutoff); err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("stale session reclaim failed", logging.Error(err))
		}
	} else if count > 0 {
		c.logger.Warn("reclaimed sessions with stopped heartbeats",
			logging.Int64("count", count),
			logging.String(logging.FieldEventType, "stale_sessions_reclaimed"))
	}

	sessions, err := c.store.ListActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("active session sweep failed", logging.Error(err))
		}
		return
	}
	for _, session := range sessions {
		if !wantsDispatch(session) {
			continue
		}
		c.maybeDispatch(session.SessionID)
	}
}

// wantsDispatch filters the sweep down to sessions the controller can move:
// correlated, not parked, not frozen, past the capture stages.
func wantsDispatch(session *manifest.Session) bool {
	if session.Unmatched {
		return false
	}
	switch session.OverallStatus() {
	case manifest.SessionFailed, manifest.SessionAbandoned, manifest.SessionRunning:
		return false
	}
	switch session.Stage {
	case manifest.StageCapturing, manifest.StageAwaitingRender:
		return false
	}
	return true
}

// maybeDispatch hands the session to a worker unless one already has it.
func (c *Controller) maybeDispatch(sessionID string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	if !c.running || c.runCtx == nil || c.runCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if _, busy := c.inFlight[sessionID]; busy {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(c.runCtx)
	c.inFlight[sessionID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.inFlight, sessionID)
			c.mu.Unlock()
		}()
		if err := c.workers.Acquire(runCtx, 1); err != nil {
			return
		}
		defer c.workers.Release(1)
		c.process(runCtx, sessionID)
	}()
}

func (c *Controller) cancelInFlight(sessionID string) {
	c.mu.Lock()
	cancel := c.inFlight[sessionID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// process walks one session through consecutive stages until it has to wait
// on something: a terminal state, a frozen stage, or shutdown. Holding the
// worker slot across the walk keeps same-session invocations serialized
// without re-queuing between stages.
func (c *Controller) process(ctx context.Context, sessionID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		session, err := c.store.Load(ctx, sessionID)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("session load failed",
					logging.String(logging.FieldSessionID, sessionID),
					logging.Error(err))
			}
			return
		}
		if session.Unmatched || session.OverallStatus() == manifest.SessionAbandoned {
			return
		}

		stage := session.Stage
		switch stage {
		case manifest.StageCapturing, manifest.StageAwaitingRender:
			return
		case manifest.StageComplete:
			c.finalize(session)
			return
		}

		rule, ok := c.plan.RuleFor(stage)
		if !ok {
			c.logger.Error("no plan rule for stage",
				logging.String(logging.FieldSessionID, sessionID),
				logging.String(logging.FieldStage, string(stage)))
			return
		}
		if session.StatusFor(stage) == manifest.StatusFailed {
			// Frozen; an operator retry resets it.
			return
		}
		if session.StatusFor(stage) == manifest.StatusPending && rule.Skip != nil {
			if skip, reason := rule.Skip(session); skip {
				if err := c.skipStage(ctx, sessionID, stage, reason); err != nil {
					if ctx.Err() == nil {
						c.logger.Error("stage skip failed",
							logging.String(logging.FieldSessionID, sessionID),
							logging.Error(err))
					}
					return
				}
				continue
			}
		}

		// One correlation ID per dispatch; the attempts within it share it.
		err = c.runner.Run(services.WithRequestID(ctx, uuid.NewString()), sessionID)
		switch {
		case err == nil:
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case rule.Optional:
			if err := c.stepOverFailure(ctx, sessionID, stage); err != nil {
				if ctx.Err() == nil {
					c.logger.Error("optional stage step-over failed",
						logging.String(logging.FieldSessionID, sessionID),
						logging.Error(err))
				}
				return
			}
			continue
		default:
			// The runner already froze the stage and announced the failure.
			return
		}
	}
}

// skipStage marks a stage that does not apply to this session and moves on.
func (c *Controller) skipStage(ctx context.Context, sessionID string, stage manifest.Stage, reason string) error {
	_, err := c.store.Mutate(ctx, sessionID, func(s *manifest.Session) error {
		if s.Stage != stage || s.StatusFor(stage) != manifest.StatusPending {
			return nil
		}
		s.SetStatus(stage, manifest.StatusSkipped)
		s.SetProgress(string(stage), reason, 0)
		s.Advance()
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("stage skipped",
		logging.String(logging.FieldSessionID, sessionID),
		logging.String(logging.FieldStage, string(stage)),
		logging.String("reason", reason))
	return nil
}

// stepOverFailure converts an optional stage's failure into a recorded skip
// so the session keeps moving. The failure text is kept on the session for
// later review.
func (c *Controller) stepOverFailure(ctx context.Context, sessionID string, stage manifest.Stage) error {
	noted := ""
	_, err := c.store.Mutate(ctx, sessionID, func(s *manifest.Session) error {
		if s.StatusFor(stage) != manifest.StatusFailed {
			return nil
		}
		noted = s.ErrorMessage
		if s.ReviewReason == "" {
			s.ReviewReason = fmt.Sprintf("%s failed and was stepped over: %s", stage, noted)
		}
		s.SetStatus(stage, manifest.StatusSkipped)
		s.ErrorMessage = ""
		if s.Stage == stage {
			s.Advance()
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Warn("optional stage failed, continuing without it",
		logging.String(logging.FieldSessionID, sessionID),
		logging.String(logging.FieldStage, string(stage)),
		logging.String("error_message", noted))
	return nil
}

// finalize delivers the finished clip, exports a fully-succeeded session,
// and announces completion. Delivery runs before the export check because
// the export file doubles as the already-announced marker for sweeps and
// restarts; delivery carries its own marker (the staging copy).
func (c *Controller) finalize(session *manifest.Session) {
	if session.OverallStatus() != manifest.SessionSucceeded {
		return
	}
	localPath := c.deliverClip(session)
	if c.exportDir == "" {
		return
	}
	if _, err := os.Stat(manifest.ExportPath(c.exportDir, session.SessionID)); err == nil {
		return
	}
	path, err := manifest.Export(session, c.exportDir)
	if err != nil {
		c.logger.Error("manifest export failed",
			logging.String(logging.FieldSessionID, session.SessionID),
			logging.Error(err))
		return
	}

	clip, _ := session.ArtifactFor(manifest.StageUploading)
	c.logger.Info("session completed",
		logging.String(logging.FieldSessionID, session.SessionID),
		logging.String("export", path),
		logging.String("clip", clip),
		logging.String(logging.FieldEventType, "session_completed"))
	c.bus.Publish(bus.NewEvent(bus.TypeSessionCompleted, session.SessionID, bus.SessionCompleted{
		ExportPath: path,
		ClipURL:    clip,
		LocalPath:  localPath,
	}))
}

// deliverClip moves the last locally-produced artifact into the output
// directory under the render tool's clip name, then clears the session's
// staging directory. Once the staging copy is gone the delivery is done;
// finalize re-runs skip it. Returns the delivered path, or "" when there
// was nothing to deliver.
func (c *Controller) deliverClip(session *manifest.Session) string {
	if c.outputDir == "" || session.RenderFile == "" {
		return ""
	}
	src, ok := session.ArtifactFor(manifest.StageColorPass)
	if !ok {
		src, ok = session.ArtifactFor(manifest.StageSyncingAudio)
	}
	if !ok {
		return ""
	}
	if _, err := os.Stat(src); err != nil {
		// Already delivered, or the artifact never existed on this host.
		return ""
	}

	dst, err := fileutil.UniquePath(filepath.Join(c.outputDir, filepath.Base(session.RenderFile)))
	if err == nil {
		err = fileutil.MoveFile(src, dst)
	}
	if err != nil {
		c.logger.Warn("clip delivery failed",
			logging.String(logging.FieldSessionID, session.SessionID),
			logging.String("artifact", src),
			logging.Error(err))
		return ""
	}

	if c.stagingDir != "" {
		if err := os.RemoveAll(filepath.Join(c.stagingDir, session.SessionID)); err != nil {
			c.logger.Warn("staging cleanup failed",
				logging.String(logging.FieldSessionID, session.SessionID),
				logging.Error(err))
		}
	}
	c.logger.Info("clip delivered",
		logging.String(logging.FieldSessionID, session.SessionID),
		logging.String("path", dst),
		logging.String(logging.FieldEventType, "clip_delivered"))
	return dst
}

// exportSession snapshots an abandoned session's manifest for archival. The
// export reflects whatever state the session died in.
func (c *Controller) exportSession(ctx context.Context, sessionID string) {
	if c.exportDir == "" {
		return
	}
	session, err := c.store.Load(ctx, sessionID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("abandoned session export failed",
				logging.String(logging.FieldSessionID, sessionID),
				logging.Error(err))
		}
		return
	}
	if _, err := manifest.Export(session, c.exportDir); err != nil {
		c.logger.Warn("abandoned session export failed",
			logging.String(logging.FieldSessionID, sessionID),
			logging.Error(err))
	}
}

// reconcileExports repairs exports lost to a crash between a session
// reaching its terminal state and the export write landing.
func (c *Controller) reconcileExports(ctx context.Context) {
	if c.exportDir == "" {
		return
	}
	sessions, err := c.store.List(ctx, manifest.SessionSucceeded, manifest.SessionAbandoned)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("terminal session reconcile failed", logging.Error(err))
		}
		return
	}
	for _, session := range sessions {
		if !session.IsTerminal() {
			continue
		}
		if _, err := os.Stat(manifest.ExportPath(c.exportDir, session.SessionID)); err == nil {
			continue
		}
		if session.OverallStatus() == manifest.SessionSucceeded {
			c.finalize(session)
			continue
		}
		if _, err := manifest.Export(session, c.exportDir); err != nil {
			c.logger.Warn("terminal session export failed",
				logging.String(logging.FieldSessionID, session.SessionID),
				logging.Error(err))
		}
	}
}

// Retry releases a parked session or resets its failed stage, then lets the
// event loop queue it.
func (c *Controller) Retry(ctx context.Context, sessionID string) error {
	released := false
	reset := false
	_, err := c.store.Mutate(ctx, sessionID, func(s *manifest.Session) error {
		if s.OverallStatus() == manifest.SessionAbandoned {
			return services.Wrap(services.ErrConflict, "", "retry", "session was abandoned", nil)
		}
		if s.IsTerminal() {
			return services.Wrap(services.ErrConflict, "", "retry", "session already completed", nil)
		}
		released = s.ReleasePark()
		reset = s.ResetStageForRetry(s.Stage)
		if !released && !reset {
			return services.Wrap(services.ErrValidation, "", "retry", "nothing to retry: no failed stage and no parked clip", nil)
		}
		return nil
	})
	if err != nil {
		return err
	}

	reason := "failed stage reset"
	switch {
	case released && reset:
		reason = "park released and failed stage reset"
	case released:
		reason = "parked clip released for processing"
	}
	c.logger.Info("session retried",
		logging.String(logging.FieldSessionID, sessionID),
		logging.String("reason", reason))
	c.bus.Publish(bus.NewEvent(bus.TypeSessionRetried, sessionID, bus.SessionNote{Reason: reason}))
	return nil
}

// Abandon cancels any in-flight stage, marks the session abandoned, and
// announces it. Completed sessions are left alone.
func (c *Controller) Abandon(ctx context.Context, sessionID, reason string) error {
	already := false
	_, err := c.store.Mutate(ctx, sessionID, func(s *manifest.Session) error {
		if s.OverallStatus() == manifest.SessionAbandoned {
			already = true
			return nil
		}
		if s.IsTerminal() {
			return fmt.Errorf("session %s is already complete: %w", sessionID, services.ErrConflict)
		}
		s.SetAbandoned(reason)
		return nil
	})
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	c.cancelInFlight(sessionID)
	c.logger.Warn("session abandoned",
		logging.String(logging.FieldSessionID, sessionID),
		logging.String("reason", reason))
	c.bus.Publish(bus.NewEvent(bus.TypeSessionAbandoned, sessionID, bus.SessionNote{Reason: reason}))
	return nil
}
