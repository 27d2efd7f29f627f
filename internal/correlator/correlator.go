// Package correlator turns uncorrelated tool signals into session state.
//
// The capture tool and the replay tool share no session concept and no
// synchronized clock: the capture tool reports start/stop instants, the
// replay tool drops clip files into an export directory with embedded
// timestamps in their names. The correlator owns the mapping from those raw
// signals to session manifests. It opens a session per capture interval,
// closes the interval on stop, assigns each settled render clip to the most
// recent session whose interval plausibly contains the clip's embedded
// range, and parks anything it cannot place as an unmatched session for
// operator review instead of dropping it.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"conductor/internal/bus"
	"conductor/internal/clipname"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/manifest"
	"conductor/internal/media"
	"conductor/internal/services"
)

// Correlator consumes raw capture and watcher signals, maintains session
// manifests, and re-emits correlated events. At most one capture session is
// open at a time; a capture-start while one is open abandons the earlier
// session before the new one opens.
type Correlator struct {
	store  *manifest.Store
	bus    *bus.Bus
	logger *slog.Logger

	tolerance  time.Duration
	maxSession time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	probe      func(ctx context.Context, path string) (media.Info, error)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a correlator from configuration.
func New(cfg *config.Config, store *manifest.Store, eventBus *bus.Bus, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = logging.NewNop()
	}
	tolerance := time.Duration(cfg.Correlator.MatchToleranceSeconds) * time.Second
	if tolerance <= 0 {
		tolerance = 90 * time.Second
	}
	return &Correlator{
		store:      store,
		bus:        eventBus,
		logger:     logging.NewComponentLogger(logger, "correlator"),
		tolerance:  tolerance,
		maxSession: time.Duration(cfg.Capture.MaxSessionHours) * time.Hour,
		sweepEvery: time.Minute,
		now:        time.Now,
		probe: func(ctx context.Context, path string) (media.Info, error) {
			return media.Inspect(ctx, cfg.FFprobeBinary(), path)
		},
	}
}

// Start subscribes to raw signals and begins processing them.
func (c *Correlator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("correlator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := c.bus.Subscribe("correlator",
		bus.TypeRawCaptureStarted,
		bus.TypeRawCaptureStopped,
		bus.TypeRenderFileStable,
	)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go c.loop(runCtx, sub)
	return nil
}

// Stop halts signal processing and waits for the loop to exit.
func (c *Correlator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Correlator) loop(ctx context.Context, sub *bus.Subscription) {
	defer c.wg.Done()
	defer sub.Close()

	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepRunaway(ctx)
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			c.dispatch(ctx, evt)
		}
	}
}

// dispatch routes one raw signal. Handler errors are logged, never fatal: a
// bad signal must not take the loop down with it.
func (c *Correlator) dispatch(ctx context.Context, evt bus.Event) {
	var err error
	switch evt.Type {
	case bus.TypeRawCaptureStarted:
		err = c.handleCaptureStarted(ctx, evt)
	case bus.TypeRawCaptureStopped:
		err = c.handleCaptureStopped(ctx, evt)
	case bus.TypeRenderFileStable:
		err = c.handleRenderStable(ctx, evt)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("signal handling failed",
			logging.String("signal_type", evt.Type),
			logging.Error(err))
	}
}

func (c *Correlator) handleCaptureStarted(ctx context.Context, evt bus.Event) error {
	signal, _ := evt.Payload.(bus.CaptureSignal)
	if signal.At.IsZero() {
		signal.At = evt.Timestamp
	}
	signal.At = signal.At.UTC()

	open, err := c.store.FindOpenCapture(ctx)
	if err != nil {
		return err
	}
	if open != nil {
		// Double capture-start: the stop signal was lost or the capture
		// tool restarted. The older session can never close cleanly, so
		// abandon it and let the new one proceed.
		c.logger.Warn("capture started while a session is still open",
			logging.String(logging.FieldEventType, "capture_protocol_violation"),
			logging.String("abandoned_session", open.SessionID))
		if err := c.Abandon(ctx, open.SessionID, "superseded by a new capture start"); err != nil {
			return err
		}
	}

	id := clipname.NewSessionID(signal.At)
	session := manifest.NewSession(id, signal.At)
	session.Label = signal.Label
	session.CaptureFile = signal.File
	if err := c.store.Create(ctx, session); err != nil {
		return err
	}

	c.logger.Info("capture session opened",
		logging.String(logging.FieldSessionID, id),
		logging.String("label", signal.Label))
	c.bus.Publish(bus.NewEvent(bus.TypeCaptureStarted, id, signal))
	return nil
}

func (c *Correlator) handleCaptureStopped(ctx context.Context, evt bus.Event) error {
	signal, _ := evt.Payload.(bus.CaptureSignal)
	if signal.At.IsZero() {
		signal.At = evt.Timestamp
	}
	signal.At = signal.At.UTC()

	open, err := c.store.FindOpenCapture(ctx)
	if err != nil {
		return err
	}
	if open == nil {
		c.logger.Warn("capture stop with no open session",
			logging.String(logging.FieldEventType, "stray_capture_stop"))
		return nil
	}

	session, err := c.store.Mutate(ctx, open.SessionID, func(s *manifest.Session) error {
		end := signal.At
		s.EndedAt = &end
		if signal.File != "" {
			s.CaptureFile = signal.File
		}
		s.SetStatus(manifest.StageCapturing, manifest.StatusSucceeded)
		if s.Stage == manifest.StageCapturing {
			s.Advance()
		}
		advanceIfRenderReady(s)
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("capture session closed",
		logging.String(logging.FieldSessionID, session.SessionID),
		logging.Duration("captured", signal.At.Sub(session.StartedAt)))
	c.bus.Publish(bus.NewEvent(bus.TypeCaptureStopped, session.SessionID, signal))
	return nil
}

// Abandon marks the session abandoned and announces it. Completed sessions
// are left alone.
func (c *Correlator) Abandon(ctx context.Context, sessionID, reason string) error {
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

	c.logger.Warn("session abandoned",
		logging.String(logging.FieldSessionID, sessionID),
		logging.String("reason", reason))
	c.bus.Publish(bus.NewEvent(bus.TypeSessionAbandoned, sessionID, bus.SessionNote{Reason: reason}))
	return nil
}

// sweepRunaway abandons capture sessions that have run past the configured
// ceiling without a stop signal. Capture sessions carry no heartbeat, so
// this is the only guard against a crashed capture tool.
func (c *Correlator) sweepRunaway(ctx context.Context) {
	if c.maxSession <= 0 {
		return
	}
	cutoff := c.now().UTC().Add(-c.maxSession)

	sessions, err := c.store.List(ctx, manifest.SessionRunning, manifest.SessionPending)
	if err != nil {
		c.logger.Warn("runaway capture sweep failed", logging.Error(err))
		return
	}
	for _, s := range sessions {
		if s.Stage != manifest.StageCapturing || s.StartedAt.After(cutoff) {
			continue
		}
		reason := fmt.Sprintf("capture exceeded %s without a stop signal", c.maxSession)
		if err := c.Abandon(ctx, s.SessionID, reason); err != nil {
			c.logger.Warn("runaway capture abandon failed",
				logging.String(logging.FieldSessionID, s.SessionID),
				logging.Error(err))
		}
	}
}
