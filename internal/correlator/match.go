package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conductor/internal/bus"
	"conductor/internal/clipname"
	"conductor/internal/logging"
	"conductor/internal/manifest"
)

// errRenderTaken aborts an attach when another clip claimed the session
// between candidate selection and the mutate.
var errRenderTaken = errors.New("session already carries a render file")

func (c *Correlator) handleRenderStable(ctx context.Context, evt bus.Event) error {
	signal, ok := evt.Payload.(bus.RenderFileSignal)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
	}

	// A daemon restart re-announces every settled file in the export
	// directory; files already assigned to a session are done.
	existing, err := c.store.FindByRenderFile(ctx, signal.Path)
	if err != nil {
		return err
	}
	if existing != nil {
		c.logger.Debug("render file already assigned",
			logging.String("path", signal.Path),
			logging.String(logging.FieldSessionID, existing.SessionID))
		return nil
	}

	clip, parseErr := clipname.Parse(signal.Path)
	if parseErr != nil {
		c.logger.Warn("unrecognized render file name, parking for review",
			logging.String("path", signal.Path),
			logging.Error(parseErr))
		return c.parkOrphan(ctx, signal, nil, fmt.Sprintf("unrecognized clip name: %v", parseErr))
	}

	target, err := c.findMatch(ctx, clip)
	if err != nil {
		return err
	}
	if target == "" {
		c.logger.Warn("no capture session matches render clip, parking for review",
			logging.String("path", signal.Path),
			logging.String("clip_start", clip.AbsoluteStart().Format(time.RFC3339)),
			logging.String("clip_end", clip.AbsoluteEnd().Format(time.RFC3339)))
		return c.parkOrphan(ctx, signal, &clip, "no capture session within match tolerance")
	}

	session, err := c.attach(ctx, target, signal.Path, clip)
	if errors.Is(err, errRenderTaken) {
		return c.parkOrphan(ctx, signal, &clip, "matched session already holds a render file")
	}
	if err != nil {
		return err
	}

	c.logger.Info("render clip matched to session",
		logging.String(logging.FieldSessionID, session.SessionID),
		logging.String("path", signal.Path),
		logging.Duration("clip_duration", clip.Duration()))
	c.verifyClipLength(ctx, session.SessionID, signal.Path, clip)
	c.bus.Publish(bus.NewEvent(bus.TypeReplayRenderDetected, session.SessionID, bus.RenderDetected{
		Path:           signal.Path,
		EmbeddedStart:  clip.EmbeddedStart,
		StartOffsetSec: clip.StartOffsetSec,
		EndOffsetSec:   clip.EndOffsetSec,
	}))
	return nil
}

// findMatch returns the session ID of the most recent active session whose
// capture interval plausibly contains the clip's embedded range, or "" when
// none does.
func (c *Correlator) findMatch(ctx context.Context, clip clipname.Clip) (string, error) {
	sessions, err := c.store.ListActive(ctx)
	if err != nil {
		return "", err
	}

	clipStart := clip.AbsoluteStart()
	clipEnd := clip.AbsoluteEnd()

	var best *manifest.Session
	for _, s := range sessions {
		if !eligibleForRender(s) {
			continue
		}
		if !windowContains(s, clipStart, clipEnd, c.tolerance) {
			continue
		}
		if best == nil || s.StartedAt.After(best.StartedAt) {
			best = s
		}
	}
	if best == nil {
		return "", nil
	}
	return best.SessionID, nil
}

func eligibleForRender(s *manifest.Session) bool {
	if s.Unmatched || s.RenderFile != "" {
		return false
	}
	return s.Stage == manifest.StageCapturing || s.Stage == manifest.StageAwaitingRender
}

// windowContains reports whether the session interval, widened by the
// tolerance, contains the clip range. A still-open session extends through
// the clip end.
func windowContains(s *manifest.Session, clipStart, clipEnd time.Time, tolerance time.Duration) bool {
	if s.StartedAt.IsZero() {
		return false
	}
	if clipStart.Before(s.StartedAt.Add(-tolerance)) {
		return false
	}
	if s.EndedAt == nil {
		return true
	}
	return !clipEnd.After(s.EndedAt.Add(tolerance))
}

// clipLengthSlack absorbs container rounding and the final partial GOP the
// render tool writes past the requested cut point.
const clipLengthSlack = 2 * time.Second

// verifyClipLength probes the accepted clip and compares the container
// duration against the window its name declares. The name stays
// authoritative; a divergence is only logged, so a truncated render still
// flows through the pipeline but leaves a trail for review. Probe failures
// degrade silently because a missing ffprobe is already reported by the
// dependency checks.
func (c *Correlator) verifyClipLength(ctx context.Context, sessionID, path string, clip clipname.Clip) {
	if c.probe == nil {
		return
	}
	info, err := c.probe(ctx, path)
	if err != nil {
		c.logger.Debug("clip probe unavailable",
			logging.String("path", path),
			logging.Error(err))
		return
	}
	if info.DurationSeconds <= 0 {
		return
	}
	declared := clip.Duration()
	probed := time.Duration(info.DurationSeconds * float64(time.Second))
	if diff := (probed - declared).Abs(); diff > clipLengthSlack {
		c.logger.Warn("render clip length differs from its name-declared window",
			logging.String(logging.FieldSessionID, sessionID),
			logging.String("path", path),
			logging.Duration("declared", declared),
			logging.Duration("probed", probed))
	}
}

func (c *Correlator) attach(ctx context.Context, sessionID, path string, clip clipname.Clip) (*manifest.Session, error) {
	return c.store.Mutate(ctx, sessionID, func(s *manifest.Session) error {
		if s.RenderFile != "" && s.RenderFile != path {
			return errRenderTaken
		}
		embedded := clip.EmbeddedStart
		s.RenderFile = path
		s.RenderEmbeddedStart = &embedded
		s.RenderStartOffsetSec = clip.StartOffsetSec
		s.RenderEndOffsetSec = clip.EndOffsetSec
		advanceIfRenderReady(s)
		return nil
	})
}

// advanceIfRenderReady moves a session past the render wait once both the
// capture interval is closed and a render file is recorded.
func advanceIfRenderReady(s *manifest.Session) {
	if s.Stage != manifest.StageAwaitingRender || s.RenderFile == "" {
		return
	}
	s.SetStatus(manifest.StageAwaitingRender, manifest.StatusSucceeded)
	s.Advance()
}

// parkOrphan records a render file that no session can claim. The parked
// session is never dispatched; an operator releases or abandons it.
func (c *Correlator) parkOrphan(ctx context.Context, signal bus.RenderFileSignal, clip *clipname.Clip, reason string) error {
	startedAt := signal.ModTime.UTC()
	if clip != nil {
		startedAt = clip.AbsoluteStart()
	}
	if startedAt.IsZero() {
		startedAt = c.now().UTC()
	}

	id := clipname.NewSessionID(startedAt)
	session := manifest.NewSession(id, startedAt)
	session.RenderFile = signal.Path
	session.Unmatched = true
	session.ReviewReason = reason
	session.SetStatus(manifest.StageCapturing, manifest.StatusSkipped)
	session.SetStatus(manifest.StageAwaitingRender, manifest.StatusSucceeded)
	session.Stage = manifest.StageSyncingAudio
	if clip != nil {
		embedded := clip.EmbeddedStart
		end := clip.AbsoluteEnd()
		session.EndedAt = &end
		session.RenderEmbeddedStart = &embedded
		session.RenderStartOffsetSec = clip.StartOffsetSec
		session.RenderEndOffsetSec = clip.EndOffsetSec
	}
	if err := c.store.Create(ctx, session); err != nil {
		return err
	}

	c.logger.Warn("parked unmatched render file",
		logging.String(logging.FieldSessionID, id),
		logging.String("path", signal.Path),
		logging.String("reason", reason))
	c.bus.Publish(bus.NewEvent(bus.TypeOrphanParked, id, bus.SessionNote{Reason: reason}))
	return nil
}
