package correlator

import (
	"context"
	"strings"
	"testing"
	"time"

	"conductor/internal/bus"
	"conductor/internal/clipname"
	"conductor/internal/logging"
	"conductor/internal/manifest"
	"conductor/internal/media"
	"conductor/internal/testsupport"
)

const drainMarker = "CORRELATOR_TEST_DRAIN"

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	c     *Correlator
	store *manifest.Store
	b     *bus.Bus
	sub   *bus.Subscription
	clk   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	b := bus.New(logging.NewNop())
	t.Cleanup(b.Close)
	sub := b.Subscribe("correlator-test")

	c := New(cfg, store, b, logging.NewNop())
	clk := &clock{now: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)}
	c.now = clk.Now
	c.probe = nil

	return &fixture{c: c, store: store, b: b, sub: sub, clk: clk}
}

// drain returns every event published so far, in order.
func (fx *fixture) drain(t *testing.T) []bus.Event {
	t.Helper()
	fx.b.Publish(bus.NewEvent(drainMarker, "", nil))

	var out []bus.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-fx.sub.Events():
			if !ok {
				t.Fatal("subscription closed while draining")
			}
			if evt.Type == drainMarker {
				return out
			}
			out = append(out, evt)
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}
}

func eventsOfType(events []bus.Event, eventType string) []bus.Event {
	var out []bus.Event
	for _, evt := range events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func rawCapture(eventType string, at time.Time, label, file string) bus.Event {
	return bus.NewEvent(eventType, "", bus.CaptureSignal{At: at, Label: label, File: file})
}

func renderSignal(path string, modTime time.Time) bus.Event {
	return bus.NewEvent(bus.TypeRenderFileStable, "", bus.RenderFileSignal{
		Path:    path,
		Size:    1 << 20,
		ModTime: modTime,
	})
}

func TestCaptureStartOpensSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	startAt := fx.clk.Now()

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, startAt, "raid night", "/captures/raw.mkv")); err != nil {
		t.Fatalf("handleCaptureStarted failed: %v", err)
	}

	open, err := fx.store.FindOpenCapture(ctx)
	if err != nil {
		t.Fatalf("FindOpenCapture failed: %v", err)
	}
	if open == nil {
		t.Fatal("expected an open capture session")
	}
	if !strings.HasPrefix(open.SessionID, "20240501_2000_") {
		t.Errorf("session id %q lacks capture-start prefix", open.SessionID)
	}
	if open.Label != "raid night" || open.CaptureFile != "/captures/raw.mkv" {
		t.Errorf("label/file = %q/%q", open.Label, open.CaptureFile)
	}
	if open.Stage != manifest.StageCapturing {
		t.Errorf("stage = %s, want capturing", open.Stage)
	}
	if got := open.StatusFor(manifest.StageCapturing); got != manifest.StatusRunning {
		t.Errorf("capturing status = %s, want running", got)
	}

	events := eventsOfType(fx.drain(t), bus.TypeCaptureStarted)
	if len(events) != 1 {
		t.Fatalf("expected one correlated capture-started event, got %d", len(events))
	}
	if events[0].SessionID != open.SessionID {
		t.Errorf("event session id = %q, want %q", events[0].SessionID, open.SessionID)
	}
}

func TestDoubleCaptureStartAbandonsEarlierSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	t0 := fx.clk.Now()

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, t0, "first", "")); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	first, err := fx.store.FindOpenCapture(ctx)
	if err != nil || first == nil {
		t.Fatalf("no open session after first start: %v", err)
	}

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, t0.Add(5*time.Minute), "second", "")); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	second, err := fx.store.FindOpenCapture(ctx)
	if err != nil || second == nil {
		t.Fatalf("no open session after second start: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("second start must open a distinct session")
	}

	abandoned, err := fx.store.Load(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("load first session: %v", err)
	}
	if abandoned.OverallStatus() != manifest.SessionAbandoned {
		t.Errorf("first session status = %s, want abandoned", abandoned.OverallStatus())
	}
	if !abandoned.IsTerminal() {
		t.Error("abandoned session should be terminal")
	}

	events := fx.drain(t)
	if got := eventsOfType(events, bus.TypeSessionAbandoned); len(got) != 1 || got[0].SessionID != first.SessionID {
		t.Errorf("abandoned events = %+v", got)
	}
	if got := eventsOfType(events, bus.TypeCaptureStarted); len(got) != 2 {
		t.Errorf("expected two capture-started events, got %d", len(got))
	}
}

func TestCaptureStopClosesInterval(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	t0 := fx.clk.Now()

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, t0, "", "")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := fx.c.handleCaptureStopped(ctx, rawCapture(bus.TypeRawCaptureStopped, t0.Add(12*time.Minute), "", "/captures/final.mkv")); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	events := eventsOfType(fx.drain(t), bus.TypeCaptureStopped)
	if len(events) != 1 {
		t.Fatalf("expected one capture-stopped event, got %d", len(events))
	}

	session, err := fx.store.Load(ctx, events[0].SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if session.EndedAt == nil || !session.EndedAt.Equal(t0.Add(12*time.Minute)) {
		t.Errorf("ended at = %v, want %v", session.EndedAt, t0.Add(12*time.Minute))
	}
	if session.Stage != manifest.StageAwaitingRender {
		t.Errorf("stage = %s, want awaiting_render", session.Stage)
	}
	if got := session.StatusFor(manifest.StageCapturing); got != manifest.StatusSucceeded {
		t.Errorf("capturing status = %s, want succeeded", got)
	}
	if session.CaptureFile != "/captures/final.mkv" {
		t.Errorf("capture file = %q", session.CaptureFile)
	}
}

func TestStrayCaptureStopIsIgnored(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.c.handleCaptureStopped(ctx, rawCapture(bus.TypeRawCaptureStopped, fx.clk.Now(), "", "")); err != nil {
		t.Fatalf("stray stop errored: %v", err)
	}
	if events := fx.drain(t); len(events) != 0 {
		t.Fatalf("stray stop published %d events", len(events))
	}

	stats, err := fx.store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("stray stop created sessions: %+v", stats)
	}
}

func TestRenderClipMatchesCaptureWindow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	t0 := fx.clk.Now()

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, t0, "", "")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := fx.c.handleCaptureStopped(ctx, rawCapture(bus.TypeRawCaptureStopped, t0.Add(12*time.Minute), "", "")); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	path := "/renders/20240501_2000_s0_e720_raid.mp4"
	if err := fx.c.handleRenderStable(ctx, renderSignal(path, t0.Add(13*time.Minute))); err != nil {
		t.Fatalf("render handling failed: %v", err)
	}

	session, err := fx.store.FindByRenderFile(ctx, path)
	if err != nil {
		t.Fatalf("FindByRenderFile failed: %v", err)
	}
	if session == nil {
		t.Fatal("render file was not assigned to the session")
	}
	if session.Unmatched {
		t.Fatal("render inside the capture window must not park as orphan")
	}
	if session.Stage != manifest.StageSyncingAudio {
		t.Errorf("stage = %s, want syncing_audio", session.Stage)
	}
	if got := session.StatusFor(manifest.StageAwaitingRender); got != manifest.StatusSucceeded {
		t.Errorf("awaiting_render status = %s, want succeeded", got)
	}
	if session.RenderEmbeddedStart == nil || !session.RenderEmbeddedStart.Equal(t0) {
		t.Errorf("embedded start = %v, want %v", session.RenderEmbeddedStart, t0)
	}
	if session.RenderStartOffsetSec != 0 || session.RenderEndOffsetSec != 720 {
		t.Errorf("offsets = %d/%d, want 0/720", session.RenderStartOffsetSec, session.RenderEndOffsetSec)
	}

	events := eventsOfType(fx.drain(t), bus.TypeReplayRenderDetected)
	if len(events) != 1 {
		t.Fatalf("expected one render-detected event, got %d", len(events))
	}
	detected, ok := events[0].Payload.(bus.RenderDetected)
	if !ok {
		t.Fatalf("unexpected payload type %T", events[0].Payload)
	}
	if detected.Path != path || detected.EndOffsetSec != 720 {
		t.Errorf("payload = %+v", detected)
	}
}

func TestRenderDuringCaptureWaitsForStop(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	t0 := fx.clk.Now()

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, t0, "", "")); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	path := "/renders/20240501_2000_s0_e120_mid.mp4"
	if err := fx.c.handleRenderStable(ctx, renderSignal(path, t0.Add(3*time.Minute))); err != nil {
		t.Fatalf("render handling failed: %v", err)
	}

	session, err := fx.store.FindByRenderFile(ctx, path)
	if err != nil || session == nil {
		t.Fatalf("render not assigned: %v", err)
	}
	if session.Stage != manifest.StageCapturing {
		t.Fatalf("stage = %s, want capturing until the stop signal", session.Stage)
	}

	if err := fx.c.handleCaptureStopped(ctx, rawCapture(bus.TypeRawCaptureStopped, t0.Add(10*time.Minute), "", "")); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	session, err = fx.store.Load(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if session.Stage != manifest.StageSyncingAudio {
		t.Errorf("stage after stop = %s, want syncing_audio", session.Stage)
	}
}

func TestRenderOutsideToleranceParksOrphan(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	t0 := fx.clk.Now()

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, t0, "", "")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := fx.c.handleCaptureStopped(ctx, rawCapture(bus.TypeRawCaptureStopped, t0.Add(12*time.Minute), "", "")); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// Embedded two hours after the capture window.
	path := "/renders/20240501_2200_s0_e60_late.mp4"
	if err := fx.c.handleRenderStable(ctx, renderSignal(path, t0.Add(2*time.Hour))); err != nil {
		t.Fatalf("render handling failed: %v", err)
	}

	orphan, err := fx.store.FindByRenderFile(ctx, path)
	if err != nil || orphan == nil {
		t.Fatalf("orphan session missing: %v", err)
	}
	if !orphan.Unmatched {
		t.Fatal("expected the session to be flagged unmatched")
	}
	if !strings.Contains(orphan.ReviewReason, "tolerance") {
		t.Errorf("review reason = %q", orphan.ReviewReason)
	}
	if orphan.Stage != manifest.StageSyncingAudio {
		t.Errorf("stage = %s, want syncing_audio", orphan.Stage)
	}
	if got := orphan.StatusFor(manifest.StageCapturing); got != manifest.StatusSkipped {
		t.Errorf("capturing status = %s, want skipped", got)
	}

	matched, err := fx.store.FindOpenCapture(ctx)
	if err != nil {
		t.Fatalf("FindOpenCapture: %v", err)
	}
	if matched != nil {
		t.Fatal("no session should be open after stop")
	}

	events := eventsOfType(fx.drain(t), bus.TypeOrphanParked)
	if len(events) != 1 || events[0].SessionID != orphan.SessionID {
		t.Errorf("orphan events = %+v", events)
	}
}

func TestUnparseableRenderParksOrphan(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	modTime := fx.clk.Now().Add(30 * time.Minute)

	path := "/renders/weird-export.mp4"
	if err := fx.c.handleRenderStable(ctx, renderSignal(path, modTime)); err != nil {
		t.Fatalf("render handling failed: %v", err)
	}

	orphan, err := fx.store.FindByRenderFile(ctx, path)
	if err != nil || orphan == nil {
		t.Fatalf("orphan session missing: %v", err)
	}
	if !orphan.Unmatched {
		t.Fatal("expected unmatched flag")
	}
	if !strings.Contains(orphan.ReviewReason, "unrecognized clip name") {
		t.Errorf("review reason = %q", orphan.ReviewReason)
	}
	if !orphan.StartedAt.Equal(modTime) {
		t.Errorf("started at = %v, want file mod time %v", orphan.StartedAt, modTime)
	}
	if orphan.RenderEmbeddedStart != nil {
		t.Error("unparseable clip should carry no embedded start")
	}
}

func TestAcceptedClipIsProbed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	t0 := fx.clk.Now()

	var probed []string
	fx.c.probe = func(_ context.Context, path string) (media.Info, error) {
		probed = append(probed, path)
		return media.Info{DurationSeconds: 719.9, VideoStreams: 1, AudioStreams: 1}, nil
	}

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, t0, "", "")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := fx.c.handleCaptureStopped(ctx, rawCapture(bus.TypeRawCaptureStopped, t0.Add(12*time.Minute), "", "")); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	matched := "/renders/20240501_2000_s0_e720_raid.mp4"
	if err := fx.c.handleRenderStable(ctx, renderSignal(matched, t0.Add(13*time.Minute))); err != nil {
		t.Fatalf("render handling failed: %v", err)
	}

	// Orphans are already parked for review; only accepted clips get the
	// length cross-check.
	orphan := "/renders/20240501_2300_s0_e60_late.mp4"
	if err := fx.c.handleRenderStable(ctx, renderSignal(orphan, t0.Add(3*time.Hour))); err != nil {
		t.Fatalf("orphan handling failed: %v", err)
	}

	if len(probed) != 1 || probed[0] != matched {
		t.Errorf("probed paths = %v, want just %s", probed, matched)
	}
}

func TestRenderFileDeduplicatedAcrossAnnouncements(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	t0 := fx.clk.Now()

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, t0, "", "")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := fx.c.handleCaptureStopped(ctx, rawCapture(bus.TypeRawCaptureStopped, t0.Add(10*time.Minute), "", "")); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	path := "/renders/20240501_2000_s0_e600_once.mp4"
	for i := 0; i < 2; i++ {
		if err := fx.c.handleRenderStable(ctx, renderSignal(path, t0.Add(11*time.Minute))); err != nil {
			t.Fatalf("announcement %d failed: %v", i, err)
		}
	}

	stats, err := fx.store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var total int
	for _, n := range stats {
		total += n
	}
	if total != 1 {
		t.Fatalf("expected a single session, got %d", total)
	}

	events := eventsOfType(fx.drain(t), bus.TypeReplayRenderDetected)
	if len(events) != 1 {
		t.Fatalf("expected one render-detected event, got %d", len(events))
	}
}

func TestMostRecentPlausibleSessionWins(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	t0 := fx.clk.Now()

	mkClosed := func(id string, start, end time.Time) {
		t.Helper()
		s := manifest.NewSession(id, start)
		e := end
		s.EndedAt = &e
		s.SetStatus(manifest.StageCapturing, manifest.StatusSucceeded)
		s.Stage = manifest.StageAwaitingRender
		if err := fx.store.Create(ctx, s); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mkClosed("older", t0, t0.Add(40*time.Minute))
	mkClosed("newer", t0.Add(4*time.Minute), t0.Add(36*time.Minute))

	clip, err := clipname.Parse("20240501_2005_s0_e300_x1.mp4")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := fx.c.findMatch(ctx, clip)
	if err != nil {
		t.Fatalf("findMatch: %v", err)
	}
	if got != "newer" {
		t.Fatalf("findMatch = %q, want newer", got)
	}
}

func TestSweepAbandonsRunawayCapture(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	t0 := fx.clk.Now()

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, t0, "old", "")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := fx.c.handleCaptureStopped(ctx, rawCapture(bus.TypeRawCaptureStopped, t0.Add(10*time.Minute), "", "")); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	closed, err := fx.store.List(ctx, manifest.SessionPending)
	if err != nil || len(closed) != 1 {
		t.Fatalf("expected one closed session: %v %d", err, len(closed))
	}

	if err := fx.c.handleCaptureStarted(ctx, rawCapture(bus.TypeRawCaptureStarted, t0.Add(20*time.Minute), "runaway", "")); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	runaway, err := fx.store.FindOpenCapture(ctx)
	if err != nil || runaway == nil {
		t.Fatalf("no open session: %v", err)
	}

	fx.clk.Advance(13 * time.Hour)
	fx.c.sweepRunaway(ctx)

	swept, err := fx.store.Load(ctx, runaway.SessionID)
	if err != nil {
		t.Fatalf("load runaway: %v", err)
	}
	if swept.OverallStatus() != manifest.SessionAbandoned {
		t.Errorf("runaway status = %s, want abandoned", swept.OverallStatus())
	}
	if !strings.Contains(swept.ReviewReason, "without a stop signal") {
		t.Errorf("review reason = %q", swept.ReviewReason)
	}

	untouched, err := fx.store.Load(ctx, closed[0].SessionID)
	if err != nil {
		t.Fatalf("load closed: %v", err)
	}
	if untouched.OverallStatus() == manifest.SessionAbandoned {
		t.Error("sweep abandoned a session that was not capturing")
	}
}

func TestAbandonRejectsCompletedSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s := manifest.NewSession("done", fx.clk.Now())
	for _, stage := range manifest.ExecutableStages() {
		s.SetStatus(stage, manifest.StatusSucceeded)
	}
	s.Stage = manifest.StageComplete
	if err := fx.store.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := fx.c.Abandon(ctx, "done", "operator request")
	if !manifest.IsConflict(err) {
		t.Fatalf("Abandon on completed session = %v, want conflict", err)
	}
	if events := eventsOfType(fx.drain(t), bus.TypeSessionAbandoned); len(events) != 0 {
		t.Fatalf("unexpected abandon events: %d", len(events))
	}
}

func TestLoopProcessesBusSignals(t *testing.T) {
	fx := newFixture(t)

	if err := fx.c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer fx.c.Stop()

	fx.b.Publish(rawCapture(bus.TypeRawCaptureStarted, fx.clk.Now(), "wired", ""))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-fx.sub.Events():
			if !ok {
				t.Fatal("subscription closed")
			}
			if evt.Type == bus.TypeCaptureStarted {
				if evt.SessionID == "" {
					t.Fatal("correlated event lacks a session id")
				}
				return
			}
		case <-deadline:
			t.Fatal("correlated capture-started event never arrived")
		}
	}
}
