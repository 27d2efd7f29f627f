package manifest

import (
	"testing"
	"time"
)

func TestNextStageWalksFixedOrder(t *testing.T) {
	expected := []Stage{
		StageCapturing,
		StageAwaitingRender,
		StageSyncingAudio,
		StageColorPass,
		StageUploading,
		StageNotifying,
		StageComplete,
	}
	stage := StageCapturing
	for i := 1; i < len(expected); i++ {
		next, ok := NextStage(stage)
		if !ok {
			t.Fatalf("expected successor for %s", stage)
		}
		if next != expected[i] {
			t.Fatalf("after %s expected %s, got %s", stage, expected[i], next)
		}
		stage = next
	}
	if _, ok := NextStage(StageComplete); ok {
		t.Fatal("terminal stage must have no successor")
	}
	if _, ok := NextStage(Stage("rewinding")); ok {
		t.Fatal("unknown stage must have no successor")
	}
}

func TestParseStage(t *testing.T) {
	if stage, ok := ParseStage("  Syncing_Audio "); !ok || stage != StageSyncingAudio {
		t.Fatalf("expected syncing_audio, got %q ok=%v", stage, ok)
	}
	if _, ok := ParseStage("transcode"); ok {
		t.Fatal("expected unknown stage to fail")
	}
	if _, ok := ParseStage(""); ok {
		t.Fatal("expected empty stage to fail")
	}
}

func TestNewSessionInitialState(t *testing.T) {
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	session := NewSession("20260101_1200_ab12cd", started)

	if session.Stage != StageCapturing {
		t.Fatalf("expected capturing stage, got %s", session.Stage)
	}
	if session.StatusFor(StageCapturing) != StatusRunning {
		t.Fatalf("expected capturing running, got %s", session.StatusFor(StageCapturing))
	}
	for _, stage := range ExecutableStages()[1:] {
		if session.StatusFor(stage) != StatusPending {
			t.Fatalf("expected %s pending, got %s", stage, session.StatusFor(stage))
		}
	}
	if got := session.OverallStatus(); got != SessionRunning {
		t.Fatalf("expected overall running, got %s", got)
	}
	if session.IsTerminal() {
		t.Fatal("fresh session must not be terminal")
	}
}

func TestOverallStatusWorstCase(t *testing.T) {
	cases := []struct {
		name     string
		statuses map[Stage]StageStatus
		stage    Stage
		want     SessionStatus
		terminal bool
	}{
		{
			name: "all succeeded at complete",
			statuses: map[Stage]StageStatus{
				StageCapturing:      StatusSucceeded,
				StageAwaitingRender: StatusSucceeded,
				StageSyncingAudio:   StatusSucceeded,
				StageColorPass:      StatusSkipped,
				StageUploading:      StatusSucceeded,
				StageNotifying:      StatusSucceeded,
			},
			stage:    StageComplete,
			want:     SessionSucceeded,
			terminal: true,
		},
		{
			name: "failure dominates success",
			statuses: map[Stage]StageStatus{
				StageCapturing:      StatusSucceeded,
				StageAwaitingRender: StatusSucceeded,
				StageSyncingAudio:   StatusFailed,
				StageColorPass:      StatusPending,
				StageUploading:      StatusPending,
				StageNotifying:      StatusPending,
			},
			stage:    StageSyncingAudio,
			want:     SessionFailed,
			terminal: false,
		},
		{
			name: "abandoned dominates failure",
			statuses: map[Stage]StageStatus{
				StageCapturing:      StatusSucceeded,
				StageAwaitingRender: StatusFailed,
				StageSyncingAudio:   StatusAbandoned,
				StageColorPass:      StatusAbandoned,
				StageUploading:      StatusAbandoned,
				StageNotifying:      StatusAbandoned,
			},
			stage:    StageSyncingAudio,
			want:     SessionAbandoned,
			terminal: true,
		},
		{
			name: "running dominates pending",
			statuses: map[Stage]StageStatus{
				StageCapturing:      StatusSucceeded,
				StageAwaitingRender: StatusSucceeded,
				StageSyncingAudio:   StatusRunning,
				StageColorPass:      StatusPending,
				StageUploading:      StatusPending,
				StageNotifying:      StatusPending,
			},
			stage:    StageSyncingAudio,
			want:     SessionRunning,
			terminal: false,
		},
		{
			name: "pending between stages",
			statuses: map[Stage]StageStatus{
				StageCapturing:      StatusSucceeded,
				StageAwaitingRender: StatusPending,
				StageSyncingAudio:   StatusPending,
				StageColorPass:      StatusPending,
				StageUploading:      StatusPending,
				StageNotifying:      StatusPending,
			},
			stage:    StageAwaitingRender,
			want:     SessionPending,
			terminal: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session := &Session{Stage: tc.stage, StageStatuses: tc.statuses}
			if got := session.OverallStatus(); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			if got := session.IsTerminal(); got != tc.terminal {
				t.Fatalf("expected terminal=%v, got %v", tc.terminal, got)
			}
		})
	}
}

func TestAdvanceStopsAtComplete(t *testing.T) {
	session := NewSession("20260101_1200_ab12cd", time.Now())
	seen := []Stage{session.Stage}
	for {
		next, ok := session.Advance()
		if !ok {
			break
		}
		seen = append(seen, next)
	}
	if len(seen) != len(StageOrder()) {
		t.Fatalf("expected %d stages, saw %d", len(StageOrder()), len(seen))
	}
	if session.Stage != StageComplete {
		t.Fatalf("expected complete, got %s", session.Stage)
	}
	if _, ok := session.Advance(); ok {
		t.Fatal("advancing a complete session must be a no-op")
	}
}

func TestArtifactsAppendOnly(t *testing.T) {
	session := NewSession("20260101_1200_ab12cd", time.Now())
	session.AppendArtifact(StageSyncingAudio, "/staging/a/synced.mp4")
	session.AppendArtifact(StageSyncingAudio, "/staging/a/synced-retry.mp4")
	session.AppendArtifact(StageUploading, "remote:clips/a.mp4")

	if len(session.Artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(session.Artifacts))
	}
	path, ok := session.ArtifactFor(StageSyncingAudio)
	if !ok || path != "/staging/a/synced-retry.mp4" {
		t.Fatalf("expected latest sync artifact, got %q ok=%v", path, ok)
	}
	if _, ok := session.ArtifactFor(StageColorPass); ok {
		t.Fatal("expected no color artifact")
	}
}

func TestAttemptCounters(t *testing.T) {
	session := NewSession("20260101_1200_ab12cd", time.Now())
	if session.AttemptsFor(StageSyncingAudio) != 0 {
		t.Fatal("expected zero attempts initially")
	}
	if got := session.IncrementAttempts(StageSyncingAudio); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
	if got := session.IncrementAttempts(StageSyncingAudio); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if session.AttemptsFor(StageUploading) != 0 {
		t.Fatal("other stages must be unaffected")
	}
}

func TestResetStageForRetry(t *testing.T) {
	session := NewSession("20260101_1200_ab12cd", time.Now())
	session.IncrementAttempts(StageSyncingAudio)
	session.IncrementAttempts(StageSyncingAudio)
	session.SetFailed(StageSyncingAudio, "mux exploded")

	if session.OverallStatus() != SessionFailed {
		t.Fatalf("expected failed, got %s", session.OverallStatus())
	}
	if !session.ResetStageForRetry(StageSyncingAudio) {
		t.Fatal("expected retry reset to apply")
	}
	if session.StatusFor(StageSyncingAudio) != StatusPending {
		t.Fatalf("expected pending after reset, got %s", session.StatusFor(StageSyncingAudio))
	}
	if session.AttemptsFor(StageSyncingAudio) != 0 {
		t.Fatalf("expected attempts cleared, got %d", session.AttemptsFor(StageSyncingAudio))
	}
	if session.ErrorMessage != "" {
		t.Fatalf("expected error cleared, got %q", session.ErrorMessage)
	}

	if session.ResetStageForRetry(StageUploading) {
		t.Fatal("resetting a non-failed stage must be refused")
	}
}

func TestSetAbandonedLeavesResolvedStages(t *testing.T) {
	session := NewSession("20260101_1200_ab12cd", time.Now())
	session.SetStatus(StageCapturing, StatusSucceeded)
	session.SetStatus(StageAwaitingRender, StatusSucceeded)
	session.SetStatus(StageColorPass, StatusSkipped)
	session.Stage = StageSyncingAudio

	session.SetAbandoned("second capture opened")

	if session.StatusFor(StageCapturing) != StatusSucceeded {
		t.Fatal("succeeded stage must keep its status")
	}
	if session.StatusFor(StageColorPass) != StatusSkipped {
		t.Fatal("skipped stage must keep its status")
	}
	for _, stage := range []Stage{StageSyncingAudio, StageUploading, StageNotifying} {
		if session.StatusFor(stage) != StatusAbandoned {
			t.Fatalf("expected %s abandoned, got %s", stage, session.StatusFor(stage))
		}
	}
	if !session.IsTerminal() {
		t.Fatal("abandoned session must be terminal")
	}
	if session.ReviewReason != "second capture opened" {
		t.Fatalf("unexpected review reason %q", session.ReviewReason)
	}
}

func TestReleasePark(t *testing.T) {
	session := NewSession("20260101_1200_ab12cd", time.Now())
	if session.ReleasePark() {
		t.Fatal("releasing an unparked session must be refused")
	}
	session.Unmatched = true
	session.ReviewReason = "no session matched render file"
	if !session.ReleasePark() {
		t.Fatal("expected park release")
	}
	if session.Unmatched || session.ReviewReason != "" {
		t.Fatalf("expected park cleared, got unmatched=%v reason=%q", session.Unmatched, session.ReviewReason)
	}
}
