package runner

import (
	"os"
	"path/filepath"

	"conductor/internal/adapter"
	"conductor/internal/avsync"
	"conductor/internal/manifest"
	"conductor/internal/services"
)

// buildRequest assembles the adapter request for the session's current stage.
// Missing prerequisites are validation failures: retrying cannot conjure an
// input file that was never recorded.
func (r *Runner) buildRequest(session *manifest.Session) (adapter.Request, error) {
	stage := session.Stage
	req := adapter.Request{
		SessionID:   session.SessionID,
		Stage:       string(stage),
		Label:       session.Label,
		CaptureFile: session.CaptureFile,
		RenderFile:  session.RenderFile,
		Input:       stageInput(session),
	}
	if req.Input == "" {
		return adapter.Request{}, services.Wrap(services.ErrValidation, string(stage), "assemble", "no input artifact recorded for stage", nil)
	}

	switch stage {
	case manifest.StageSyncingAudio:
		if session.CaptureFile == "" {
			return adapter.Request{}, services.Wrap(services.ErrValidation, string(stage), "assemble", "session has no capture recording to sync against", nil)
		}
		if session.RenderEmbeddedStart == nil {
			return adapter.Request{}, services.Wrap(services.ErrValidation, string(stage), "assemble", "render clip carries no embedded start time", nil)
		}
		align := avsync.Compute(session.StartedAt, *session.RenderEmbeddedStart,
			session.RenderStartOffsetSec, session.RenderEndOffsetSec)
		req.OffsetMS = align.OffsetMS
		req.DurationMS = align.DurationMS
		out, err := r.stagingPath(session, "synced.mp4")
		if err != nil {
			return adapter.Request{}, err
		}
		req.Output = out
	case manifest.StageColorPass:
		req.DurationMS = clipDurationMS(session)
		out, err := r.stagingPath(session, "graded.mp4")
		if err != nil {
			return adapter.Request{}, err
		}
		req.Output = out
	}
	// Uploading and notifying derive their own destinations from the input.
	return req, nil
}

// stageInput picks the file the current stage consumes: the newest artifact
// produced by any earlier stage, or the render clip when no stage has
// produced one yet.
func stageInput(session *manifest.Session) string {
	cursor := manifest.StageIndex(session.Stage)
	for i := len(session.Artifacts) - 1; i >= 0; i-- {
		a := session.Artifacts[i]
		if a.Path == "" {
			continue
		}
		if idx := manifest.StageIndex(a.Stage); idx >= 0 && idx < cursor {
			return a.Path
		}
	}
	return session.RenderFile
}

func (r *Runner) stagingPath(session *manifest.Session, name string) (string, error) {
	dir := filepath.Join(r.staging, session.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", services.Wrap(services.ErrTransient, string(session.Stage), "assemble", "create staging directory", err)
	}
	return filepath.Join(dir, name), nil
}

// clipDurationMS derives the clip length from the replay offsets, for
// progress reporting only. Zero means unknown.
func clipDurationMS(session *manifest.Session) int64 {
	d := (session.RenderEndOffsetSec - session.RenderStartOffsetSec) * 1000
	if d < 0 {
		return 0
	}
	return d
}
