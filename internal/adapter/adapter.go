// Package adapter defines the contract every external-tool integration
// satisfies and the registry the pipeline resolves them from. Adapters are
// registered by the stage name they serve at startup and looked up at
// dispatch time; nothing in the pipeline hardcodes a concrete adapter type.
package adapter

import "context"

// Adapter is one stage's external collaborator: the mux tool behind audio
// sync, the color grader, the uploader, the notifier.
type Adapter interface {
	// Capability names the pipeline stage this adapter serves.
	Capability() string
	// Execute runs one stage invocation. Failures are classified with
	// Transient or Permanent; anything else is treated as transient.
	Execute(ctx context.Context, req Request) (Result, error)
	// HealthCheck reports whether the adapter could run right now.
	HealthCheck(ctx context.Context) Health
}

// Request carries everything an adapter may need for one invocation.
// Fields that do not apply to a stage are zero.
type Request struct {
	SessionID   string
	Stage       string
	Label       string
	Input       string
	CaptureFile string
	// RenderFile is the clip as the render tool named it. Stages that
	// publish the clip keep this name rather than the staging filename.
	RenderFile string
	Output     string
	OffsetMS   int64
	DurationMS int64

	// Progress, when non-nil, accepts advisory progress samples. Calls are
	// serialized and stop before Execute returns.
	Progress func(percent float64, message string)
}

// Result is a successful invocation's outcome.
type Result struct {
	// ArtifactPath is the file path or URL the stage produced.
	ArtifactPath string
	// Metadata carries adapter-specific details worth keeping with the
	// session.
	Metadata map[string]string
}
