package pipeline

import (
	"conductor/internal/config"
	"conductor/internal/manifest"
)

// StageRule describes how the controller treats one adapter-backed stage.
type StageRule struct {
	Stage manifest.Stage
	// Optional stages record their failure and step aside instead of
	// freezing the session.
	Optional bool
	// Skip reports whether the stage applies to the session at all, with an
	// operator-readable reason when it does not.
	Skip func(s *manifest.Session) (bool, string)
}

// Plan is the set of adapter-backed stages derived from configuration.
type Plan struct {
	rules map[manifest.Stage]StageRule
}

// BuildPlan derives the stage plan: audio sync runs whenever the session has
// a capture recording, the color pass only when a LUT is configured, uploads
// always, and the notify stage only when a webhook is configured.
func BuildPlan(cfg *config.Config) *Plan {
	colorEnabled := cfg.Color.Enabled
	notifyEnabled := cfg.Notify.Enabled

	rules := []StageRule{
		{
			Stage: manifest.StageSyncingAudio,
			Skip: func(s *manifest.Session) (bool, string) {
				if s.CaptureFile == "" {
					return true, "no capture recording to sync against"
				}
				return false, ""
			},
		},
		{
			Stage:    manifest.StageColorPass,
			Optional: true,
			Skip: func(*manifest.Session) (bool, string) {
				if !colorEnabled {
					return true, "color pass disabled"
				}
				return false, ""
			},
		},
		{Stage: manifest.StageUploading},
		{
			Stage: manifest.StageNotifying,
			Skip: func(*manifest.Session) (bool, string) {
				if !notifyEnabled {
					return true, "notify webhook not configured"
				}
				return false, ""
			},
		},
	}

	plan := &Plan{rules: make(map[manifest.Stage]StageRule, len(rules))}
	for _, rule := range rules {
		plan.rules[rule.Stage] = rule
	}
	return plan
}

// RuleFor returns the rule governing an adapter-backed stage.
func (p *Plan) RuleFor(stage manifest.Stage) (StageRule, bool) {
	rule, ok := p.rules[stage]
	return rule, ok
}
