package clipname

import (
	"regexp"
	"testing"
	"time"
)

func TestSessionIDUsesUTCMinutePrefix(t *testing.T) {
	local := time.Date(2024, 6, 1, 22, 0, 45, 0, time.FixedZone("CEST", 2*3600))
	id := SessionID(local, "f3a9c1")
	if id != "20240601_2000_f3a9c1" {
		t.Fatalf("SessionID = %q, want 20240601_2000_f3a9c1", id)
	}
}

func TestNewSessionIDIsUnique(t *testing.T) {
	startedAt := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
	pattern := regexp.MustCompile(`^20240601_2000_[0-9a-f]{6}$`)

	seen := map[string]struct{}{}
	for i := 0; i < 20; i++ {
		id := NewSessionID(startedAt)
		if !pattern.MatchString(id) {
			t.Fatalf("session id %q does not match expected shape", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestParseCanonicalName(t *testing.T) {
	clip, err := Parse("20240601_2000_s30_e150_f3a9c1.mp4")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	wantStart := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
	if !clip.EmbeddedStart.Equal(wantStart) {
		t.Errorf("embedded start = %v, want %v", clip.EmbeddedStart, wantStart)
	}
	if clip.StartOffsetSec != 30 || clip.EndOffsetSec != 150 {
		t.Errorf("offsets = %d/%d, want 30/150", clip.StartOffsetSec, clip.EndOffsetSec)
	}
	if clip.Slug != "f3a9c1" {
		t.Errorf("slug = %q, want f3a9c1", clip.Slug)
	}
	if got := clip.AbsoluteStart(); !got.Equal(wantStart.Add(30 * time.Second)) {
		t.Errorf("absolute start = %v", got)
	}
	if got := clip.AbsoluteEnd(); !got.Equal(wantStart.Add(150 * time.Second)) {
		t.Errorf("absolute end = %v", got)
	}
	if got := clip.Duration(); got != 2*time.Minute {
		t.Errorf("duration = %v, want 2m", got)
	}
}

func TestParseAcceptsFullPath(t *testing.T) {
	clip, err := Parse("/srv/renders/20240601_2000_s0_e5_ab12cd.mp4")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if clip.Slug != "ab12cd" {
		t.Fatalf("slug = %q, want ab12cd", clip.Slug)
	}
}

func TestParseToleratesUnderscoreSlug(t *testing.T) {
	clip, err := Parse("20240601_2000_s0_e5_my_clip.mp4")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if clip.Slug != "my_clip" {
		t.Fatalf("slug = %q, want my_clip", clip.Slug)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	clip := Clip{
		EmbeddedStart:  time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC),
		StartOffsetSec: 0,
		EndOffsetSec:   120,
		Slug:           "ab12cd",
	}
	name := clip.Format()
	if name != "20240601_2000_s0_e120_ab12cd.mp4" {
		t.Fatalf("Format = %q", name)
	}
	back, err := Parse(name)
	if err != nil {
		t.Fatalf("Parse(Format) failed: %v", err)
	}
	if back != clip {
		t.Fatalf("round trip mismatch: %+v != %+v", back, clip)
	}
}

func TestParseRejectsMalformedNames(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{"empty", ""},
		{"no structure", "render.mp4"},
		{"missing slug", "20240601_2000_s0_e5_.mp4"},
		{"non numeric offset", "20240601_2000_sx_e5_ab12cd.mp4"},
		{"month out of range", "20241301_2000_s0_e5_ab12cd.mp4"},
		{"end before start", "20240601_2000_s10_e5_ab12cd.mp4"},
		{"wrong extension", "20240601_2000_s0_e5_ab12cd.mkv"},
		{"space in slug", "20240601_2000_s0_e5_ab cd.mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.file); err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.file)
			}
		})
	}
}
