package logging

import "testing"

func TestNewProgressSampler(t *testing.T) {
	tests := []struct {
		name       string
		bucketSize float64
		wantSize   float64
	}{
		{"default bucket size for zero", 0, 5},
		{"default bucket size for negative", -1, 5},
		{"custom bucket size", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewProgressSampler(tt.bucketSize)
			if s.bucketSize != tt.wantSize {
				t.Errorf("bucketSize = %v, want %v", s.bucketSize, tt.wantSize)
			}
			if s.lastBucket != -1 {
				t.Errorf("lastBucket = %d, want -1", s.lastBucket)
			}
		})
	}
}

func TestProgressSamplerNil(t *testing.T) {
	var s *ProgressSampler
	if !s.ShouldLog(50, "muxing", "message") {
		t.Error("ShouldLog on nil sampler should always return true")
	}
	s.Reset()
}

func TestProgressSamplerStageChange(t *testing.T) {
	s := NewProgressSampler(5)

	if !s.ShouldLog(0, "probing", "starting") {
		t.Error("first stage should log")
	}
	if s.ShouldLog(0, "probing", "still starting") {
		t.Error("same stage and percent should not log again")
	}
	if !s.ShouldLog(0, "muxing", "starting") {
		t.Error("different stage should log")
	}
	if s.lastStage != "muxing" {
		t.Errorf("lastStage = %q, want muxing", s.lastStage)
	}
}

func TestProgressSamplerPercentBuckets(t *testing.T) {
	s := NewProgressSampler(5)

	if !s.ShouldLog(0, "uploading", "") {
		t.Error("0%% should log")
	}
	if s.ShouldLog(3, "uploading", "") {
		t.Error("3%% should not log (same bucket)")
	}
	if !s.ShouldLog(5, "uploading", "") {
		t.Error("5%% should log (new bucket)")
	}
	if s.ShouldLog(7, "uploading", "") {
		t.Error("7%% should not log (same bucket)")
	}
	if !s.ShouldLog(10, "uploading", "") {
		t.Error("10%% should log (new bucket)")
	}
}

func TestProgressSamplerCaps100Percent(t *testing.T) {
	s := NewProgressSampler(5)

	s.ShouldLog(95, "uploading", "")
	if !s.ShouldLog(100, "uploading", "") {
		t.Error("100%% should log")
	}
	if s.ShouldLog(105, "uploading", "") {
		t.Error("105%% should not log again (same as 100%% bucket)")
	}
}

func TestProgressSamplerBucketResetOnStageChange(t *testing.T) {
	s := NewProgressSampler(5)

	s.ShouldLog(50, "probing", "")
	s.ShouldLog(0, "muxing", "")

	if !s.ShouldLog(10, "muxing", "") {
		t.Error("10%% should log after stage change reset bucket")
	}
}

func TestProgressSamplerIgnoresMessage(t *testing.T) {
	s := NewProgressSampler(5)

	s.ShouldLog(10, "uploading", "first message")
	if s.ShouldLog(10, "uploading", "different message with ETA") {
		t.Error("different message should not trigger logging")
	}
}

func TestProgressSamplerReset(t *testing.T) {
	s := NewProgressSampler(5)
	s.ShouldLog(50, "probing", "")

	s.Reset()

	if s.lastStage != "" {
		t.Errorf("lastStage = %q, want empty after reset", s.lastStage)
	}
	if !s.ShouldLog(50, "probing", "") {
		t.Error("should log after reset")
	}
}
