package avsync

import (
	"testing"
	"time"
)

func TestCompute(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	at := func(h, m, s, ms int) time.Time {
		return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
			time.Duration(s)*time.Second + time.Duration(ms)*time.Millisecond)
	}

	tests := []struct {
		name          string
		captureStart  time.Time
		embeddedStart time.Time
		startSec      int64
		endSec        int64
		want          Alignment
	}{
		{
			name:          "render clock lags capture by 350ms",
			captureStart:  at(20, 0, 0, 0),
			embeddedStart: at(20, 0, 0, 350),
			startSec:      0,
			endSec:        720,
			want:          Alignment{OffsetMS: 350, DurationMS: 720000},
		},
		{
			name:          "clip starts deep in the replay buffer",
			captureStart:  at(20, 0, 5, 0),
			embeddedStart: at(20, 0, 0, 0),
			startSec:      30,
			endSec:        150,
			want:          Alignment{OffsetMS: 25000, DurationMS: 120000},
		},
		{
			name:          "clip predates the recording",
			captureStart:  at(20, 0, 0, 0),
			embeddedStart: at(19, 59, 50, 0),
			startSec:      0,
			endSec:        60,
			want:          Alignment{OffsetMS: 0, DurationMS: 60000},
		},
		{
			name:          "inverted bounds clamp to zero duration",
			captureStart:  at(20, 0, 0, 0),
			embeddedStart: at(20, 0, 0, 0),
			startSec:      10,
			endSec:        5,
			want:          Alignment{OffsetMS: 10000, DurationMS: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.captureStart, tt.embeddedStart, tt.startSec, tt.endSec)
			if got != tt.want {
				t.Fatalf("Compute = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	captureStart := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	embedded := captureStart.Add(350 * time.Millisecond)
	first := Compute(captureStart, embedded, 0, 720)
	for i := 0; i < 10; i++ {
		if got := Compute(captureStart, embedded, 0, 720); got != first {
			t.Fatalf("run %d: %+v != %+v", i, got, first)
		}
	}
}

func TestComputeIgnoresWallClockZones(t *testing.T) {
	captureUTC := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	captureLocal := captureUTC.In(time.FixedZone("CEST", 2*3600))
	embedded := captureUTC.Add(350 * time.Millisecond)

	if got, want := Compute(captureLocal, embedded, 0, 60), Compute(captureUTC, embedded, 0, 60); got != want {
		t.Fatalf("zone-shifted inputs disagree: %+v != %+v", got, want)
	}
}
