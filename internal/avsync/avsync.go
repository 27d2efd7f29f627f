// Package avsync computes the alignment between a capture recording and a
// rendered replay clip. The replay tool stamps each clip with its buffer
// start time plus second offsets into the buffer; the capture tool records
// its own start instant. Both clocks belong to the same host, so the
// difference is the mux offset.
package avsync

import "time"

// Alignment is the input handed to the audio sync adapter: where the clip
// begins inside the capture recording and how long it runs, in whole
// milliseconds.
type Alignment struct {
	OffsetMS   int64
	DurationMS int64
}

// Compute derives the alignment for one clip. captureStart is the capture
// tool's recorded start instant, renderEmbeddedStart the clip's embedded
// buffer start, and the offsets the clip bounds in seconds from the buffer
// start. Results clamp at zero: a clip that begins before the recording
// syncs from the recording's first sample.
func Compute(captureStart, renderEmbeddedStart time.Time, startOffsetSec, endOffsetSec int64) Alignment {
	clipStart := renderEmbeddedStart.Add(time.Duration(startOffsetSec) * time.Second)
	offset := clipStart.Sub(captureStart).Milliseconds()
	if offset < 0 {
		offset = 0
	}
	duration := (endOffsetSec - startOffsetSec) * 1000
	if duration < 0 {
		duration = 0
	}
	return Alignment{OffsetMS: offset, DurationMS: duration}
}
