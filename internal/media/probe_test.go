package media

import (
	"context"
	"testing"
)

func TestParseInfo(t *testing.T) {
	payload := []byte(`{
		"streams": [
			{"codec_type": "video"},
			{"codec_type": "audio"},
			{"codec_type": "audio"},
			{"codec_type": "data"}
		],
		"format": {
			"format_name": "mov,mp4,m4a,3gp,3g2,mj2",
			"duration": "2412.480000",
			"size": "104857600"
		}
	}`)

	info, err := parseInfo(payload)
	if err != nil {
		t.Fatalf("parseInfo: %v", err)
	}
	if info.VideoStreams != 1 {
		t.Fatalf("expected 1 video stream, got %d", info.VideoStreams)
	}
	if info.AudioStreams != 2 {
		t.Fatalf("expected 2 audio streams, got %d", info.AudioStreams)
	}
	if !info.HasAudio() {
		t.Fatal("expected HasAudio")
	}
	if info.DurationSeconds != 2412.48 {
		t.Fatalf("unexpected duration: %v", info.DurationSeconds)
	}
	if info.SizeBytes != 104857600 {
		t.Fatalf("unexpected size: %d", info.SizeBytes)
	}
	if info.Container != "mov,mp4,m4a,3gp,3g2,mj2" {
		t.Fatalf("unexpected container: %q", info.Container)
	}
}

func TestParseInfoTreatsBadNumbersAsUnreported(t *testing.T) {
	payload := []byte(`{
		"streams": [],
		"format": {"duration": "bad", "size": "-1"}
	}`)

	info, err := parseInfo(payload)
	if err != nil {
		t.Fatalf("parseInfo: %v", err)
	}
	if info.DurationSeconds != 0 {
		t.Fatalf("expected duration 0, got %v", info.DurationSeconds)
	}
	if info.SizeBytes != 0 {
		t.Fatalf("expected size 0, got %d", info.SizeBytes)
	}
	if info.HasAudio() {
		t.Fatal("expected no audio streams")
	}
}

func TestParseInfoRejectsMalformedJSON(t *testing.T) {
	if _, err := parseInfo([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestInspectRejectsEmptyPath(t *testing.T) {
	if _, err := Inspect(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
