// Package media shells out to ffprobe for container inspection. Clip
// filenames are the authoritative timing source in this pipeline; probing
// is the cross-check that catches truncated or mislabeled renders before
// they reach the sync stage.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Info summarizes the container metadata the pipeline cares about.
// Numeric fields are zero when ffprobe does not report them.
type Info struct {
	DurationSeconds float64
	SizeBytes       int64
	Container       string
	VideoStreams    int
	AudioStreams    int
}

// HasAudio reports whether the container carries at least one audio stream.
func (i Info) HasAudio() bool {
	return i.AudioStreams > 0
}

// Inspect runs ffprobe against path and flattens the JSON report. An empty
// binary falls back to "ffprobe" on PATH.
func Inspect(ctx context.Context, binary, path string) (Info, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Info{}, errors.New("inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner",
		"-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return Info{}, fmt.Errorf("inspect %s: %w: %s", path, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return Info{}, fmt.Errorf("inspect %s: %w", path, err)
	}
	return parseInfo(output)
}

type probeReport struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
}

func parseInfo(data []byte) (Info, error) {
	var report probeReport
	if err := json.Unmarshal(data, &report); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe report: %w", err)
	}

	info := Info{
		DurationSeconds: parseNonNegative(report.Format.Duration),
		SizeBytes:       int64(parseNonNegative(report.Format.Size)),
		Container:       report.Format.FormatName,
	}
	for _, stream := range report.Streams {
		switch {
		case strings.EqualFold(stream.CodecType, "video"):
			info.VideoStreams++
		case strings.EqualFold(stream.CodecType, "audio"):
			info.AudioStreams++
		}
	}
	return info, nil
}

// parseNonNegative reads an ffprobe numeric string, treating anything
// missing, malformed, or negative as unreported.
func parseNonNegative(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}
