package command

import (
	"fmt"
	"strings"
)

const ffmpegBinary = "ffmpeg"

// SyncArgs assembles the stock ffmpeg invocation for the audio alignment
// stage: render video copied as-is, capture audio seeked to the computed
// offset, optional loudness normalization, duration pinned to the clip.
func SyncArgs(normalize bool, loudnessTargetLUFS float64) []string {
	args := []string{
		ffmpegBinary,
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-progress", "pipe:1",
		"-i", PlaceholderInput,
		"-ss", PlaceholderOffset,
		"-i", PlaceholderCapture,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
	}
	if normalize {
		args = append(args, "-af", fmt.Sprintf("loudnorm=I=%.1f", loudnessTargetLUFS))
	}
	args = append(args,
		"-c:a", "aac",
		"-t", PlaceholderDuration,
		"-movflags", "+faststart",
		PlaceholderOutput,
	)
	return args
}

// ColorArgs assembles the stock ffmpeg invocation for the LUT color pass.
func ColorArgs(lutPath string) []string {
	return []string{
		ffmpegBinary,
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-progress", "pipe:1",
		"-i", PlaceholderInput,
		"-vf", fmt.Sprintf("lut3d=%s", escapeFilterPath(lutPath)),
		"-c:a", "copy",
		"-movflags", "+faststart",
		PlaceholderOutput,
	}
}

// escapeFilterPath escapes the characters the ffmpeg filter parser treats
// specially inside option values.
func escapeFilterPath(path string) string {
	replacer := strings.NewReplacer(`\`, `\\`, ":", `\:`, "'", `\'`, ",", `\,`, "[", `\[`, "]", `\]`)
	return replacer.Replace(path)
}
