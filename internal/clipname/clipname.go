// Package clipname implements the clip naming contract shared with the
// capture and replay tools: YYYYMMDD_HHMM_s{start}_e{end}_{slug}.mp4, with
// the embedded timestamp in UTC at minute precision and the offsets in whole
// seconds from the replay buffer start. Session IDs reuse the same timestamp
// prefix followed by a short random slug.
package clipname

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeLayout is the minute-precision UTC prefix shared by clip names and
// session IDs.
const timeLayout = "20060102_1504"

const slugLength = 6

// clipPattern accepts the canonical name plus tool variants that use
// underscores or uppercase in the slug.
var clipPattern = regexp.MustCompile(`^(\d{8}_\d{4})_s(\d+)_e(\d+)_([A-Za-z0-9_-]+)\.mp4$`)

// NewSlug returns a short filesystem-safe random token.
func NewSlug() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:slugLength]
}

// SessionID derives the stable identifier for a capture that started at the
// given time. The identifier survives restarts because it is persisted with
// the manifest, never regenerated.
func SessionID(startedAt time.Time, slug string) string {
	return startedAt.UTC().Format(timeLayout) + "_" + slug
}

// NewSessionID derives a session identifier with a fresh random slug.
func NewSessionID(startedAt time.Time) string {
	return SessionID(startedAt, NewSlug())
}

// Clip is a decoded render clip name.
type Clip struct {
	EmbeddedStart  time.Time
	StartOffsetSec int64
	EndOffsetSec   int64
	Slug           string
}

// Parse decodes a render clip name. The argument may be a full path; only
// the base name is inspected.
func Parse(path string) (Clip, error) {
	name := filepath.Base(path)
	m := clipPattern.FindStringSubmatch(name)
	if m == nil {
		return Clip{}, fmt.Errorf("clip name %q does not match YYYYMMDD_HHMM_s{start}_e{end}_{slug}.mp4", name)
	}
	embedded, err := time.ParseInLocation(timeLayout, m[1], time.UTC)
	if err != nil {
		return Clip{}, fmt.Errorf("clip name %q: invalid timestamp: %w", name, err)
	}
	start, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Clip{}, fmt.Errorf("clip name %q: start offset: %w", name, err)
	}
	end, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Clip{}, fmt.Errorf("clip name %q: end offset: %w", name, err)
	}
	if end < start {
		return Clip{}, fmt.Errorf("clip name %q: end offset %d before start offset %d", name, end, start)
	}
	return Clip{
		EmbeddedStart:  embedded,
		StartOffsetSec: start,
		EndOffsetSec:   end,
		Slug:           m[4],
	}, nil
}

// Format renders the canonical clip file name.
func (c Clip) Format() string {
	return fmt.Sprintf("%s_s%d_e%d_%s.mp4",
		c.EmbeddedStart.UTC().Format(timeLayout), c.StartOffsetSec, c.EndOffsetSec, c.Slug)
}

// AbsoluteStart returns the wall-clock time of the clip's first frame.
func (c Clip) AbsoluteStart() time.Time {
	return c.EmbeddedStart.Add(time.Duration(c.StartOffsetSec) * time.Second)
}

// AbsoluteEnd returns the wall-clock time of the clip's last frame.
func (c Clip) AbsoluteEnd() time.Time {
	return c.EmbeddedStart.Add(time.Duration(c.EndOffsetSec) * time.Second)
}

// Duration returns the clip length.
func (c Clip) Duration() time.Duration {
	return time.Duration(c.EndOffsetSec-c.StartOffsetSec) * time.Second
}
