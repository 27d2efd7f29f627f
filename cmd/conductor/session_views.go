package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"conductor/internal/ipc"
)

func buildSessionStatusRows(stats map[string]int) [][]string {
	if len(stats) == 0 {
		return nil
	}
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{formatStatusLabel(key), fmt.Sprintf("%d", stats[key])})
	}
	return rows
}

func buildSessionListRows(items []ipc.SessionSummary) [][]string {
	if len(items) == 0 {
		return nil
	}
	sorted := make([]ipc.SessionSummary, len(items))
	copy(sorted, items)

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].SessionID > sorted[j].SessionID
		}
		return sorted[i].StartedAt.After(sorted[j].StartedAt)
	})

	rows := make([][]string, 0, len(sorted))
	for _, item := range sorted {
		status := formatStatusLabel(item.Status)
		if item.Unmatched {
			status += " (parked)"
		}
		rows = append(rows, []string{
			item.SessionID,
			sessionTitle(item),
			formatStatusLabel(item.Stage),
			status,
			formatDisplayTime(item.StartedAt),
		})
	}
	return rows
}

func sessionTitle(item ipc.SessionSummary) string {
	if label := strings.TrimSpace(item.Label); label != "" {
		return label
	}
	if capture := strings.TrimSpace(item.CaptureFile); capture != "" {
		return filepath.Base(capture)
	}
	return "-"
}

func formatStatusLabel(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	return cases.Title(language.Und).String(strings.ReplaceAll(status, "_", " "))
}

func formatDisplayTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func printSessionDetail(out io.Writer, summary ipc.SessionSummary) {
	writeField := func(label, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fmt.Fprintf(out, "%-12s %s\n", label+":", value)
	}

	writeField("Session", summary.SessionID)
	writeField("Label", summary.Label)
	writeField("Stage", formatStatusLabel(summary.Stage))
	writeField("Status", formatStatusLabel(summary.Status))
	writeField("Started", formatDisplayTime(summary.StartedAt))
	if summary.EndedAt != nil {
		writeField("Ended", formatDisplayTime(*summary.EndedAt))
	}
	if !summary.UpdatedAt.IsZero() {
		writeField("Updated", fmt.Sprintf("%s (%s)", formatDisplayTime(summary.UpdatedAt), humanize.Time(summary.UpdatedAt)))
	}
	writeField("Capture", summary.CaptureFile)
	writeField("Render", summary.RenderFile)
	if summary.RenderFile != "" {
		writeField("Offsets", fmt.Sprintf("s%d e%d", summary.StartOffsetSec, summary.EndOffsetSec))
	}
	if summary.Unmatched {
		reason := strings.TrimSpace(summary.ReviewReason)
		if reason == "" {
			reason = "awaiting review"
		}
		writeField("Parked", reason)
	}
	writeField("Error", summary.ErrorMessage)
	if summary.ProgressStage != "" {
		writeField("Progress", fmt.Sprintf("%s %.1f%% %s", formatStatusLabel(summary.ProgressStage), summary.ProgressPercent, summary.ProgressMessage))
	}

	if len(summary.Stages) > 0 {
		rows := make([][]string, 0, len(summary.Stages))
		for _, stage := range summary.Stages {
			rows = append(rows, []string{
				formatStatusLabel(stage.Name),
				formatStatusLabel(stage.Status),
				fmt.Sprintf("%d", stage.Attempts),
			})
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, renderTable([]string{"Stage", "Status", "Attempts"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight}))
		fmt.Fprintln(out)
	}

	if len(summary.Artifacts) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Artifacts:")
		for _, artifact := range summary.Artifacts {
			line := artifact.Path
			// Remote artifacts (upload URLs) will not stat; they print bare.
			if info, err := os.Stat(artifact.Path); err == nil && !info.IsDir() {
				line = fmt.Sprintf("%s (%s)", line, humanize.IBytes(uint64(info.Size())))
			}
			fmt.Fprintf(out, "  %-16s %s\n", formatStatusLabel(artifact.Stage)+":", line)
		}
	}
}
