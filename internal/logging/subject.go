package logging

import "strings"

// FormatSubject builds the session/stage subject string used in console output.
func FormatSubject(sessionID, stage string) string {
	sessionID = strings.TrimSpace(sessionID)
	stage = strings.TrimSpace(stage)
	switch {
	case sessionID != "" && stage != "":
		return "Session " + sessionID + " (" + stage + ")"
	case sessionID != "":
		return "Session " + sessionID
	case stage != "":
		return stage
	default:
		return ""
	}
}
