package telephony

import "strings"

// NormalizeStatus maps a provider call status onto the session's status
// vocabulary. It reports false for values it does not recognize.
func NormalizeStatus(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated":
		return "queued", true
	case "ringing":
		return "ringing", true
	case "in-progress", "answered":
		return "in-progress", true
	case "completed":
		return "completed", true
	case "failed", "busy", "no-answer", "canceled":
		return "failed", true
	default:
		return "", false
	}
}
