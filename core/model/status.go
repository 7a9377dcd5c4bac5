package model

import "strings"

// StatusIndicatesCharging reports whether a raw status string signals an
// active charging session. Stations are not consistent about vocabulary, so
// the check is a case-insensitive substring match.
func StatusIndicatesCharging(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "charg") || strings.Contains(s, "inuse")
}

// StatusIndicatesIdle reports whether a raw status string signals that no
// charging session is in progress.
func StatusIndicatesIdle(status string) bool {
	switch strings.ToLower(status) {
	case "available", "unavailable", "faulted", "finishing":
		return true
	}
	return false
}
