package app

import "time"

const (
	timeout10s = 10 * time.Second
	timeout30s = 30 * time.Second
)

// secondsToDuration converts a plain integer-seconds config field (the
// env-var-friendly shape used throughout internal/platform/config) into
// a time.Duration.
func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
