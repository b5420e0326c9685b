package controllers

import (
	"strconv"
	"time"
)

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// formatRetryAfter renders a guard TTL as whole seconds, rounded up so the
// client never retries inside the window.
func formatRetryAfter(d time.Duration) string {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
