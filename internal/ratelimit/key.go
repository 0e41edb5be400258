package ratelimit

import (
	"fmt"
	"time"
)

// windowKey builds a fixed-window counter key. Embedding the window
// start rotates the key every window, so expired windows reset by key
// rotation rather than by explicit deletion.
func windowKey(scope, id string, windowStart time.Time) string {
	if id == "" {
		return fmt.Sprintf("%s:%d", scope, windowStart.Unix())
	}
	return fmt.Sprintf("%s:%s:%d", scope, id, windowStart.Unix())
}

// violationKey tracks rate-limit violations per client IP.
func violationKey(ip string) string {
	return "violations:" + ip
}

// denyKey marks a client IP as deny-listed.
func denyKey(ip string) string {
	return "deny:" + ip
}
