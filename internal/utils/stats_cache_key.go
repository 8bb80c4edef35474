package utils

import "strings"

// BuildQueueStatsCacheKey is versioned so a shape change in the stats
// payload invalidates old entries.
func BuildQueueStatsCacheKey(queue string) string {
	return "queues:stats:v1:queue=" + strings.ToLower(strings.TrimSpace(queue))
}
