package briefsync

import (
	"fmt"
	"strings"
	"time"
)

// Tools sharing the job store prefix their keys with a tool name so that
// two tools can never collide on the same logical operation.
const (
	briefingTool  = "briefing"
	briefingScope = "monday"
)

// BuildKey constructs a namespaced idempotency key: "{tool}:{scope}:{payload}".
func BuildKey(tool, scope, payload string) string {
	return fmt.Sprintf("%s:%s:%s", tool, scope, payload)
}

// BriefingSyncKey derives the idempotency key for one status-change event of
// one work item. The same event re-delivered by the board's at-least-once
// webhook carries the same transition timestamp and collapses to one job; a
// later transition of the same item produces a distinct key.
func BriefingSyncKey(workItemID, transitionTimestamp string) string {
	ts := strings.TrimSpace(transitionTimestamp)
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	return BuildKey(briefingTool, briefingScope, strings.TrimSpace(workItemID)+":"+ts)
}

// BriefingRetryKey issues a fresh key for an explicit retry of a failed job.
// The suffix keeps it from colliding with the original. Second resolution is
// intentional: double-submitted retries of the same item inside one second
// share a key and collapse to one job.
func BriefingRetryKey(workItemID string, at time.Time) string {
	return BuildKey(briefingTool, briefingScope,
		fmt.Sprintf("%s:retry-%d", strings.TrimSpace(workItemID), at.UTC().Unix()))
}
