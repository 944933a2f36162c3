package briefsync

import (
	"strings"
	"testing"
	"time"
)

func TestBuildKey(t *testing.T) {
	got := BuildKey("briefing", "monday", "W-1:2026-03-01T00:00:00Z")
	if got != "briefing:monday:W-1:2026-03-01T00:00:00Z" {
		t.Fatalf("BuildKey = %q", got)
	}
}

func TestBriefingSyncKeyIsStablePerTransition(t *testing.T) {
	a := BriefingSyncKey("W-1", "2026-03-01T00:00:00Z")
	b := BriefingSyncKey("W-1", "2026-03-01T00:00:00Z")
	if a != b {
		t.Fatalf("same transition produced different keys: %q vs %q", a, b)
	}
	if a != "briefing:monday:W-1:2026-03-01T00:00:00Z" {
		t.Fatalf("unexpected key %q", a)
	}
	later := BriefingSyncKey("W-1", "2026-03-02T00:00:00Z")
	if later == a {
		t.Fatal("distinct transitions must produce distinct keys")
	}
}

func TestBriefingSyncKeyDefaultsTimestamp(t *testing.T) {
	key := BriefingSyncKey("W-1", "")
	if !strings.HasPrefix(key, "briefing:monday:W-1:") {
		t.Fatalf("unexpected key %q", key)
	}
	if strings.HasSuffix(key, ":") {
		t.Fatalf("missing generated timestamp in %q", key)
	}
}

func TestBriefingRetryKeyNeverCollidesWithOriginal(t *testing.T) {
	at := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	retry := BriefingRetryKey("W-1", at)
	if retry != "briefing:monday:W-1:retry-1772712000" {
		t.Fatalf("unexpected retry key %q", retry)
	}
	original := BriefingSyncKey("W-1", "2026-03-05T12:00:00Z")
	if retry == original {
		t.Fatal("retry key collided with original")
	}
}
