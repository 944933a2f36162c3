package briefsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// allowedTransitions encodes the one-directional lifecycle. A failed job is
// terminal; retrying means issuing a new job under a new idempotency key.
// queued -> completed and queued -> failed are allowed deliberately: the
// worker protocol has no start operation, so a worker reports straight from
// queued. The running state exists for callers that do report it.
var allowedTransitions = map[JobState]map[JobState]bool{
	JobQueued:  {JobRunning: true, JobCompleted: true, JobFailed: true},
	JobRunning: {JobCompleted: true, JobFailed: true},
}

func (s JobState) CanTransitionTo(next JobState) bool {
	return allowedTransitions[s][next]
}

func ValidJobState(s string) bool {
	switch JobState(s) {
	case JobQueued, JobRunning, JobCompleted, JobFailed:
		return true
	}
	return false
}

type NodeAssignment struct {
	NodeName string `json:"nodeName"`
	Value    string `json:"value"`
}

type FrameRename struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

type ImageRef struct {
	URL    string `json:"url"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
}

// SyncJob is the unit of work handed to the pull-based worker. Field names
// are a compatibility surface: every field the worker consumes stays present
// once introduced, and new fields are additive and optional.
type SyncJob struct {
	ID                 string           `json:"id"`
	IdempotencyKey     string           `json:"idempotencyKey"`
	WorkItemID         string           `json:"workItemId"`
	BoardID            string           `json:"boardId"`
	BatchCanonical     string           `json:"batchCanonical"`
	TargetFileKey      string           `json:"targetFileKey,omitempty"`
	ExpectedTargetName string           `json:"expectedTargetName"`
	PageName           string           `json:"pageName"`
	BriefingPayload    map[string]any   `json:"briefingPayload,omitempty"`
	NodeMapping        []NodeAssignment `json:"nodeMapping,omitempty"`
	FrameRenames       []FrameRename    `json:"frameRenames,omitempty"`
	Images             []ImageRef       `json:"images,omitempty"`
	State              JobState         `json:"state"`
	CreatedAt          string           `json:"createdAt"`
	UpdatedAt          string           `json:"updatedAt"`
	ResultPageID       string           `json:"resultPageId,omitempty"`
	ResultFileURL      string           `json:"resultFileUrl,omitempty"`
	ErrorCode          string           `json:"errorCode,omitempty"`
}

func NewJobID() string {
	return "job_" + uuid.NewString()
}

// DedupeImages drops entries whose URL was already seen, preserving first
// occurrence order. Entries without a URL are dropped.
func DedupeImages(images []ImageRef) []ImageRef {
	if len(images) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(images))
	out := make([]ImageRef, 0, len(images))
	for _, image := range images {
		url := strings.TrimSpace(image.URL)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		image.URL = url
		out = append(out, image)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Briefing is the canonical shape a board item is mapped into before it
// reaches the orchestrator.
type Briefing struct {
	WorkItemID   string           `json:"workItemId"`
	Name         string           `json:"name"`
	Batch        string           `json:"batch"`
	Status       string           `json:"status"`
	EventTime    string           `json:"eventTime,omitempty"`
	Payload      map[string]any   `json:"payload,omitempty"`
	NodeMapping  []NodeAssignment `json:"nodeMapping,omitempty"`
	FrameRenames []FrameRename    `json:"frameRenames,omitempty"`
	Images       []ImageRef       `json:"images,omitempty"`
}

// BatchTarget is the routing resolver's answer for one batch label. It is a
// value object: recomputed on demand, never persisted.
type BatchTarget struct {
	CanonicalKey     string `json:"canonicalKey"`
	ExpectedFileName string `json:"expectedFileName"`
	BoardID          string `json:"boardId,omitempty"`
	FileKey          string `json:"fileKey,omitempty"`
}

type JobEvent struct {
	JobID          string   `json:"jobId"`
	IdempotencyKey string   `json:"idempotencyKey"`
	State          JobState `json:"state"`
	ErrorCode      string   `json:"errorCode,omitempty"`
	At             string   `json:"at"`
}

func nowStamp(now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}
