package briefsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type OutcomeStatus string

const (
	OutcomeCreated OutcomeStatus = "created"
	OutcomeQueued  OutcomeStatus = "queued"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome is what every queuing path returns: a machine-readable status, a
// message suitable for direct display, and the resolved target metadata.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	Message   string        `json:"message"`
	Job       *SyncJob      `json:"job,omitempty"`
	Target    *BatchTarget  `json:"target,omitempty"`
	ErrorCode FailureCode   `json:"errorCode,omitempty"`
}

// RemoteWriter is the capability gate for direct page creation. The design
// tool exposes no remote write API, so no deployment configures one and
// every real operation resolves to a queued job. If the capability ever
// ships, only the branch in CreateOrQueue that consults this interface
// changes; idempotency and store logic stay as they are.
type RemoteWriter interface {
	CreatePage(ctx context.Context, job SyncJob) (pageID string, fileURL string, err error)
}

type OrchestratorOptions struct {
	Store        *JobStore
	Resolver     *Resolver
	RemoteWriter RemoteWriter
	DryRun       bool
	Now          func() time.Time
}

type Orchestrator struct {
	store        *JobStore
	resolver     *Resolver
	remoteWriter RemoteWriter
	dryRun       bool
	now          func() time.Time
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:        opts.Store,
		resolver:     opts.Resolver,
		remoteWriter: opts.RemoteWriter,
		dryRun:       opts.DryRun,
		now:          now,
	}
}

type CreateOrQueueRequest struct {
	Briefing       Briefing
	BoardID        string
	IdempotencyKey string
	// FileKeyOverrides is the per-call override map consulted before any
	// other file-key resolution step.
	FileKeyOverrides map[string]string
	// ExtraImages are call-site additions merged and URL-deduplicated with
	// the briefing's own image references.
	ExtraImages []ImageRef
}

// CreateOrQueue is the decision engine. It never mutates the store on
// routing failure or dry run, and re-submission under a known key is an
// idempotent no-op, not a duplicate.
func (o *Orchestrator) CreateOrQueue(ctx context.Context, req CreateOrQueueRequest) (Outcome, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = BriefingSyncKey(req.Briefing.WorkItemID, req.Briefing.EventTime)
	}

	existing, err := o.store.GetJobByKey(key)
	if err == nil {
		if existing.State == JobCompleted {
			return Outcome{
				Status:  OutcomeSkipped,
				Message: fmt.Sprintf("briefing %q already synced (page %s)", existing.PageName, existing.ResultPageID),
				Job:     &existing,
			}, nil
		}
		return Outcome{
			Status:  OutcomeQueued,
			Message: fmt.Sprintf("briefing %q already queued", existing.PageName),
			Job:     &existing,
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Outcome{}, err
	}

	target := o.resolver.Resolve(ctx, req.Briefing.Batch, req.FileKeyOverrides)
	if target == nil {
		return Outcome{
			Status:    OutcomeFailed,
			Message:   fmt.Sprintf("could not parse batch label %q; fix the label on the board and re-trigger", req.Briefing.Batch),
			ErrorCode: FailureBatchUnparseable,
		}, nil
	}
	boardID := strings.TrimSpace(req.BoardID)
	if boardID == "" {
		boardID = target.BoardID
	}

	pageName := req.Briefing.Name
	if pageName == "" {
		pageName = req.Briefing.WorkItemID
	}
	job := SyncJob{
		ID:                 NewJobID(),
		IdempotencyKey:     key,
		WorkItemID:         req.Briefing.WorkItemID,
		BoardID:            boardID,
		BatchCanonical:     target.CanonicalKey,
		TargetFileKey:      target.FileKey,
		ExpectedTargetName: target.ExpectedFileName,
		PageName:           pageName,
		BriefingPayload:    req.Briefing.Payload,
		NodeMapping:        req.Briefing.NodeMapping,
		FrameRenames:       req.Briefing.FrameRenames,
		Images:             DedupeImages(append(append([]ImageRef{}, req.Briefing.Images...), req.ExtraImages...)),
	}

	if o.remoteWriter != nil {
		// Capability-gated direct write. Unreachable today: the design tool
		// only mutates documents through its sandboxed client plugin.
		pageID, fileURL, writeErr := o.remoteWriter.CreatePage(ctx, job)
		if writeErr == nil {
			job.State = JobCompleted
			job.ResultPageID = pageID
			job.ResultFileURL = fileURL
			return Outcome{
				Status:  OutcomeCreated,
				Message: fmt.Sprintf("page %q created directly in %s", job.PageName, target.ExpectedFileName),
				Job:     &job,
				Target:  target,
			}, nil
		}
	}

	if o.dryRun {
		return Outcome{
			Status:  OutcomeQueued,
			Message: fmt.Sprintf("dry run: would queue %q for %s", job.PageName, target.ExpectedFileName),
			Job:     &job,
			Target:  target,
		}, nil
	}

	stored, created, err := o.store.EnqueueJob(job)
	if err != nil {
		return Outcome{}, err
	}
	message := fmt.Sprintf("queued %q for %s; it will materialize next time the file is opened", stored.PageName, target.ExpectedFileName)
	if !created {
		message = fmt.Sprintf("briefing %q already queued", stored.PageName)
	}
	return Outcome{
		Status:  OutcomeQueued,
		Message: message,
		Job:     &stored,
		Target:  target,
	}, nil
}

// Retry re-runs the orchestrator for a failed job under a fresh idempotency
// key. The original job is never mutated.
func (o *Orchestrator) Retry(ctx context.Context, failed SyncJob, briefing Briefing) (Outcome, error) {
	if failed.State != JobFailed {
		return Outcome{}, fmt.Errorf("%w: retry requires a failed job, got %s", ErrInvalidState, failed.State)
	}
	return o.CreateOrQueue(ctx, CreateOrQueueRequest{
		Briefing:       briefing,
		BoardID:        failed.BoardID,
		IdempotencyKey: BriefingRetryKey(failed.WorkItemID, o.now()),
	})
}

type WorkItemRef struct {
	ItemID  string `json:"itemId"`
	BoardID string `json:"boardId,omitempty"`
}

type BulkResult struct {
	ItemID  string  `json:"itemId"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// BulkFetch loads and maps one work item for the bulk queue-now path.
type BulkFetch func(ctx context.Context, ref WorkItemRef) (Briefing, error)

const bulkConcurrency = 3

// QueueBulk fans out a caller-supplied item list with a fixed worker-pool
// cap, so a large manual batch cannot storm the board API. Each item's
// failure is captured in its own result and does not cancel siblings.
func (o *Orchestrator) QueueBulk(ctx context.Context, refs []WorkItemRef, fetch BulkFetch, concurrency int) []BulkResult {
	if concurrency <= 0 {
		concurrency = bulkConcurrency
	}
	results := make([]BulkResult, len(refs))
	work := make(chan int)
	var wg sync.WaitGroup
	for workerIdx := 0; workerIdx < concurrency; workerIdx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				results[i] = o.queueOne(ctx, refs[i], fetch)
			}
		}()
	}
	for i := range refs {
		work <- i
	}
	close(work)
	wg.Wait()
	return results
}

func (o *Orchestrator) queueOne(ctx context.Context, ref WorkItemRef, fetch BulkFetch) BulkResult {
	result := BulkResult{ItemID: ref.ItemID}
	briefing, err := fetch(ctx, ref)
	if err != nil {
		result.Error = err.Error()
		result.Outcome = Outcome{
			Status:    OutcomeFailed,
			Message:   "could not load work item: " + err.Error(),
			ErrorCode: ClassifyFailure(err.Error()),
		}
		return result
	}
	outcome, err := o.CreateOrQueue(ctx, CreateOrQueueRequest{Briefing: briefing, BoardID: ref.BoardID})
	if err != nil {
		result.Error = err.Error()
		result.Outcome = Outcome{
			Status:    OutcomeFailed,
			Message:   err.Error(),
			ErrorCode: ClassifyFailure(err.Error()),
		}
		return result
	}
	result.Outcome = outcome
	return result
}
