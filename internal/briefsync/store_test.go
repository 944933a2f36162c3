package briefsync

import (
	"errors"
	"testing"
	"time"
)

func newTestStore() *JobStore {
	return NewJobStore(NewMemoryKV())
}

// flakySetKV fails the first N Set calls, simulating a backend outage that
// starts after the idempotency claim succeeded.
type flakySetKV struct {
	*MemoryKV
	setFailures int
}

func (f *flakySetKV) Set(key, value string) error {
	if f.setFailures > 0 {
		f.setFailures--
		return errTemporarilyDown
	}
	return f.MemoryKV.Set(key, value)
}

var errTemporarilyDown = errors.New("backend temporarily down")

func testJob(key string) SyncJob {
	return SyncJob{
		IdempotencyKey:     key,
		WorkItemID:         "W-1",
		BoardID:            "board-1",
		BatchCanonical:     "2026-03",
		TargetFileKey:      "file-1",
		ExpectedTargetName: "MARCH 2026 - Experiment Briefings",
		PageName:           "Checkout copy test",
	}
}

func TestEnqueueJobIsIdempotent(t *testing.T) {
	store := newTestStore()

	first, created, err := store.EnqueueJob(testJob("briefing:monday:W-1:T1"))
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if !created {
		t.Fatal("first enqueue should create")
	}
	if first.State != JobQueued || first.ID == "" || first.CreatedAt == "" {
		t.Fatalf("unexpected stored job %+v", first)
	}

	second, created, err := store.EnqueueJob(testJob("briefing:monday:W-1:T1"))
	if err != nil {
		t.Fatalf("second EnqueueJob: %v", err)
	}
	if created {
		t.Fatal("second enqueue must not create")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate enqueue produced a second job: %s vs %s", second.ID, first.ID)
	}

	queued, err := store.ListByState(JobQueued, 0)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("queued jobs = %d, want 1", len(queued))
	}
}

func TestEnqueueJobReleasesClaimWhenWriteFails(t *testing.T) {
	kv := &flakySetKV{MemoryKV: NewMemoryKV(), setFailures: 1}
	store := NewJobStore(kv)

	if _, _, err := store.EnqueueJob(testJob("k-flaky")); !errors.Is(err, errTemporarilyDown) {
		t.Fatalf("first enqueue err = %v, want the backend error", err)
	}
	// The key must not be left pointing at a job that was never written.
	if _, err := store.GetJobByKey("k-flaky"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("claim survived the failed write: %v", err)
	}

	// Once the backend recovers, a redelivery queues the event normally.
	job, created, err := store.EnqueueJob(testJob("k-flaky"))
	if err != nil {
		t.Fatalf("enqueue after recovery: %v", err)
	}
	if !created || job.State != JobQueued {
		t.Fatalf("recovered enqueue = %+v created=%v", job, created)
	}
	queued, _ := store.ListByState(JobQueued, 0)
	if len(queued) != 1 {
		t.Fatalf("queued jobs = %d", len(queued))
	}
}

func TestEnqueueJobRequiresKey(t *testing.T) {
	store := newTestStore()
	_, _, err := store.EnqueueJob(SyncJob{WorkItemID: "W-1"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestListingsAndIndexes(t *testing.T) {
	store := newTestStore()
	jobA := testJob("k-a")
	jobB := testJob("k-b")
	jobB.TargetFileKey = "file-2"
	jobB.BatchCanonical = "2026-04"

	if _, _, err := store.EnqueueJob(jobA); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, _, err := store.EnqueueJob(jobB); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	byFile, err := store.ListByTargetFile("file-1", 0)
	if err != nil || len(byFile) != 1 || byFile[0].IdempotencyKey != "k-a" {
		t.Fatalf("ListByTargetFile = %+v, %v", byFile, err)
	}
	byBatch, err := store.ListByBatch("2026-04", 0)
	if err != nil || len(byBatch) != 1 || byBatch[0].IdempotencyKey != "k-b" {
		t.Fatalf("ListByBatch = %+v, %v", byBatch, err)
	}
	recent, err := store.ListRecent(10)
	if err != nil || len(recent) != 2 {
		t.Fatalf("ListRecent = %d jobs, %v", len(recent), err)
	}
	// Recency: last enqueued first.
	if recent[0].IdempotencyKey != "k-b" {
		t.Fatalf("recent[0] = %q", recent[0].IdempotencyKey)
	}
}

func TestUpdateStateEnforcesLifecycle(t *testing.T) {
	store := newTestStore()
	job, _, err := store.EnqueueJob(testJob("k-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	running, err := store.UpdateState(job.ID, JobRunning, JobPatch{})
	if err != nil || running.State != JobRunning {
		t.Fatalf("queued->running: %+v, %v", running, err)
	}
	done, err := store.UpdateState(job.ID, JobCompleted, JobPatch{ResultPageID: "page-9"})
	if err != nil || done.State != JobCompleted || done.ResultPageID != "page-9" {
		t.Fatalf("running->completed: %+v, %v", done, err)
	}

	if _, err := store.UpdateState(job.ID, JobRunning, JobPatch{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("completed->running err = %v, want ErrInvalidState", err)
	}
	if _, err := store.UpdateState(job.ID, JobQueued, JobPatch{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("completed->queued err = %v, want ErrInvalidState", err)
	}
	if _, err := store.UpdateState("job_missing", JobRunning, JobPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing job err = %v, want ErrNotFound", err)
	}
}

func TestCompleteByKeyMovesJobOutOfQueuedListing(t *testing.T) {
	store := newTestStore()
	if _, _, err := store.EnqueueJob(testJob("k-done")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := store.CompleteByKey("k-done", "page-1", "https://design.example/file-1")
	if err != nil {
		t.Fatalf("CompleteByKey: %v", err)
	}
	if job.State != JobCompleted || job.ResultPageID != "page-1" || job.ResultFileURL != "https://design.example/file-1" {
		t.Fatalf("completed job %+v", job)
	}

	queued, _ := store.ListByState(JobQueued, 0)
	if len(queued) != 0 {
		t.Fatalf("queued listing still has %d jobs", len(queued))
	}
	completed, _ := store.ListByState(JobCompleted, 0)
	if len(completed) != 1 {
		t.Fatalf("completed listing has %d jobs", len(completed))
	}

	if _, err := store.CompleteByKey("k-unknown", "page-2", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown key err = %v, want ErrNotFound", err)
	}
}

func TestFailByKeyDefaultsErrorCode(t *testing.T) {
	store := newTestStore()
	if _, _, err := store.EnqueueJob(testJob("k-fail")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := store.FailByKey("k-fail", "")
	if err != nil {
		t.Fatalf("FailByKey: %v", err)
	}
	if job.State != JobFailed || job.ErrorCode != string(FailureUnknown) {
		t.Fatalf("failed job %+v", job)
	}
	// Failure is terminal for this job.
	if _, err := store.UpdateState(job.ID, JobQueued, JobPatch{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("failed->queued err = %v, want ErrInvalidState", err)
	}
}

func TestStatsCountsByState(t *testing.T) {
	store := newTestStore()
	_, _, _ = store.EnqueueJob(testJob("k-1"))
	_, _, _ = store.EnqueueJob(testJob("k-2"))
	if _, err := store.FailByKey("k-2", "transient"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[JobQueued] != 1 || stats[JobFailed] != 1 || stats[JobCompleted] != 0 || stats[JobRunning] != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	store := newTestStore()
	events, cancel := store.Subscribe(8)
	defer cancel()

	job, _, err := store.EnqueueJob(testJob("k-events"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.CompleteByKey("k-events", "page-1", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	first := waitEvent(t, events)
	if first.JobID != job.ID || first.State != JobQueued {
		t.Fatalf("first event %+v", first)
	}
	second := waitEvent(t, events)
	if second.State != JobCompleted {
		t.Fatalf("second event %+v", second)
	}

	cancel()
	// A canceled subscription no longer receives events.
	if _, _, err := store.EnqueueJob(testJob("k-after-cancel")); err != nil {
		t.Fatalf("enqueue after cancel: %v", err)
	}
	select {
	case event := <-events:
		if event.IdempotencyKey == "k-after-cancel" {
			t.Fatal("received event after cancel")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func waitEvent(t *testing.T, events <-chan JobEvent) JobEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job event")
		return JobEvent{}
	}
}
