package briefsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	keyPrefix      = "briefsync"
	recentJobsMax  = 1000
	defaultListCap = 100
)

func jobKey(id string) string          { return keyPrefix + ":job:" + id }
func idemKey(key string) string        { return keyPrefix + ":idem:" + key }
func stateIndexKey(s JobState) string  { return keyPrefix + ":jobs:state:" + string(s) }
func fileIndexKey(file string) string  { return keyPrefix + ":jobs:file:" + file }
func batchIndexKey(batch string) string { return keyPrefix + ":jobs:batch:" + batch }
func recentJobsKey() string            { return keyPrefix + ":jobs:recent" }

type BackendStatus struct {
	StoreBackend string `json:"storeBackend"`
	Degraded     bool   `json:"degraded"`
}

// JobStore persists SyncJobs and their secondary indexes (by state, by
// target file, by batch) on top of the KV primitive surface. It is backend
// agnostic: the same code path serves the managed backend and the in-memory
// fallback.
type JobStore struct {
	kv  KV
	now func() time.Time

	subMu       sync.Mutex
	subscribers map[int]chan JobEvent
	nextSubID   int
}

func NewJobStore(kv KV) *JobStore {
	return &JobStore{
		kv:          kv,
		now:         time.Now,
		subscribers: map[int]chan JobEvent{},
	}
}

func (s *JobStore) BackendStatus() BackendStatus {
	name := s.kv.Name()
	return BackendStatus{StoreBackend: name, Degraded: name == "memory"}
}

// Subscribe returns a channel of job lifecycle events and a cancel func.
// Slow subscribers drop events rather than blocking store writes.
func (s *JobStore) Subscribe(buffer int) (<-chan JobEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan JobEvent, buffer)
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *JobStore) notify(job SyncJob) {
	event := JobEvent{
		JobID:          job.ID,
		IdempotencyKey: job.IdempotencyKey,
		State:          job.State,
		ErrorCode:      job.ErrorCode,
		At:             job.UpdatedAt,
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// EnqueueJob persists a new queued job unless its idempotency key is already
// claimed, in which case the existing job is returned and created is false.
// The claim is written before the job blob so two concurrent enqueues for
// the same key collapse to one job on both backends.
func (s *JobStore) EnqueueJob(job SyncJob) (SyncJob, bool, error) {
	if strings.TrimSpace(job.IdempotencyKey) == "" {
		return SyncJob{}, false, fmt.Errorf("%w: idempotency key required", ErrInvalidInput)
	}
	if job.ID == "" {
		job.ID = NewJobID()
	}
	stamp := nowStamp(s.now)
	if job.CreatedAt == "" {
		job.CreatedAt = stamp
	}
	job.UpdatedAt = stamp
	job.State = JobQueued
	job.Images = DedupeImages(job.Images)

	claimed, err := s.kv.SetNX(idemKey(job.IdempotencyKey), job.ID)
	if err != nil {
		return SyncJob{}, false, err
	}
	if !claimed {
		existing, err := s.GetJobByKey(job.IdempotencyKey)
		if err != nil {
			return SyncJob{}, false, err
		}
		return existing, false, nil
	}

	if err := s.persistNewJob(job); err != nil {
		// Release the claim so a redelivery can queue the event once the
		// backend recovers; a claim pointing at a job that was never
		// written would wedge the key forever.
		_ = s.kv.Del(idemKey(job.IdempotencyKey))
		return SyncJob{}, false, err
	}
	s.notify(job)
	return job, true, nil
}

func (s *JobStore) persistNewJob(job SyncJob) error {
	if err := s.writeJob(job); err != nil {
		return err
	}
	createdAt, parseErr := time.Parse(time.RFC3339Nano, job.CreatedAt)
	if parseErr != nil {
		createdAt = s.now()
	}
	if err := s.kv.ZAdd(stateIndexKey(JobQueued), float64(createdAt.UnixNano()), job.ID); err != nil {
		return err
	}
	if job.TargetFileKey != "" {
		if err := s.kv.SAdd(fileIndexKey(job.TargetFileKey), job.ID); err != nil {
			return err
		}
	}
	if job.BatchCanonical != "" {
		if err := s.kv.SAdd(batchIndexKey(job.BatchCanonical), job.ID); err != nil {
			return err
		}
	}
	if err := s.kv.LPush(recentJobsKey(), job.ID); err != nil {
		return err
	}
	return s.kv.LTrim(recentJobsKey(), 0, recentJobsMax-1)
}

func (s *JobStore) GetJob(id string) (SyncJob, error) {
	raw, ok, err := s.kv.Get(jobKey(id))
	if err != nil {
		return SyncJob{}, err
	}
	if !ok {
		return SyncJob{}, ErrNotFound
	}
	var job SyncJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return SyncJob{}, err
	}
	return job, nil
}

func (s *JobStore) GetJobByKey(idempotencyKey string) (SyncJob, error) {
	id, ok, err := s.kv.Get(idemKey(idempotencyKey))
	if err != nil {
		return SyncJob{}, err
	}
	if !ok {
		return SyncJob{}, ErrNotFound
	}
	return s.GetJob(id)
}

func (s *JobStore) ListByState(state JobState, limit int) ([]SyncJob, error) {
	if limit <= 0 {
		limit = defaultListCap
	}
	ids, err := s.kv.ZRange(stateIndexKey(state), 0, limit-1)
	if err != nil {
		return nil, err
	}
	return s.loadJobs(ids, func(job SyncJob) bool { return job.State == state })
}

func (s *JobStore) ListByTargetFile(fileKey string, limit int) ([]SyncJob, error) {
	if limit <= 0 {
		limit = defaultListCap
	}
	ids, err := s.kv.SMembers(fileIndexKey(fileKey))
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return s.loadJobs(ids, nil)
}

func (s *JobStore) ListByBatch(batch string, limit int) ([]SyncJob, error) {
	if limit <= 0 {
		limit = defaultListCap
	}
	ids, err := s.kv.SMembers(batchIndexKey(batch))
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return s.loadJobs(ids, nil)
}

// ListRecent returns the most recently enqueued jobs regardless of state.
func (s *JobStore) ListRecent(limit int) ([]SyncJob, error) {
	if limit <= 0 {
		limit = defaultListCap
	}
	ids, err := s.kv.LRange(recentJobsKey(), 0, limit-1)
	if err != nil {
		return nil, err
	}
	return s.loadJobs(ids, nil)
}

func (s *JobStore) Stats() (map[JobState]int, error) {
	stats := map[JobState]int{}
	for _, state := range []JobState{JobQueued, JobRunning, JobCompleted, JobFailed} {
		count, err := s.kv.ZCard(stateIndexKey(state))
		if err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, nil
}

// JobPatch carries the result fields written alongside a state transition.
type JobPatch struct {
	ResultPageID  string
	ResultFileURL string
	ErrorCode     string
}

// UpdateState performs one validated state transition plus field update.
func (s *JobStore) UpdateState(id string, next JobState, patch JobPatch) (SyncJob, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return SyncJob{}, err
	}
	if !job.State.CanTransitionTo(next) {
		return SyncJob{}, fmt.Errorf("%w: %s -> %s", ErrInvalidState, job.State, next)
	}
	previous := job.State
	job.State = next
	job.UpdatedAt = nowStamp(s.now)
	if patch.ResultPageID != "" {
		job.ResultPageID = patch.ResultPageID
	}
	if patch.ResultFileURL != "" {
		job.ResultFileURL = patch.ResultFileURL
	}
	if patch.ErrorCode != "" {
		job.ErrorCode = patch.ErrorCode
	}
	if err := s.writeJob(job); err != nil {
		return SyncJob{}, err
	}
	if err := s.kv.ZRem(stateIndexKey(previous), job.ID); err != nil {
		return SyncJob{}, err
	}
	updatedAt, parseErr := time.Parse(time.RFC3339Nano, job.UpdatedAt)
	if parseErr != nil {
		updatedAt = s.now()
	}
	if err := s.kv.ZAdd(stateIndexKey(next), float64(updatedAt.UnixNano()), job.ID); err != nil {
		return SyncJob{}, err
	}
	s.notify(job)
	return job, nil
}

// CompleteByKey resolves the job by idempotency key (the only identity the
// worker learned) and marks it completed.
func (s *JobStore) CompleteByKey(idempotencyKey, resultPageID, resultFileURL string) (SyncJob, error) {
	job, err := s.GetJobByKey(idempotencyKey)
	if err != nil {
		return SyncJob{}, err
	}
	return s.UpdateState(job.ID, JobCompleted, JobPatch{
		ResultPageID:  resultPageID,
		ResultFileURL: resultFileURL,
	})
}

// FailByKey marks the job failed with the worker-reported error code. The
// failure is terminal for this job; a retry is a new job under a new key.
func (s *JobStore) FailByKey(idempotencyKey, errorCode string) (SyncJob, error) {
	job, err := s.GetJobByKey(idempotencyKey)
	if err != nil {
		return SyncJob{}, err
	}
	if errorCode == "" {
		errorCode = string(FailureUnknown)
	}
	return s.UpdateState(job.ID, JobFailed, JobPatch{ErrorCode: errorCode})
}

func (s *JobStore) writeJob(job SyncJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.kv.Set(jobKey(job.ID), string(raw))
}

func (s *JobStore) loadJobs(ids []string, keep func(SyncJob) bool) ([]SyncJob, error) {
	jobs := make([]SyncJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if keep != nil && !keep(job) {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
