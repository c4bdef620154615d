package jobengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	pendingKey   = "jobs:pending"
	completedKey = "jobs:completed"
	jobKeyPrefix = "jobs:job:"

	// Completed jobs retained for wait-time/rate stats.
	maxCompleted = 100
	jobDataTTL   = time.Hour

	// Priority bands are 1e12 wide in the pending ZSET score, leaving the
	// band free for a millisecond tiebreak relative to engineEpoch.
	priorityBand = 1e12
)

// engineEpoch anchors the score tiebreak so it stays well inside a band.
var engineEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Job is the engine's unit of work. Payload is opaque to the engine.
type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Payload     string    `json:"payload"`
	Priority    int       `json:"priority"`
	LIFO        bool      `json:"lifo"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	WaitMs      int64     `json:"wait_ms"`
	Error       string    `json:"error,omitempty"`
}

// SubmitOptions tunes a single submission. A zero Priority means 50.
type SubmitOptions struct {
	Priority int
	LIFO     bool
	JobID    string
}

// Engine is a Redis-backed priority-ordered job queue. Lower priority values
// are served first; within a priority band jobs are FIFO unless submitted
// LIFO. Claiming is atomic via ZPOPMIN, so concurrent workers never double
// claim.
type Engine struct {
	rdb *redis.Client
	now func() time.Time
}

func NewEngine(rdb *redis.Client) *Engine {
	return &Engine{rdb: rdb, now: time.Now}
}

// Submit registers a job and places it in the pending queue.
func (e *Engine) Submit(ctx context.Context, jobType, payload string, opts SubmitOptions) (*Job, error) {
	if opts.Priority <= 0 {
		opts.Priority = 50
	}
	id := opts.JobID
	if id == "" {
		id = ulid.Make().String()
	}

	job := &Job{
		ID:          id,
		Type:        jobType,
		Payload:     payload,
		Priority:    opts.Priority,
		LIFO:        opts.LIFO,
		Status:      StatusPending,
		SubmittedAt: e.now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := e.rdb.TxPipeline()
	pipe.Set(ctx, jobKeyPrefix+id, raw, 0)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: e.score(job), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}
	return job, nil
}

func (e *Engine) score(job *Job) float64 {
	tie := float64(job.SubmittedAt.Sub(engineEpoch).Milliseconds())
	if job.LIFO {
		tie = priorityBand - tie
	}
	return float64(job.Priority)*priorityBand + tie
}

// Next claims the highest-urgency pending job, marking it active and
// recording its queue wait. Returns nil when the queue is empty.
func (e *Engine) Next(ctx context.Context) (*Job, error) {
	popped, err := e.rdb.ZPopMin(ctx, pendingKey, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	id, _ := popped[0].Member.(string)
	job, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = StatusActive
	job.StartedAt = e.now()
	job.WaitMs = job.StartedAt.Sub(job.SubmittedAt).Milliseconds()
	if err := e.save(ctx, job, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete records a finished job into the bounded completion sample.
func (e *Engine) Complete(ctx context.Context, job *Job) error {
	job.Status = StatusCompleted
	job.CompletedAt = e.now()
	if err := e.save(ctx, job, jobDataTTL); err != nil {
		return err
	}

	pipe := e.rdb.TxPipeline()
	pipe.ZAdd(ctx, completedKey, redis.Z{
		Score:  float64(job.CompletedAt.UnixMilli()),
		Member: job.ID,
	})
	pipe.ZRemRangeByRank(ctx, completedKey, 0, int64(-(maxCompleted + 1)))
	_, err := pipe.Exec(ctx)
	return err
}

// Fail marks a job permanently failed. Failed jobs are excluded from the
// completion-rate sample.
func (e *Engine) Fail(ctx context.Context, job *Job, cause error) error {
	job.Status = StatusFailed
	job.CompletedAt = e.now()
	if cause != nil {
		job.Error = cause.Error()
	}
	return e.save(ctx, job, jobDataTTL)
}

// Remove drops a job if it is still pending. The bool reports whether the
// job was actually waiting.
func (e *Engine) Remove(ctx context.Context, jobID string) (bool, error) {
	removed, err := e.rdb.ZRem(ctx, pendingKey, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove job: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := e.rdb.Del(ctx, jobKeyPrefix+jobID).Err(); err != nil {
		return true, err
	}
	return true, nil
}

// Get loads a job by ID regardless of its state.
func (e *Engine) Get(ctx context.Context, jobID string) (*Job, error) {
	return e.load(ctx, jobID)
}

// ListPending returns all waiting jobs in service order.
func (e *Engine) ListPending(ctx context.Context) ([]*Job, error) {
	ids, err := e.rdb.ZRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := e.load(ctx, id)
		if err != nil {
			continue // expired data under a still-listed ID
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ListCompleted returns up to n recently completed jobs, newest first.
func (e *Engine) ListCompleted(ctx context.Context, n int) ([]*Job, error) {
	if n <= 0 {
		n = maxCompleted
	}
	ids, err := e.rdb.ZRevRange(ctx, completedKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list completed jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := e.load(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PendingCount reports the number of waiting jobs.
func (e *Engine) PendingCount(ctx context.Context) (int64, error) {
	return e.rdb.ZCard(ctx, pendingKey).Result()
}

// CompletedSince counts completions after the given instant.
func (e *Engine) CompletedSince(ctx context.Context, since time.Time) (int64, error) {
	return e.rdb.ZCount(ctx, completedKey,
		strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
}

func (e *Engine) load(ctx context.Context, id string) (*Job, error) {
	raw, err := e.rdb.Get(ctx, jobKeyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s not found", id)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("job %s corrupt: %w", id, err)
	}
	return &job, nil
}

func (e *Engine) save(ctx context.Context, job *Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := e.rdb.Set(ctx, jobKeyPrefix+job.ID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}
