package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/segments"
)

var _ segments.Scheduler = (*RecomputeQueue)(nil)

const (
	queueKey   = "segmentation:recompute:queue"
	pendingKey = "segmentation:recompute:pending"
)

// enqueueScript pushes a job only if the same segment is not already
// waiting. KEYS[1] queue, KEYS[2] pending set, ARGV[1] member, ARGV[2] job.
// List entries are "member\njob" so Pop can release the member even when the
// job does not decode.
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 1 then
	redis.call('LPUSH', KEYS[1], ARGV[1] .. '\n' .. ARGV[2])
	return 1
end
return 0
`)

// Job asks for the statistics of one segment to be recomputed.
type Job struct {
	StoreID    string    `json:"store_id"`
	SegmentID  uuid.UUID `json:"segment_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (j Job) member() string {
	return j.StoreID + "|" + j.SegmentID.String()
}

// RecomputeQueue is a FIFO of recompute jobs in a Redis list. A segment
// appears at most once among the waiting jobs.
type RecomputeQueue struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRecomputeQueue(client redis.UniversalClient) *RecomputeQueue {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	return &RecomputeQueue{client: client, now: time.Now}
}

// ScheduleRecompute enqueues a job for the segment unless one is already
// waiting.
func (q *RecomputeQueue) ScheduleRecompute(ctx context.Context, storeID string, id uuid.UUID) error {
	_, err := q.push(ctx, Job{StoreID: storeID, SegmentID: id, Attempt: 1, EnqueuedAt: q.now().UTC()})
	return err
}

// Requeue puts a failed job back with its attempt counter incremented. It
// reports false when a newer request for the segment is already waiting.
func (q *RecomputeQueue) Requeue(ctx context.Context, job Job) (bool, error) {
	job.Attempt++
	return q.push(ctx, job)
}

func (q *RecomputeQueue) push(ctx context.Context, job Job) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to encode recompute job: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.client, []string{queueKey, pendingKey}, job.member(), payload).Int()
	if err != nil {
		return false, apperrors.Infra("recompute_queue.push", err)
	}
	return added == 1, nil
}

// Pop blocks up to timeout for the oldest job. ok is false when the wait
// timed out with an empty queue.
func (q *RecomputeQueue) Pop(ctx context.Context, timeout time.Duration) (job Job, ok bool, err error) {
	res, err := q.client.BRPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, apperrors.Infra("recompute_queue.pop", err)
	}

	// res is [key, value]. The job JSON never holds a raw newline.
	entry := res[1]
	sep := strings.LastIndexByte(entry, '\n')
	if sep < 0 {
		return Job{}, false, fmt.Errorf("malformed recompute entry %q", entry)
	}
	member, payload := entry[:sep], entry[sep+1:]

	// Once popped, a new request for the segment must be able to enqueue again.
	if err := q.client.SRem(ctx, pendingKey, member).Err(); err != nil {
		return Job{}, false, apperrors.Infra("recompute_queue.pop", err)
	}
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return Job{}, false, fmt.Errorf("failed to decode recompute job %q: %w", payload, err)
	}
	return job, true, nil
}

// Len returns the number of waiting jobs.
func (q *RecomputeQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, apperrors.Infra("recompute_queue.len", err)
	}
	return n, nil
}
