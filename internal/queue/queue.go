// Package queue implements the Worker's durable job transport (spec
// §4.H): a Redis Stream carrying SessionJobData, read through a
// consumer group so that a crashed worker's in-flight entries can be
// reclaimed by another, with retry/backoff and a dead-letter limit.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

// Defaults mirror spec §4.H's stated worker policy.
const (
	DefaultMaxAttempts     = 3
	DefaultBaseBackoff     = time.Second
	DefaultStalledInterval = 30 * time.Second
	DefaultMaxStalled      = 1
	DefaultKeepFailed      = 100
)

// Entry is one delivery popped off the stream: the decoded job plus the
// stream id needed to Ack or Fail it. Attempt is the 1-indexed delivery
// count, carried in the stream payload itself so it survives the
// ack-and-re-add cycle Retry uses for application-level backoff (as
// opposed to Redis's own per-message delivery counter, which only
// tracks stalled-consumer redelivery of the *same* stream id).
type Entry struct {
	ID      string
	Job     model.SessionJobData
	Attempt int
}

// Queue is a Redis Streams-backed durable job queue.
type Queue struct {
	rdb         redis.UniversalClient
	stream      string
	group       string
	maxAttempts int
	baseBackoff time.Duration
	keepFailed  int
	deadStream  string
}

// Option configures a Queue.
type Option func(*Queue)

func WithMaxAttempts(n int) Option           { return func(q *Queue) { q.maxAttempts = n } }
func WithBaseBackoff(d time.Duration) Option { return func(q *Queue) { q.baseBackoff = d } }
func WithKeepFailed(n int) Option            { return func(q *Queue) { q.keepFailed = n } }

// New creates a Queue over stream, using group as its consumer group
// name. The group is created idempotently on first use.
func New(rdb redis.UniversalClient, stream, group string, opts ...Option) *Queue {
	q := &Queue{
		rdb:         rdb,
		stream:      stream,
		group:       group,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBaseBackoff,
		keepFailed:  DefaultKeepFailed,
		deadStream:  stream + ":dead",
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// EnsureGroup creates the consumer group at the stream's tail if it does
// not already exist. Call once at worker startup.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("queue: create consumer group: %w", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Enqueue appends job to the stream (spec §4.H: enqueued once per
// AppendAndRequestJob success, spec §4.A).
func (q *Queue) Enqueue(ctx context.Context, job model.SessionJobData) error {
	return q.add(ctx, job, 1)
}

func (q *Queue) add(ctx context.Context, job model.SessionJobData, attempt int) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"job": string(data), "attempt": attempt},
	}).Err()
}

// Read blocks up to block for new entries assigned to consumer, falling
// back to nothing (an empty slice, nil error) on timeout.
func (q *Queue) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: read group: %w", err)
	}
	return decodeEntries(res)
}

// Reclaim autoclaims entries idle longer than minIdle, implementing
// spec §4.H's stalled-job recovery (stalled interval 30s, maxStalled 1:
// the caller counts reclaims per entry id and dead-letters an entry
// reclaimed more than maxStalled times instead of processing it again).
func (q *Queue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: autoclaim: %w", err)
	}
	return decodeEntries(map[string][]redis.XMessage{q.stream: msgs})
}

func decodeEntries(streams interface{}) ([]Entry, error) {
	var res []redis.XStream
	switch v := streams.(type) {
	case []redis.XStream:
		res = v
	case map[string][]redis.XMessage:
		for stream, msgs := range v {
			res = append(res, redis.XStream{Stream: stream, Messages: msgs})
		}
	}
	var out []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["job"].(string)
			if !ok {
				continue
			}
			var job model.SessionJobData
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				continue
			}
			attempt := 1
			switch v := msg.Values["attempt"].(type) {
			case string:
				if n, err := strconv.Atoi(v); err == nil {
					attempt = n
				}
			case int64:
				attempt = int(v)
			}
			out = append(out, Entry{ID: msg.ID, Job: job, Attempt: attempt})
		}
	}
	return out, nil
}

// Ack acknowledges successful processing of id, removing it from the
// consumer group's pending entries list.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.rdb.XAck(ctx, q.stream, q.group, id).Err()
}

// Retry acks entry (it will never be reclaimed again) and either
// re-enqueues the same job with its attempt counter incremented, or, if
// entry.Attempt has exhausted maxAttempts, dead-letters it (spec §4.H:
// "three attempts with exponential backoff"). The caller is expected to
// have already slept BackoffFor(entry.Attempt) before calling Retry, so
// the next delivery is naturally throttled.
func (q *Queue) Retry(ctx context.Context, entry Entry, cause error) error {
	if err := q.Ack(ctx, entry.ID); err != nil {
		return fmt.Errorf("queue: ack retried entry: %w", err)
	}
	if entry.Attempt < q.maxAttempts {
		if err := q.add(ctx, entry.Job, entry.Attempt+1); err != nil {
			return fmt.Errorf("queue: re-enqueue retry: %w", err)
		}
		return nil
	}
	return q.deadLetter(ctx, entry, cause)
}

// Fail acks entry and dead-letters it unconditionally, skipping any
// further retry. The worker uses it for jobs that fail identifier
// validation and for a reclaimed stalled entry that has already exceeded
// MaxStalled redeliveries (spec §4.H).
func (q *Queue) Fail(ctx context.Context, entry Entry, cause error) error {
	if err := q.Ack(ctx, entry.ID); err != nil {
		return fmt.Errorf("queue: ack failed entry: %w", err)
	}
	return q.deadLetter(ctx, entry, cause)
}

func (q *Queue) deadLetter(ctx context.Context, entry Entry, cause error) error {
	data, err := json.Marshal(entry.Job)
	if err != nil {
		return fmt.Errorf("queue: marshal dead entry: %w", err)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadStream,
		MaxLen: int64(q.keepFailed),
		Approx: true,
		Values: map[string]interface{}{"job": string(data), "reason": reason, "id": uuid.NewString()},
	}).Err(); err != nil {
		return fmt.Errorf("queue: append dead letter: %w", err)
	}
	return nil
}

// BackoffFor returns the exponential backoff delay before retrying an
// entry at the given attempt number (1-indexed), base*2^(attempt-1)
// (spec §4.H: "base 1s").
func (q *Queue) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
