// Package worker implements the Worker (spec §4.H): a pool of
// goroutines that consume SessionJobData from the durable queue,
// validate it, and hand it to the Session Processor, applying retry
// backoff and stalled-entry recovery.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
	"github.com/nextlevelbuilder/chatrelay/internal/queue"
)

// Processor is the subset of the Session Processor the worker calls.
type Processor interface {
	Process(ctx context.Context, traceID string, job model.SessionJobData) error
}

// Config tunes the worker pool (spec §4.H, SPEC_FULL §3).
type Config struct {
	Concurrency     int
	ReadCount       int64
	BlockFor        time.Duration
	StalledInterval time.Duration
	MaxStalled      int
}

// DefaultConfig matches spec §4.H's stated defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		ReadCount:       10,
		BlockFor:        5 * time.Second,
		StalledInterval: queue.DefaultStalledInterval,
		MaxStalled:      queue.DefaultMaxStalled,
	}
}

// Pool runs Concurrency consumer goroutines plus one stalled-entry
// reaper against a queue.Queue.
type Pool struct {
	q         *queue.Queue
	proc      Processor
	cfg       Config
	name      string
	stalledOf map[string]int
	mu        sync.Mutex
}

// New builds a worker Pool. name identifies this process as a stream
// consumer (e.g. hostname-pid); each goroutine gets its own suffixed
// consumer name so pending entries can be attributed precisely.
func New(q *queue.Queue, proc Processor, cfg Config, name string) *Pool {
	if cfg.Concurrency <= 0 {
		cfg = DefaultConfig()
	}
	if name == "" {
		name = "worker-" + uuid.NewString()
	}
	return &Pool{q: q, proc: proc, cfg: cfg, name: name, stalledOf: make(map[string]int)}
}

// Run blocks until ctx is cancelled, consuming jobs with Concurrency
// goroutines and reaping stalled entries on StalledInterval.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.q.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("worker: ensure group: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", p.name, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consumeLoop(ctx, consumer)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	wg.Wait()
	return nil
}

func (p *Pool) consumeLoop(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := p.q.Read(ctx, consumer, p.cfg.ReadCount, p.cfg.BlockFor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("worker: read failed", "consumer", consumer, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, e := range entries {
			p.handle(ctx, e)
		}
	}
}

// reapLoop periodically autoclaims entries idle longer than
// StalledInterval, redelivering each to this pool's own consumer name
// at most MaxStalled times before dead-lettering it (spec §4.H).
func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StalledInterval)
	defer ticker.Stop()
	reaper := p.name + "-reaper"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := p.q.Reclaim(ctx, reaper, p.cfg.StalledInterval, p.cfg.ReadCount)
			if err != nil {
				slog.Warn("worker: reclaim failed", "error", err)
				continue
			}
			for _, e := range entries {
				if p.tooStalled(e) {
					if err := p.q.Fail(ctx, e, fmt.Errorf("worker: exceeded max stalled count")); err != nil {
						slog.Error("worker: dead-letter stalled entry failed", "error", err)
					}
					continue
				}
				p.handle(ctx, e)
			}
		}
	}
}

func (p *Pool) tooStalled(e queue.Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stalledOf[e.ID]++
	return p.stalledOf[e.ID] > p.cfg.MaxStalled
}

func (p *Pool) handle(ctx context.Context, e queue.Entry) {
	if !e.Job.Valid() {
		slog.Error("worker: dropping invalid job", "job", e.Job)
		if err := p.q.Fail(ctx, e, fmt.Errorf("worker: invalid job identifiers")); err != nil {
			slog.Error("worker: dead-letter invalid job failed", "error", err)
		}
		return
	}

	traceID := e.Job.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	err := p.proc.Process(ctx, traceID, e.Job)
	if err != nil {
		slog.Error("worker: process failed", "trace_id", traceID, "attempt", e.Attempt, "error", err)
		time.Sleep(p.q.BackoffFor(e.Attempt))
		if rerr := p.q.Retry(ctx, e, err); rerr != nil {
			slog.Error("worker: retry entry failed", "error", rerr)
		}
		return
	}

	if err := p.q.Ack(ctx, e.ID); err != nil {
		slog.Error("worker: ack failed", "trace_id", traceID, "error", err)
	}
	p.mu.Lock()
	delete(p.stalledOf, e.ID)
	p.mu.Unlock()
}
