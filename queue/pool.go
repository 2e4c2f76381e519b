package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one job. The returned value is stored as the job result.
type Handler func(ctx context.Context, job *Job) (any, error)

type PoolConfig struct {
	Concurrency   int
	PollInterval  time.Duration
	StalledCheck  time.Duration
	PostponeDelay time.Duration
}

// Pool runs a fixed number of workers against a queue. Jobs sharing a key
// never run at the same time: a worker that finds the key locked postpones
// the job instead.
type Pool struct {
	queue   *Queue
	locker  *Locker
	handler Handler
	cfg     PoolConfig
	logger  *slog.Logger
}

func NewPool(q *Queue, locker *Locker, handler Handler, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StalledCheck <= 0 {
		cfg.StalledCheck = q.opts.LockDuration
	}
	if cfg.PostponeDelay <= 0 {
		cfg.PostponeDelay = 5 * time.Second
	}
	return &Pool{queue: q, locker: locker, handler: handler, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled and every in-flight job has finished
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Worker pool starting", "queue", p.queue.Name(), "concurrency", p.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 1; i <= p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.watchStalled(ctx)
	}()

	wg.Wait()
	p.logger.Info("Worker pool stopped", "queue", p.queue.Name())
}

func (p *Pool) work(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// drain everything available before sleeping
		for ctx.Err() == nil {
			job, err := p.queue.Reserve(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Error("Failed to reserve job", "worker", id, "error", err)
				}
				break
			}
			if job == nil {
				break
			}
			p.process(ctx, id, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) watchStalled(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StalledCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.RequeueStalled(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("Stalled job check failed", "error", err)
			}
		}
	}
}

// process runs a reserved job to completion. Shutdown does not interrupt
// a running handler.
func (p *Pool) process(parent context.Context, workerID int, job *Job) {
	ctx := context.WithoutCancel(parent)
	logger := p.logger.With("worker", workerID, "job_id", job.ID, "key", job.Key)

	var keyLock *Lock
	if p.locker != nil && job.Key != "" {
		lk, err := p.locker.Acquire(ctx, job.Key)
		if errors.Is(err, ErrLocked) {
			logger.Info("Key busy, postponing job")
			if err := p.queue.Postpone(ctx, job, p.cfg.PostponeDelay); err != nil {
				logger.Error("Failed to postpone job", "error", err)
			}
			return
		}
		if err != nil {
			logger.Error("Failed to acquire key lock", "error", err)
			if err := p.queue.Postpone(ctx, job, p.cfg.PostponeDelay); err != nil {
				logger.Error("Failed to postpone job", "error", err)
			}
			return
		}
		keyLock = lk
		defer func() {
			if err := keyLock.Release(ctx); err != nil {
				logger.Warn("Failed to release key lock", "error", err)
			}
		}()
	}

	stop := p.heartbeat(ctx, job, keyLock, logger)
	start := time.Now()
	logger.Info("Job started", "attempt", job.AttemptsMade+1)

	result, err := p.run(ctx, job)
	stop()

	if err != nil {
		retrying, ferr := p.queue.Fail(ctx, job, err)
		if ferr != nil {
			logger.Error("Failed to record job failure", "error", ferr)
			return
		}
		logger.Error("Job failed",
			"error", err,
			"attempts", job.AttemptsMade,
			"retrying", retrying,
			"duration", time.Since(start),
		)
		return
	}

	if err := p.queue.Complete(ctx, job, result); err != nil {
		logger.Error("Failed to complete job", "error", err)
		return
	}
	logger.Info("Job completed", "duration", time.Since(start))
}

func (p *Pool) run(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *Pool) heartbeat(ctx context.Context, job *Job, keyLock *Lock, logger *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.queue.opts.LockDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLock(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("Failed to extend job lock", "error", err)
				}
				if keyLock != nil {
					if err := keyLock.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Warn("Failed to refresh key lock", "error", err)
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
