package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newPoolFixture(t *testing.T, opts Options) (*Queue, *Locker) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "audio-processing", opts, discardLogger()),
		NewLocker(client, "lock:session:", 10*time.Second)
}

func waitForState(t *testing.T, q *Queue, id string, want State) *Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(context.Background(), id)
		if err == nil && job != nil && job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("pool did not stop")
		}
	})
}

func TestPool_ProcessesJob(t *testing.T) {
	q, locker := newPoolFixture(t, Options{})
	var calls atomic.Int32

	p := NewPool(q, locker, func(ctx context.Context, job *Job) (any, error) {
		calls.Add(1)
		if err := job.UpdateProgress(ctx, 100); err != nil {
			return nil, err
		}
		return map[string]string{"key": job.Key}, nil
	}, PoolConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond}, discardLogger())

	job, err := q.Add(context.Background(), "s1", testPayload{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	startPool(t, p)

	done := waitForState(t, q, job.ID, StateCompleted)
	if done.Progress != 100 {
		t.Errorf("expected progress 100, got %d", done.Progress)
	}
	if string(done.ReturnValue) != `{"key":"s1"}` {
		t.Errorf("unexpected return value %s", done.ReturnValue)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one call, got %d", calls.Load())
	}
}

func TestPool_PermanentErrorFails(t *testing.T) {
	q, locker := newPoolFixture(t, Options{MaxAttempts: 3})
	p := NewPool(q, locker, func(ctx context.Context, job *Job) (any, error) {
		return nil, Permanent(errors.New("session not found"))
	}, PoolConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond}, discardLogger())

	job, _ := q.Add(context.Background(), "s1", testPayload{})
	startPool(t, p)

	failed := waitForState(t, q, job.ID, StateFailed)
	if failed.AttemptsMade != 1 || failed.FailedReason != "session not found" {
		t.Errorf("unexpected failed job %+v", failed)
	}
}

func TestPool_RecoversPanic(t *testing.T) {
	q, locker := newPoolFixture(t, Options{MaxAttempts: 1})
	p := NewPool(q, locker, func(ctx context.Context, job *Job) (any, error) {
		panic("decoder exploded")
	}, PoolConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond}, discardLogger())

	job, _ := q.Add(context.Background(), "s1", testPayload{})
	startPool(t, p)

	failed := waitForState(t, q, job.ID, StateFailed)
	if failed.FailedReason != "job panicked: decoder exploded" {
		t.Errorf("unexpected reason %q", failed.FailedReason)
	}
}

func TestPool_PostponesWhenKeyLocked(t *testing.T) {
	q, locker := newPoolFixture(t, Options{})
	var calls atomic.Int32
	p := NewPool(q, locker, func(ctx context.Context, job *Job) (any, error) {
		calls.Add(1)
		return nil, nil
	}, PoolConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond, PostponeDelay: time.Hour}, discardLogger())

	held, err := locker.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release(context.Background())

	job, _ := q.Add(context.Background(), "s1", testPayload{})
	startPool(t, p)

	delayed := waitForState(t, q, job.ID, StateDelayed)
	if delayed.AttemptsMade != 0 {
		t.Errorf("postponed job must keep its attempts, got %d", delayed.AttemptsMade)
	}
	if calls.Load() != 0 {
		t.Error("handler must not run while the key is locked")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPool_LogMessagesCapitalised(t *testing.T) {
	q, locker := newPoolFixture(t, Options{})
	var out syncBuffer
	logger := slog.New(slog.NewJSONHandler(&out, nil))

	p := NewPool(q, locker, func(ctx context.Context, job *Job) (any, error) {
		return nil, nil
	}, PoolConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond}, logger)

	job, err := q.Add(context.Background(), "s1", testPayload{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	startPool(t, p)
	waitForState(t, q, job.ID, StateCompleted)

	want := []string{`"msg":"Worker pool starting"`, `"msg":"Job started"`, `"msg":"Job completed"`}
	deadline := time.Now().Add(3 * time.Second)
	for {
		logs := out.String()
		missing := ""
		for _, w := range want {
			if !strings.Contains(logs, w) {
				missing = w
				break
			}
		}
		if missing == "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %s in logs, got %s", missing, logs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
