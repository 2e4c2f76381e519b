package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// State is where a job sits in the queue
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one queued unit of work. Progress, attempts and the failure reason
// are owned by the queue and mirrored in Redis.
type Job struct {
	ID           string
	Key          string
	Payload      json.RawMessage
	State        State
	Progress     int
	AttemptsMade int
	FailedReason string
	ReturnValue  json.RawMessage
	Timestamp    int64 // enqueue time, unix ms
	ProcessedOn  int64
	FinishedOn   int64

	queue *Queue
	token string
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// UpdateProgress records the job's completion percentage
func (j *Job) UpdateProgress(ctx context.Context, progress int) error {
	if j.queue == nil {
		return errors.New("job is not attached to a queue")
	}
	if err := j.queue.updateProgress(ctx, j.ID, progress); err != nil {
		return err
	}
	j.Progress = progress
	return nil
}

func jobFromHash(id string, h map[string]string) *Job {
	job := &Job{
		ID:           id,
		Key:          h["key"],
		Payload:      json.RawMessage(h["data"]),
		State:        State(h["state"]),
		FailedReason: h["failedReason"],
	}
	if rv := h["returnvalue"]; rv != "" {
		job.ReturnValue = json.RawMessage(rv)
	}
	job.Progress, _ = strconv.Atoi(h["progress"])
	job.AttemptsMade, _ = strconv.Atoi(h["attemptsMade"])
	job.Timestamp, _ = strconv.ParseInt(h["timestamp"], 10, 64)
	job.ProcessedOn, _ = strconv.ParseInt(h["processedOn"], 10, 64)
	job.FinishedOn, _ = strconv.ParseInt(h["finishedOn"], 10, 64)
	return job
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. The job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
