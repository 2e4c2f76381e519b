// Package events carries session progress notifications out of the worker.
package events

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	TypeStatus    Type = "session.status"
	TypeProgress  Type = "session.progress"
	TypeCompleted Type = "session.completed"
	TypeFailed    Type = "session.failed"
)

// ChannelPrefix is prepended to the session id to form the Redis channel name
const ChannelPrefix = "events:session:"

type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	JobID     string    `json:"jobId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Multi fans an event out to every publisher and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
