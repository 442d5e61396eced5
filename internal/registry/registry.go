// Package registry persists the durable record of a classroom session: who
// teaches whom, and when it started and ended.
package registry

import (
	"context"
	"errors"
	"time"
)

// Session status values.
const (
	StatusScheduled = "scheduled"
	StatusActive    = "active"
	StatusEnded     = "ended"
)

var (
	ErrNotFound      = errors.New("registry: session not found")
	ErrInvalidParams = errors.New("registry: teacher and student ids are required")
)

// Session is one row of the registry. Zero StartedAt/EndedAt mean unset.
type Session struct {
	ID        string    `json:"id"`
	TeacherID string    `json:"teacher_id"`
	StudentID string    `json:"student_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Store is the registry contract. Get returns (nil, nil) when the id is
// unknown. MarkActive records started_at on its first call only. MarkEnded
// is idempotent and never records ended_at before started_at.
type Store interface {
	Create(ctx context.Context, teacherID, studentID string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	MarkActive(ctx context.Context, id string, at time.Time) error
	MarkEnded(ctx context.Context, id string, at time.Time) error
}

// EndTime returns the ended_at to record for a session that started at
// started (zero if never) and is ended at at.
func EndTime(started, at time.Time) time.Time {
	if !started.IsZero() && at.Before(started) {
		return started
	}
	return at
}

// Millis converts t to unix milliseconds, mapping the zero time to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
