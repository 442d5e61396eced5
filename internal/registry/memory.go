package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	rows map[string]Session
	now  func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]Session), now: time.Now}
}

func (m *Memory) Create(_ context.Context, teacherID, studentID string) (*Session, error) {
	if teacherID == "" || studentID == "" {
		return nil, ErrInvalidParams
	}
	s := Session{
		ID:        uuid.NewString(),
		TeacherID: teacherID,
		StudentID: studentID,
		Status:    StatusActive,
		CreatedAt: m.now(),
	}
	m.mu.Lock()
	m.rows[s.ID] = s
	m.mu.Unlock()
	return &s, nil
}

func (m *Memory) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) MarkActive(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status == StatusEnded {
		return nil
	}
	s.Status = StatusActive
	if s.StartedAt.IsZero() {
		s.StartedAt = at
	}
	m.rows[id] = s
	return nil
}

func (m *Memory) MarkEnded(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status == StatusEnded {
		return nil
	}
	s.Status = StatusEnded
	s.EndedAt = EndTime(s.StartedAt, at)
	m.rows[id] = s
	return nil
}

// Put inserts or replaces a row as-is.
func (m *Memory) Put(s Session) {
	m.mu.Lock()
	m.rows[s.ID] = s
	m.mu.Unlock()
}
