package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/registry"
)

var _ registry.Store = (*Store)(nil)

type sessionRow struct {
	ID        string        `db:"id"`
	TeacherID string        `db:"teacher_id"`
	StudentID string        `db:"student_id"`
	Status    string        `db:"status"`
	CreatedAt int64         `db:"created_at"`
	StartedAt sql.NullInt64 `db:"started_at"`
	EndedAt   sql.NullInt64 `db:"ended_at"`
}

func (r sessionRow) session() *registry.Session {
	return &registry.Session{
		ID:        r.ID,
		TeacherID: r.TeacherID,
		StudentID: r.StudentID,
		Status:    r.Status,
		CreatedAt: registry.FromMillis(r.CreatedAt),
		StartedAt: registry.FromMillis(r.StartedAt.Int64),
		EndedAt:   registry.FromMillis(r.EndedAt.Int64),
	}
}

// Create inserts a new active session.
func (s *Store) Create(ctx context.Context, teacherID, studentID string) (*registry.Session, error) {
	if teacherID == "" || studentID == "" {
		return nil, registry.ErrInvalidParams
	}
	row := sessionRow{
		ID:        uuid.NewString(),
		TeacherID: teacherID,
		StudentID: studentID,
		Status:    registry.StatusActive,
		CreatedAt: s.now().UnixMilli(),
	}

	q := s.db.Rebind(`INSERT INTO classroom_sessions (id, teacher_id, student_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, row.ID, row.TeacherID, row.StudentID, row.Status, row.CreatedAt); err != nil {
		return nil, fmt.Errorf("sqlstore: create session: %w", err)
	}
	return row.session(), nil
}

// Get returns the session or nil if unknown.
func (s *Store) Get(ctx context.Context, id string) (*registry.Session, error) {
	var row sessionRow
	q := s.db.Rebind(`SELECT id, teacher_id, student_id, status, created_at, started_at, ended_at
		FROM classroom_sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: get session: %w", err)
	}
	return row.session(), nil
}

// MarkActive records started_at the first time it is called.
func (s *Store) MarkActive(ctx context.Context, id string, at time.Time) error {
	q := s.db.Rebind(`UPDATE classroom_sessions
		SET status = 'active', started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status <> 'ended'`)
	res, err := s.db.ExecContext(ctx, q, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sqlstore: mark active: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// MarkEnded ends the session, clamping ended_at to started_at.
func (s *Store) MarkEnded(ctx context.Context, id string, at time.Time) error {
	ms := at.UnixMilli()
	q := s.db.Rebind(`UPDATE classroom_sessions
		SET status = 'ended',
		    ended_at = CASE WHEN started_at IS NOT NULL AND started_at > ? THEN started_at ELSE ? END
		WHERE id = ? AND status <> 'ended'`)
	res, err := s.db.ExecContext(ctx, q, ms, ms, id)
	if err != nil {
		return fmt.Errorf("sqlstore: mark ended: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// checkAffected turns a no-op update into ErrNotFound when the row is
// missing; a no-op on an ended row is success.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM classroom_sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("sqlstore: lookup session: %w", err)
	}
	if count == 0 {
		return registry.ErrNotFound
	}
	return nil
}
