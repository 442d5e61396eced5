package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/registry"
)

var _ registry.Store = (*Store)(nil)

type sessionHash struct {
	ID        string `redis:"id"`
	TeacherID string `redis:"teacher_id"`
	StudentID string `redis:"student_id"`
	Status    string `redis:"status"`
	CreatedAt int64  `redis:"created_at"` // unix ms
	StartedAt int64  `redis:"started_at"` // unix ms, 0 if never
	EndedAt   int64  `redis:"ended_at"`   // unix ms, 0 if never
}

// Create stores a new active session.
func (s *Store) Create(ctx context.Context, teacherID, studentID string) (*registry.Session, error) {
	if teacherID == "" || studentID == "" {
		return nil, registry.ErrInvalidParams
	}
	id := uuid.NewString()
	now := s.now()
	key := SessionPrefix + id

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":         id,
		"teacher_id": teacherID,
		"student_id": studentID,
		"status":     registry.StatusActive,
		"created_at": now.UnixMilli(),
		"started_at": 0,
		"ended_at":   0,
	})
	pipe.Expire(ctx, key, RecordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisstore: create session: %w", err)
	}

	return &registry.Session{
		ID:        id,
		TeacherID: teacherID,
		StudentID: studentID,
		Status:    registry.StatusActive,
		CreatedAt: registry.FromMillis(now.UnixMilli()),
	}, nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*registry.Session, error) {
	var h sessionHash
	if err := s.client.HGetAll(ctx, SessionPrefix+id).Scan(&h); err != nil {
		return nil, fmt.Errorf("redisstore: get session: %w", err)
	}
	if h.ID == "" {
		return nil, nil
	}
	return &registry.Session{
		ID:        h.ID,
		TeacherID: h.TeacherID,
		StudentID: h.StudentID,
		Status:    h.Status,
		CreatedAt: registry.FromMillis(h.CreatedAt),
		StartedAt: registry.FromMillis(h.StartedAt),
		EndedAt:   registry.FromMillis(h.EndedAt),
	}, nil
}

// MarkActive atomically records started_at on the first call.
func (s *Store) MarkActive(ctx context.Context, id string, at time.Time) error {
	return s.runMark(ctx, s.activeScript, id, at, "mark active")
}

// MarkEnded atomically ends the session, clamping ended_at to started_at.
func (s *Store) MarkEnded(ctx context.Context, id string, at time.Time) error {
	return s.runMark(ctx, s.endedScript, id, at, "mark ended")
}

func (s *Store) runMark(ctx context.Context, script *redis.Script, id string, at time.Time, op string) error {
	res, err := script.Run(ctx, s.client, []string{SessionPrefix + id}, at.UnixMilli(), int64(RecordTTL/time.Second)).Int()
	if err != nil {
		return fmt.Errorf("redisstore: %s: %w", op, err)
	}
	if res == -1 {
		return registry.ErrNotFound
	}
	return nil
}

// markActiveLua returns:
//
//	1 = updated
//	0 = already ended, left untouched
//	-1 = session not found
const markActiveLua = `
local key = KEYS[1]
local at = tonumber(ARGV[1])

local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status == 'ended' then return 0 end

redis.call('HSET', key, 'status', 'active')
local started = tonumber(redis.call('HGET', key, 'started_at') or '0')
if started == 0 then
    redis.call('HSET', key, 'started_at', at)
end
redis.call('EXPIRE', key, ARGV[2])
return 1
`

// markEndedLua follows the same return codes as markActiveLua.
const markEndedLua = `
local key = KEYS[1]
local at = tonumber(ARGV[1])

local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status == 'ended' then return 0 end

local started = tonumber(redis.call('HGET', key, 'started_at') or '0')
if started > 0 and at < started then
    at = started
end
redis.call('HSET', key, 'status', 'ended', 'ended_at', at)
redis.call('EXPIRE', key, ARGV[2])
return 1
`
