package redisstore

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

func chatKeys(sessionID string) (msgs, index string) {
	return ChatPrefix + sessionID + ":msgs", ChatPrefix + sessionID + ":idx"
}

// SaveMessage appends a chat message. Saving the same id twice is a no-op.
// Messages live in a hash keyed by id and are ordered by a sorted set scored
// on sent_at.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg protocol.ChatMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisstore: encode message: %w", err)
	}
	msgsKey, idxKey := chatKeys(sessionID)

	pipe := s.client.Pipeline()
	pipe.HSetNX(ctx, msgsKey, msg.ID, data)
	pipe.ZAddNX(ctx, idxKey, redis.Z{Score: float64(msg.SentAt), Member: msg.ID})
	pipe.Expire(ctx, msgsKey, RecordTTL)
	pipe.Expire(ctx, idxKey, RecordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: save message: %w", err)
	}
	return nil
}

// LoadMessages returns a session's chat history ordered by sent_at, then id.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]protocol.ChatMessage, error) {
	msgsKey, idxKey := chatKeys(sessionID)

	ids, err := s.client.ZRange(ctx, idxKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load message index: %w", err)
	}
	if len(ids) == 0 {
		return []protocol.ChatMessage{}, nil
	}

	vals, err := s.client.HMGet(ctx, msgsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load messages: %w", err)
	}

	out := make([]protocol.ChatMessage, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var msg protocol.ChatMessage
		if err := sonic.UnmarshalString(raw, &msg); err != nil {
			return nil, fmt.Errorf("redisstore: decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// SaveSnapshot stores the latest whiteboard snapshot for a session.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID string, data []byte) error {
	if err := s.client.Set(ctx, SnapshotPrefix+sessionID, data, RecordTTL).Err(); err != nil {
		return fmt.Errorf("redisstore: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot, or nil if none was saved.
func (s *Store) LoadSnapshot(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := s.client.Get(ctx, SnapshotPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: load snapshot: %w", err)
	}
	return data, nil
}
