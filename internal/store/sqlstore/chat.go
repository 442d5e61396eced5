package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

type chatRow struct {
	ID       string `db:"id"`
	SenderID string `db:"sender_id"`
	Body     string `db:"body"`
	SentAt   int64  `db:"sent_at"`
}

// SaveMessage appends a chat message. Saving the same id twice is a no-op.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg protocol.ChatMessage) error {
	q := s.db.Rebind(`INSERT INTO chat_messages (id, session_id, sender_id, body, sent_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, q, msg.ID, sessionID, msg.Sender, msg.Body, msg.SentAt); err != nil {
		return fmt.Errorf("sqlstore: save message: %w", err)
	}
	return nil
}

// LoadMessages returns a session's chat history ordered by sent_at.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]protocol.ChatMessage, error) {
	var rows []chatRow
	q := s.db.Rebind(`SELECT id, sender_id, body, sent_at FROM chat_messages
		WHERE session_id = ? ORDER BY sent_at, id`)
	if err := s.db.SelectContext(ctx, &rows, q, sessionID); err != nil {
		return nil, fmt.Errorf("sqlstore: load messages: %w", err)
	}

	out := make([]protocol.ChatMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, protocol.ChatMessage{ID: r.ID, Sender: r.SenderID, Body: r.Body, SentAt: r.SentAt})
	}
	return out, nil
}

// SaveSnapshot stores the latest whiteboard snapshot for a session.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID string, data []byte) error {
	q := s.db.Rebind(`INSERT INTO whiteboard_snapshots (session_id, data, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`)
	if _, err := s.db.ExecContext(ctx, q, sessionID, data, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("sqlstore: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot, or nil if none was saved.
func (s *Store) LoadSnapshot(ctx context.Context, sessionID string) ([]byte, error) {
	var data []byte
	q := s.db.Rebind(`SELECT data FROM whiteboard_snapshots WHERE session_id = ?`)
	if err := s.db.GetContext(ctx, &data, q, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: load snapshot: %w", err)
	}
	return data, nil
}
