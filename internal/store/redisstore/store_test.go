package redisstore

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/registry/registrytest"
)

// newTestStore connects to a local Redis on localhost:6379 and removes every
// classroom key it created when the test ends.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		for _, prefix := range []string{SessionPrefix + "*", ChatPrefix + "test_*", SnapshotPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
		client.Close()
	})
	return New(client)
}

func TestRegistry(t *testing.T) {
	registrytest.Run(t, newTestStore(t))
}

func TestChatHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sid := "test_chat_history"

	for _, m := range []protocol.ChatMessage{
		{ID: "b", Sender: "student-1", Body: "second", SentAt: 2000},
		{ID: "a", Sender: "teacher-1", Body: "first", SentAt: 1000},
		{ID: "a", Sender: "x", Body: "duplicate", SentAt: 9000},
	} {
		if err := s.SaveMessage(ctx, sid, m); err != nil {
			t.Fatalf("SaveMessage() error: %v", err)
		}
	}

	got, err := s.LoadMessages(ctx, sid)
	if err != nil {
		t.Fatalf("LoadMessages() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "a" || got[0].Body != "first" {
		t.Errorf("expected first message a/first, got %s/%s", got[0].ID, got[0].Body)
	}
	if got[1].ID != "b" {
		t.Errorf("expected second message b, got %s", got[1].ID)
	}
}

func TestChatHistory_Empty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadMessages(context.Background(), "test_chat_empty")
	if err != nil {
		t.Fatalf("LoadMessages() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no messages, got %d", len(got))
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sid := "test_snapshot"

	data, err := s.LoadSnapshot(ctx, sid)
	if err != nil || data != nil {
		t.Fatalf("expected no snapshot, got %q err=%v", data, err)
	}

	if err := s.SaveSnapshot(ctx, sid, []byte("v1")); err != nil {
		t.Fatalf("SaveSnapshot() error: %v", err)
	}
	if err := s.SaveSnapshot(ctx, sid, []byte("v2")); err != nil {
		t.Fatalf("SaveSnapshot() error: %v", err)
	}
	data, err = s.LoadSnapshot(ctx, sid)
	if err != nil {
		t.Fatalf("LoadSnapshot() error: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("expected v2, got %q", data)
	}
}
