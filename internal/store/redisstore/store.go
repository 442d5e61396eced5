// Package redisstore keeps the session registry, chat history and whiteboard
// snapshots in Redis for deployments that already run it for rate limiting.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the key prefix for registry hashes.
	SessionPrefix = "classroom:session:"
	// ChatPrefix is the key prefix for a session's message hash and index.
	ChatPrefix = "classroom:chat:"
	// SnapshotPrefix is the key prefix for whiteboard snapshots.
	SnapshotPrefix = "classroom:board:"

	// RecordTTL bounds how long a session and its history live after the
	// last write.
	RecordTTL = 30 * 24 * time.Hour
)

// Store implements registry.Store, the chat history store and the whiteboard
// snapshot sink on one Redis client.
type Store struct {
	client       *redis.Client
	now          func() time.Time
	activeScript *redis.Script
	endedScript  *redis.Script
}

// NewClient connects to Redis and verifies the connection.
func NewClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisstore: redis connection failed: %w", err)
	}
	return client, nil
}

// New wraps an existing client. The caller owns the client.
func New(client *redis.Client) *Store {
	return &Store{
		client:       client,
		now:          time.Now,
		activeScript: redis.NewScript(markActiveLua),
		endedScript:  redis.NewScript(markEndedLua),
	}
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
