// Package registrytest holds behaviour tests every registry.Store must pass.
package registrytest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/registry"
)

// Run exercises store. Stores are expected to keep millisecond precision.
func Run(t *testing.T, store registry.Store) {
	ctx := context.Background()

	t.Run("create then get", func(t *testing.T) {
		s, err := store.Create(ctx, "teacher-1", "student-1")
		require.NoError(t, err)
		require.NotEmpty(t, s.ID)
		assert.Equal(t, registry.StatusActive, s.Status)

		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "teacher-1", got.TeacherID)
		assert.Equal(t, "student-1", got.StudentID)
		assert.Equal(t, registry.StatusActive, got.Status)
		assert.True(t, got.StartedAt.IsZero())
	})

	t.Run("get missing", func(t *testing.T) {
		got, err := store.Get(ctx, "does-not-exist")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("create requires both ids", func(t *testing.T) {
		_, err := store.Create(ctx, "", "student-1")
		assert.ErrorIs(t, err, registry.ErrInvalidParams)
	})

	t.Run("mark active keeps first start", func(t *testing.T) {
		s, err := store.Create(ctx, "teacher-1", "student-1")
		require.NoError(t, err)

		first := time.UnixMilli(time.Now().UnixMilli())
		require.NoError(t, store.MarkActive(ctx, s.ID, first))
		require.NoError(t, store.MarkActive(ctx, s.ID, first.Add(time.Minute)))

		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, got.StartedAt.Equal(first), "started_at %v, want %v", got.StartedAt, first)
	})

	t.Run("mark ended is idempotent and clamped", func(t *testing.T) {
		s, err := store.Create(ctx, "teacher-1", "student-1")
		require.NoError(t, err)

		started := time.UnixMilli(time.Now().UnixMilli())
		require.NoError(t, store.MarkActive(ctx, s.ID, started))
		require.NoError(t, store.MarkEnded(ctx, s.ID, started.Add(-time.Second)))

		got, err := store.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusEnded, got.Status)
		assert.False(t, got.EndedAt.Before(got.StartedAt))

		ended := got.EndedAt
		require.NoError(t, store.MarkEnded(ctx, s.ID, started.Add(time.Hour)))
		got, err = store.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, got.EndedAt.Equal(ended))

		require.NoError(t, store.MarkActive(ctx, s.ID, started.Add(time.Hour)))
		got, err = store.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusEnded, got.Status)
	})

	t.Run("mark missing", func(t *testing.T) {
		assert.ErrorIs(t, store.MarkActive(ctx, "nope", time.Now()), registry.ErrNotFound)
		assert.ErrorIs(t, store.MarkEnded(ctx, "nope", time.Now()), registry.ErrNotFound)
	})
}
