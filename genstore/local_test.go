package genstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalGenStore_BumpAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewLocalGenStore(0)
	t.Cleanup(func() { _ = s.Close(ctx) })

	g, err := s.Snapshot(ctx, "q:todos:1")
	require.NoError(t, err)
	assert.Zero(t, g)

	for want := uint64(1); want <= 3; want++ {
		got, err := s.Bump(ctx, "q:todos:1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	g, _ = s.Snapshot(ctx, "q:todos:1")
	assert.Equal(t, uint64(3), g)
}

func TestLocalGenStore_ConcurrentBumps(t *testing.T) {
	ctx := context.Background()
	s := NewLocalGenStore(0)
	t.Cleanup(func() { _ = s.Close(ctx) })

	const n = 50
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			_, _ = s.Bump(ctx, "k")
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	g, _ := s.Snapshot(ctx, "k")
	assert.Equal(t, uint64(n), g)
}

func TestLocalGenStore_RetentionForgets(t *testing.T) {
	ctx := context.Background()
	s := NewLocalGenStore(50 * time.Millisecond)
	t.Cleanup(func() { _ = s.Close(ctx) })

	_, err := s.Bump(ctx, "old")
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	g, err := s.Snapshot(ctx, "old")
	require.NoError(t, err)
	assert.Zero(t, g)
}

func TestLocalGenStore_CloseIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewLocalGenStore(time.Minute)
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))

	unstarted := NewLocalGenStore(0)
	require.NoError(t, unstarted.Close(ctx))
}
