package ristretto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64, Metrics: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(ctx) })

	ok, err := p.Set(ctx, "q:a", []byte("one"), 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	p.Wait()

	b, ok, err := p.Get(ctx, "q:a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), b)
	assert.NotNil(t, p.Metrics())

	require.NoError(t, p.Del(ctx, "q:a"))
	p.Wait()
	_, ok, _ = p.Get(ctx, "q:a")
	assert.False(t, ok)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{NumCounters: 10})
	assert.Error(t, err)
}
