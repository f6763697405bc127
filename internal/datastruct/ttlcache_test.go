package datastruct

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheSetGet(t *testing.T) {
	c := NewTTLCache[string](4)

	c.Set("a", "one", time.Minute)
	c.Set("b", "two", time.Minute)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)

	v, ok = c.Get("b")
	require.True(t, ok)
	assert.Equal(t, "two", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 2, c.Len())
}

func TestTTLCacheReplace(t *testing.T) {
	c := NewTTLCache[int](4)

	c.Set("a", 1, time.Minute)
	c.Set("a", 2, time.Minute)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestTTLCacheDelete(t *testing.T) {
	c := NewTTLCache[int](4)

	c.Set("a", 1, time.Minute)
	c.Delete("a")
	c.Delete("never-there")

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Now()

	c := NewTTLCache[string](4)
	c.Now = func() time.Time { return now }

	c.Set("a", "one", time.Minute)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)

	now = now.Add(2 * time.Minute)

	// The miss reaps the entry it touched.
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	now := time.Now()

	c := NewTTLCache[string](4)
	c.Now = func() time.Time { return now }

	c.Set("a", "one", 0)

	now = now.Add(24 * time.Hour)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)
	assert.Equal(t, 0, c.Sweep())
}

func TestTTLCacheSweep(t *testing.T) {
	now := time.Now()

	c := NewTTLCache[int](4)
	c.Now = func() time.Time { return now }

	c.Set("short-a", 1, time.Second)
	c.Set("short-b", 2, time.Second)
	c.Set("long", 3, time.Hour)
	c.Set("pinned", 4, 0)

	now = now.Add(time.Minute)

	assert.Equal(t, 4, c.Len())
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 2, c.Len())

	_, ok := c.Get("long")
	assert.True(t, ok)

	_, ok = c.Get("pinned")
	assert.True(t, ok)
}

func TestTTLCacheShardFallback(t *testing.T) {
	c := NewTTLCache[int](0)

	assert.Len(t, c.shards, DefaultShards)

	c.Set("a", 1, time.Minute)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestTTLCacheJanitor(t *testing.T) {
	c := NewTTLCache[int](2)
	c.Set("a", 1, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Janitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 5*time.Millisecond, "janitor should sweep the expired entry")

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop on context cancel")
	}
}
