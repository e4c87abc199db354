package cache_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LocalChat/internal/cache"
	"LocalChat/internal/kvstore"
	"LocalChat/internal/namespace"
	"LocalChat/internal/session"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newCache(store kvstore.Store, opts cache.Options) (*cache.ResponseCache, *clock) {
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := cache.New(store, kvstore.NewLocker(), slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
	c.Now = clk.Now
	return c, clk
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello", cache.Normalize("  hello\n\t"))
	assert.Equal(t, "Hello  World", cache.Normalize(" Hello  World "), "internal whitespace and case are kept")
	assert.Equal(t, "", cache.Normalize("   "))
}

func TestStoreThenLookup(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(kvstore.NewMemory(), cache.Options{})

	require.NoError(t, c.Store(ctx, "a@x.com", "hello", "hi there"))

	got, ok := c.Lookup(ctx, "a@x.com", "hello")
	assert.True(t, ok)
	assert.Equal(t, "hi there", got)

	got, ok = c.Lookup(ctx, "a@x.com", "  hello  ")
	assert.True(t, ok, "lookup normalizes the prompt")
	assert.Equal(t, "hi there", got)
}

func TestLookup_Misses(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(kvstore.NewMemory(), cache.Options{})
	require.NoError(t, c.Store(ctx, "a@x.com", "hello", "hi there"))

	cases := []struct {
		name   string
		user   string
		prompt string
	}{
		{"unstored prompt", "a@x.com", "goodbye"},
		{"different user", "b@x.com", "hello"},
		{"case differs", "a@x.com", "Hello"},
		{"internal whitespace differs", "a@x.com", "hel lo"},
		{"empty prompt", "a@x.com", "   "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := c.Lookup(ctx, session.Identity(tc.user), tc.prompt)
			assert.False(t, ok)
		})
	}
}

func TestStore_Overwrites(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(kvstore.NewMemory(), cache.Options{})

	require.NoError(t, c.Store(ctx, "a@x.com", "q", "first"))
	require.NoError(t, c.Store(ctx, "a@x.com", "q", "second"))

	got, ok := c.Lookup(ctx, "a@x.com", "q")
	assert.True(t, ok)
	assert.Equal(t, "second", got)
	assert.Equal(t, 1, c.Len(ctx, "a@x.com"))
}

func TestStore_EmptyPrompt(t *testing.T) {
	c, _ := newCache(kvstore.NewMemory(), cache.Options{})
	err := c.Store(context.Background(), "a@x.com", " \n ", "x")
	assert.ErrorIs(t, err, cache.ErrEmptyPrompt)
}

func TestEviction_MaxEntries(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(kvstore.NewMemory(), cache.Options{MaxEntries: 3})

	for i := 0; i < 5; i++ {
		clk.now = clk.now.Add(time.Second)
		require.NoError(t, c.Store(ctx, "a@x.com", fmt.Sprintf("p%d", i), fmt.Sprintf("r%d", i)))
	}

	assert.Equal(t, 3, c.Len(ctx, "a@x.com"))
	for _, gone := range []string{"p0", "p1"} {
		_, ok := c.Lookup(ctx, "a@x.com", gone)
		assert.False(t, ok, "%s should have been evicted", gone)
	}
	for _, kept := range []string{"p2", "p3", "p4"} {
		_, ok := c.Lookup(ctx, "a@x.com", kept)
		assert.True(t, ok, "%s should be kept", kept)
	}
}

func TestEviction_TTL(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(kvstore.NewMemory(), cache.Options{TTL: time.Hour})

	require.NoError(t, c.Store(ctx, "a@x.com", "old", "stale"))
	clk.now = clk.now.Add(2 * time.Hour)

	_, ok := c.Lookup(ctx, "a@x.com", "old")
	assert.False(t, ok, "expired entries are misses")

	require.NoError(t, c.Store(ctx, "a@x.com", "new", "fresh"))
	assert.Equal(t, 1, c.Len(ctx, "a@x.com"))
}

func TestUnbounded_ByDefault(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(kvstore.NewMemory(), cache.Options{})
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Store(ctx, "a@x.com", fmt.Sprintf("p%d", i), "r"))
	}
	assert.Equal(t, 50, c.Len(ctx, "a@x.com"))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(kvstore.NewMemory(), cache.Options{})
	require.NoError(t, c.Store(ctx, "a@x.com", "q", "r"))
	require.NoError(t, c.Store(ctx, "b@x.com", "q", "r"))

	require.NoError(t, c.Clear(ctx, "a@x.com"))

	_, ok := c.Lookup(ctx, "a@x.com", "q")
	assert.False(t, ok)
	_, ok = c.Lookup(ctx, "b@x.com", "q")
	assert.True(t, ok, "clearing one user leaves others intact")
}

func TestMalformedTable(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	require.NoError(t, store.Set(ctx, namespace.Key("a@x.com", namespace.PromptCache, ""), "not json"))
	c, _ := newCache(store, cache.Options{})

	_, ok := c.Lookup(ctx, "a@x.com", "q")
	assert.False(t, ok)

	require.NoError(t, c.Store(ctx, "a@x.com", "q", "r"))
	got, ok := c.Lookup(ctx, "a@x.com", "q")
	assert.True(t, ok)
	assert.Equal(t, "r", got)
}

func TestStore_WriteFailure(t *testing.T) {
	store := kvstore.NewMemory()
	store.Quota = 8
	c, _ := newCache(store, cache.Options{})

	err := c.Store(context.Background(), "a@x.com", "q", "a long response")
	assert.ErrorIs(t, err, kvstore.ErrQuotaExceeded)
}

func TestInvalidUTF8Prompt(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(kvstore.NewMemory(), cache.Options{})

	err := c.Store(ctx, "a@x.com", "caf\xe9", "coffee")
	assert.ErrorIs(t, err, cache.ErrInvalidPrompt)
	assert.Equal(t, 0, c.Len(ctx, "a@x.com"))

	_, ok := c.Lookup(ctx, "a@x.com", "caf\xe9")
	assert.False(t, ok)
	_, ok = c.Lookup(ctx, "a@x.com", "caf�")
	assert.False(t, ok, "a replacement-character spelling must not hit either")
}

func TestStore_ResponseReadsBackUnchanged(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(kvstore.NewMemory(), cache.Options{})

	require.NoError(t, c.Store(ctx, "a@x.com", "café", "caf\xe9 au lait"))

	got, ok := c.Lookup(ctx, "a@x.com", "café")
	require.True(t, ok)
	assert.Equal(t, "caf� au lait", got)
}

func TestEntries(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(kvstore.NewMemory(), cache.Options{TTL: time.Hour})

	assert.Empty(t, c.Entries(ctx, "a@x.com"))

	require.NoError(t, c.Store(ctx, "a@x.com", "stale", "s"))
	clk.now = clk.now.Add(2 * time.Hour)
	require.NoError(t, c.Store(ctx, "a@x.com", "first", "1"))
	clk.now = clk.now.Add(time.Minute)
	require.NoError(t, c.Store(ctx, "a@x.com", "second", "2"))
	require.NoError(t, c.Store(ctx, "b@x.com", "other", "x"))

	entries := c.Entries(ctx, "a@x.com")
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Prompt)
	assert.Equal(t, "2", entries[0].Response)
	assert.True(t, entries[0].Timestamp.Equal(clk.now))
	assert.Equal(t, "first", entries[1].Prompt)
	assert.True(t, entries[1].Timestamp.Equal(clk.now.Add(-time.Minute)))
}
