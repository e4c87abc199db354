package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"LocalChat/internal/kvstore"
	"LocalChat/internal/namespace"
	"LocalChat/internal/session"
)

// ErrEmptyPrompt is returned when storing a prompt that normalizes to "".
var ErrEmptyPrompt = errors.New("prompt is empty")

// ErrInvalidPrompt is returned when storing a prompt that is not valid
// UTF-8. Such a key could not survive the JSON round trip.
var ErrInvalidPrompt = errors.New("prompt is not valid UTF-8")

// CachedResponse represents a cached completion
type CachedResponse struct {
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is one cached prompt as listed by Entries.
type Entry struct {
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Options bounds the per-user table. Zero values mean unbounded and no expiry.
type Options struct {
	MaxEntries int
	TTL        time.Duration
}

// ResponseCache memoizes prompt -> response per user in the key-value store.
type ResponseCache struct {
	store  kvstore.Store
	locks  *kvstore.Locker
	logger *slog.Logger
	opts   Options

	// Now is the clock used for timestamps and expiry
	Now func() time.Time
}

// New creates a ResponseCache
func New(store kvstore.Store, locks *kvstore.Locker, logger *slog.Logger, opts Options) *ResponseCache {
	if locks == nil {
		locks = kvstore.NewLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseCache{
		store:  store,
		locks:  locks,
		logger: logger,
		opts:   opts,
		Now:    time.Now,
	}
}

// Normalize turns user input into a cache key: surrounding whitespace is
// trimmed, nothing else changes.
func Normalize(prompt string) string {
	return strings.TrimSpace(prompt)
}

// Lookup returns the cached response for prompt, if any.
func (c *ResponseCache) Lookup(ctx context.Context, user session.Identity, prompt string) (string, bool) {
	key := Normalize(prompt)
	if key == "" || !utf8.ValidString(key) {
		return "", false
	}

	table := c.load(ctx, user)
	entry, ok := table[key]
	if !ok {
		return "", false
	}
	if c.expired(entry) {
		c.logger.Debug("cache entry expired", "user", user)
		return "", false
	}
	c.logger.Info("cache hit", "user", user)
	return entry.Response, true
}

// Store records response for prompt, overwriting any previous entry, and
// applies the eviction policy.
func (c *ResponseCache) Store(ctx context.Context, user session.Identity, prompt, response string) error {
	key := Normalize(prompt)
	if key == "" {
		return ErrEmptyPrompt
	}
	if !utf8.ValidString(key) {
		return ErrInvalidPrompt
	}

	storeKey := namespace.Key(user, namespace.PromptCache, "")
	unlock := c.locks.Lock(storeKey)
	defer unlock()

	table := c.load(ctx, user)
	table[key] = CachedResponse{
		Response:  strings.ToValidUTF8(response, "\uFFFD"),
		Timestamp: c.Now(),
	}
	c.evict(table)

	if err := c.save(ctx, storeKey, table); err != nil {
		c.logger.Error("failed to save response cache", "user", user, "error", err)
		return err
	}
	c.logger.Info("cached response", "user", user, "entries", len(table))
	return nil
}

// Clear drops the user's whole table.
func (c *ResponseCache) Clear(ctx context.Context, user session.Identity) error {
	storeKey := namespace.Key(user, namespace.PromptCache, "")
	unlock := c.locks.Lock(storeKey)
	defer unlock()

	if err := c.store.Remove(ctx, storeKey); err != nil {
		return fmt.Errorf("failed to clear response cache: %w", err)
	}
	c.logger.Info("cleared response cache", "user", user)
	return nil
}

// Len returns the number of live entries for user.
func (c *ResponseCache) Len(ctx context.Context, user session.Identity) int {
	n := 0
	for _, entry := range c.load(ctx, user) {
		if !c.expired(entry) {
			n++
		}
	}
	return n
}

// Entries lists the user's live entries, newest first.
func (c *ResponseCache) Entries(ctx context.Context, user session.Identity) []Entry {
	var entries []Entry
	for prompt, entry := range c.load(ctx, user) {
		if c.expired(entry) {
			continue
		}
		entries = append(entries, Entry{Prompt: prompt, Response: entry.Response, Timestamp: entry.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Prompt < entries[j].Prompt
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries
}

func (c *ResponseCache) expired(entry CachedResponse) bool {
	return c.opts.TTL > 0 && c.Now().Sub(entry.Timestamp) > c.opts.TTL
}

// evict drops expired entries, then the oldest ones above MaxEntries.
func (c *ResponseCache) evict(table map[string]CachedResponse) {
	for prompt, entry := range table {
		if c.expired(entry) {
			delete(table, prompt)
		}
	}

	if c.opts.MaxEntries <= 0 || len(table) <= c.opts.MaxEntries {
		return
	}

	prompts := make([]string, 0, len(table))
	for prompt := range table {
		prompts = append(prompts, prompt)
	}
	sort.Slice(prompts, func(i, j int) bool {
		ti, tj := table[prompts[i]].Timestamp, table[prompts[j]].Timestamp
		if ti.Equal(tj) {
			return prompts[i] < prompts[j]
		}
		return ti.Before(tj)
	})
	for _, prompt := range prompts[:len(prompts)-c.opts.MaxEntries] {
		delete(table, prompt)
	}
}

func (c *ResponseCache) load(ctx context.Context, user session.Identity) map[string]CachedResponse {
	table := make(map[string]CachedResponse)

	raw, ok, err := c.store.Get(ctx, namespace.Key(user, namespace.PromptCache, ""))
	if err != nil {
		c.logger.Warn("failed to read response cache", "user", user, "error", err)
		return table
	}
	if !ok {
		return table
	}
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		c.logger.Warn("discarding malformed response cache", "user", user, "error", err)
		return make(map[string]CachedResponse)
	}
	if table == nil {
		table = make(map[string]CachedResponse)
	}
	return table
}

func (c *ResponseCache) save(ctx context.Context, storeKey string, table map[string]CachedResponse) error {
	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to marshal response cache: %w", err)
	}
	if err := c.store.Set(ctx, storeKey, string(data)); err != nil {
		return fmt.Errorf("failed to save response cache: %w", err)
	}
	return nil
}
