// Package registry keeps the ordered list of a user's conversations.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"LocalChat/internal/kvstore"
	"LocalChat/internal/namespace"
	"LocalChat/internal/session"
)

// TitleLayout is the date format used in generated conversation titles
const TitleLayout = "Jan 2, 2006"

// Registry loads, creates and persists conversation summaries.
// Entries are kept newest first, in insertion order.
type Registry struct {
	store  kvstore.Store
	locks  *kvstore.Locker
	logger *slog.Logger

	// Now is the clock used for ids and titles
	Now func() time.Time
}

// New creates a Registry over store. locks may be shared with other components.
func New(store kvstore.Store, locks *kvstore.Locker, logger *slog.Logger) *Registry {
	if locks == nil {
		locks = kvstore.NewLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		locks:  locks,
		logger: logger,
		Now:    time.Now,
	}
}

// Load returns the user's conversations. A missing or malformed payload
// yields an empty list; only a failing store returns an error.
func (r *Registry) Load(ctx context.Context, user session.Identity) ([]session.Conversation, error) {
	key := namespace.Key(user, namespace.ChatList, "")
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation list: %w", err)
	}
	if !ok {
		return []session.Conversation{}, nil
	}

	var conversations []session.Conversation
	if err := json.Unmarshal([]byte(raw), &conversations); err != nil {
		r.logger.Warn("discarding malformed conversation list", "user", user, "error", err)
		return []session.Conversation{}, nil
	}
	if conversations == nil {
		conversations = []session.Conversation{}
	}
	return conversations, nil
}

// Create prepends a new conversation to current and persists the result.
// The returned conversation and list are valid even when persisting fails.
func (r *Registry) Create(ctx context.Context, user session.Identity, current []session.Conversation) (session.Conversation, []session.Conversation, error) {
	now := r.Now()

	// ids are time-derived; bump until unique within this registry
	ms := now.UnixMilli()
	id := fmt.Sprintf("chat_%d", ms)
	for session.IndexOf(current, id) >= 0 {
		ms++
		id = fmt.Sprintf("chat_%d", ms)
	}

	conv := session.Conversation{
		ID:    id,
		Title: "Chat - " + now.Format(TitleLayout),
	}

	updated := make([]session.Conversation, 0, len(current)+1)
	updated = append(updated, conv)
	updated = append(updated, current...)

	r.logger.Info("created conversation", "user", user, "conversation_id", id)

	if err := r.Persist(ctx, user, updated); err != nil {
		return conv, updated, err
	}
	return conv, updated, nil
}

// Persist overwrites the stored list with conversations.
func (r *Registry) Persist(ctx context.Context, user session.Identity, conversations []session.Conversation) error {
	if conversations == nil {
		conversations = []session.Conversation{}
	}
	data, err := json.Marshal(conversations)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation list: %w", err)
	}

	key := namespace.Key(user, namespace.ChatList, "")
	unlock := r.locks.Lock(key)
	defer unlock()

	if err := r.store.Set(ctx, key, string(data)); err != nil {
		r.logger.Error("failed to save conversation list", "user", user, "error", err)
		return fmt.Errorf("failed to save conversation list: %w", err)
	}
	return nil
}

// SaveActive records the active conversation id for user.
// An empty id removes the record.
func (r *Registry) SaveActive(ctx context.Context, user session.Identity, conversationID string) error {
	key := namespace.Key(user, namespace.ActiveChatID, "")
	var err error
	if conversationID == "" {
		err = r.store.Remove(ctx, key)
	} else {
		err = r.store.Set(ctx, key, conversationID)
	}
	if err != nil {
		r.logger.Error("failed to save active conversation", "user", user, "error", err)
		return fmt.Errorf("failed to save active conversation: %w", err)
	}
	return nil
}

// LoadActive returns the recorded active conversation id, if any.
func (r *Registry) LoadActive(ctx context.Context, user session.Identity) (string, error) {
	id, _, err := r.store.Get(ctx, namespace.Key(user, namespace.ActiveChatID, ""))
	if err != nil {
		return "", fmt.Errorf("failed to load active conversation: %w", err)
	}
	return id, nil
}
