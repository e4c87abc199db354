// Package messagelog persists the ordered messages of each conversation.
//
// The per-conversation key is the only stored representation. The
// all-conversations view is derived on read from the registry's ids, so
// logs of conversations no longer in the registry stay in storage but are
// never surfaced.
package messagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"LocalChat/internal/kvstore"
	"LocalChat/internal/namespace"
	"LocalChat/internal/session"
)

// Log reads and writes per-conversation message sequences.
type Log struct {
	store  kvstore.Store
	locks  *kvstore.Locker
	logger *slog.Logger
}

// New creates a Log over store
func New(store kvstore.Store, locks *kvstore.Locker, logger *slog.Logger) *Log {
	if locks == nil {
		locks = kvstore.NewLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, locks: locks, logger: logger}
}

// Load returns the messages of one conversation, oldest first.
// Absent or malformed data yields an empty sequence.
func (l *Log) Load(ctx context.Context, user session.Identity, conversationID string) ([]session.Message, error) {
	return l.load(ctx, user, namespace.Key(user, namespace.ChatMessages, conversationID))
}

func (l *Log) load(ctx context.Context, user session.Identity, key string) ([]session.Message, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if !ok {
		return []session.Message{}, nil
	}

	var messages []session.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		l.logger.Warn("discarding malformed message log", "user", user, "key", key, "error", err)
		return []session.Message{}, nil
	}
	if messages == nil {
		messages = []session.Message{}
	}
	return messages, nil
}

// Append adds msg to the end of the conversation and rewrites the full
// sequence. msg.ID is raised above the last stored id when needed, so ids
// are strictly increasing within a conversation. Invalid UTF-8 in msg.Text
// is replaced with U+FFFD so the stored text reads back unchanged. The returned slice is the
// updated sequence; it is returned even when the write fails so callers can
// keep their in-memory view.
func (l *Log) Append(ctx context.Context, user session.Identity, conversationID string, msg session.Message) ([]session.Message, error) {
	key := namespace.Key(user, namespace.ChatMessages, conversationID)
	unlock := l.locks.Lock(key)
	defer unlock()

	messages, err := l.load(ctx, user, key)
	if err != nil {
		return nil, err
	}
	if n := len(messages); n > 0 && msg.ID <= messages[n-1].ID {
		msg.ID = messages[n-1].ID + 1
	}
	msg.Text = strings.ToValidUTF8(msg.Text, "\uFFFD")
	messages = append(messages, msg)

	if err := l.write(ctx, user, key, messages); err != nil {
		return messages, err
	}
	return messages, nil
}

// Replace overwrites the conversation's sequence with messages.
func (l *Log) Replace(ctx context.Context, user session.Identity, conversationID string, messages []session.Message) error {
	key := namespace.Key(user, namespace.ChatMessages, conversationID)
	unlock := l.locks.Lock(key)
	defer unlock()

	if messages == nil {
		messages = []session.Message{}
	}
	return l.write(ctx, user, key, messages)
}

func (l *Log) write(ctx context.Context, user session.Identity, key string, messages []session.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	if err := l.store.Set(ctx, key, string(data)); err != nil {
		l.logger.Error("failed to save messages", "user", user, "key", key, "error", err)
		return fmt.Errorf("failed to save messages: %w", err)
	}
	return nil
}

// LoadAll builds the conversation id -> messages view for the given registry.
func (l *Log) LoadAll(ctx context.Context, user session.Identity, conversations []session.Conversation) (map[string][]session.Message, error) {
	all := make(map[string][]session.Message, len(conversations))
	for _, conv := range conversations {
		messages, err := l.Load(ctx, user, conv.ID)
		if err != nil {
			return nil, err
		}
		all[conv.ID] = messages
	}
	return all, nil
}
