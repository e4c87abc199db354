package namespace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"LocalChat/internal/namespace"
	"LocalChat/internal/session"
)

func TestKey_Deterministic(t *testing.T) {
	a := namespace.Key("a@x.com", namespace.ChatList, "")
	b := namespace.Key("a@x.com", namespace.ChatList, "")
	assert.Equal(t, a, b)
	assert.Equal(t, "localchat/u/a%40x.com/chatList", a)
}

func TestKey_ConversationScoped(t *testing.T) {
	got := namespace.Key("a@x.com", namespace.ChatMessages, "chat_1")
	assert.Equal(t, "localchat/u/a%40x.com/chatMessages/chat_1", got)
	assert.NotEqual(t, namespace.Key("a@x.com", namespace.ChatMessages, ""), got)
}

func TestKey_NoCollisions(t *testing.T) {
	type tuple struct {
		user   session.Identity
		bucket namespace.Bucket
		conv   string
	}
	tuples := []tuple{
		{"a@x.com", namespace.ChatList, ""},
		{"b@x.com", namespace.ChatList, ""},
		{"a@x.com", namespace.PromptCache, ""},
		{"a@x.com", namespace.ActiveChatID, ""},
		{"a@x.com", namespace.ChatMessages, "chat_1"},
		{"a@x.com", namespace.ChatMessages, "chat_2"},
		// separators inside components must not let tuples alias each other
		{"a@x.com/chatMessages", namespace.ChatMessages, ""},
		{"a@x.com", namespace.ChatMessages, "x/chatList"},
		{"a@x.com/chatList", namespace.ChatList, ""},
		{"a b", namespace.ChatList, ""},
		{"a+b", namespace.ChatList, ""},
		{"a-chatList", namespace.ChatList, ""},
		{"a", namespace.ChatList, ""},
	}

	seen := make(map[string]tuple)
	for _, tc := range tuples {
		key := namespace.Key(tc.user, tc.bucket, tc.conv)
		if prev, ok := seen[key]; ok {
			t.Fatalf("collision on %q between %+v and %+v", key, prev, tc)
		}
		seen[key] = tc
	}
}

func TestGlobalKeys(t *testing.T) {
	assert.Equal(t, "localchat/identity", namespace.IdentityKey())
	assert.Equal(t, "localchat/auth/users/a%40x.com", namespace.AuthUserKey("a@x.com"))
	assert.NotEqual(t, namespace.IdentityKey(), namespace.Key("identity", namespace.ChatList, ""))
}
