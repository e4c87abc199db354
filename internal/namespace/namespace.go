// Package namespace derives storage keys from a user identity, a logical
// bucket and an optional conversation id.
//
// Every variable component is query-escaped, so an escaped component never
// contains the '/' separator and two different tuples never share a key.
package namespace

import (
	"net/url"
	"strings"

	"LocalChat/internal/session"
)

// Bucket names a logical per-user storage area.
type Bucket string

const (
	ChatList     Bucket = "chatList"
	ChatMessages Bucket = "chatMessages"
	PromptCache  Bucket = "promptCache"
	ActiveChatID Bucket = "activeChatId"
)

const (
	root = "localchat"
	sep  = "/"
)

// Key returns the storage key for (user, bucket[, conversationID]).
// An empty conversationID means the bucket is user-scoped.
func Key(user session.Identity, bucket Bucket, conversationID string) string {
	var b strings.Builder
	b.WriteString(root)
	b.WriteString(sep + "u" + sep)
	b.WriteString(url.QueryEscape(string(user)))
	b.WriteString(sep)
	b.WriteString(string(bucket))
	if conversationID != "" {
		b.WriteString(sep)
		b.WriteString(url.QueryEscape(conversationID))
	}
	return b.String()
}

// IdentityKey holds the process-wide stored identity used at startup.
func IdentityKey() string {
	return root + sep + "identity"
}

// AuthUserKey is where the reference auth service keeps an account record.
func AuthUserKey(email string) string {
	return root + sep + "auth" + sep + "users" + sep + url.QueryEscape(email)
}
