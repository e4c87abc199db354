package chatbot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"LocalChat/internal/backend"
	"LocalChat/internal/cache"
	"LocalChat/internal/namespace"
	"LocalChat/internal/session"
)

// Fallback bot texts and banners for failed completions
const (
	NoResponseText  = "No response received."
	UnreachableText = "Could not reach the server."
	UnknownError    = "Unknown error."
)

// View is what the UI renders.
type View struct {
	State         State                  `json:"state"`
	User          string                 `json:"user,omitempty"`
	Conversations []session.Conversation `json:"conversations"`
	ActiveID      string                 `json:"activeId,omitempty"`
	Messages      []session.Message      `json:"messages"`
	Telemetry     Telemetry              `json:"telemetry"`
	Pending       []string               `json:"pending"`
}

// Snapshot returns a copy of the state the UI needs.
func (a *App) Snapshot() View {
	a.mu.Lock()
	defer a.mu.Unlock()

	v := View{
		State:         a.state,
		Conversations: []session.Conversation{},
		Messages:      []session.Message{},
		Pending:       []string{},
		Telemetry:     a.telemetry,
	}
	if a.sess == nil {
		return v
	}
	v.User = a.sess.User.String()
	v.Conversations = append(v.Conversations, a.sess.conversations...)
	v.ActiveID = a.sess.activeID
	v.Messages = append(v.Messages, a.sess.messages[a.sess.activeID]...)
	for key, convID := range a.inFlight {
		if key == namespace.Key(a.sess.User, namespace.ChatMessages, convID) {
			v.Pending = append(v.Pending, convID)
		}
	}
	sort.Strings(v.Pending)
	return v
}

// chatSession returns the live session; callers hold a.mu.
func (a *App) chatSession() (*Session, error) {
	if a.state != StateChat || a.sess == nil {
		return nil, fmt.Errorf("%w: not signed in", ErrInvalidTransition)
	}
	return a.sess, nil
}

// NewChat creates a conversation, puts it first and selects it.
func (a *App) NewChat(ctx context.Context) (session.Conversation, error) {
	a.mu.Lock()
	sess, err := a.chatSession()
	if err != nil {
		a.mu.Unlock()
		return session.Conversation{}, err
	}

	// persist failures are logged by the registry; the in-memory view moves on
	conv, updated, _ := a.registry.Create(ctx, sess.User, sess.conversations)
	sess.conversations = updated
	sess.messages[conv.ID] = []session.Message{}
	sess.activeID = conv.ID
	_ = a.registry.SaveActive(ctx, sess.User, conv.ID)
	a.mu.Unlock()

	a.changed()
	return conv, nil
}

// SelectChat makes id the active conversation.
func (a *App) SelectChat(ctx context.Context, id string) error {
	a.mu.Lock()
	sess, err := a.chatSession()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if session.IndexOf(sess.conversations, id) < 0 {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	sess.activeID = id
	if _, ok := sess.messages[id]; !ok {
		sess.messages[id] = []session.Message{}
	}
	_ = a.registry.SaveActive(ctx, sess.User, id)
	a.mu.Unlock()

	a.changed()
	return nil
}

// History returns the messages of one conversation of the signed-in user.
func (a *App) History(id string) ([]session.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, err := a.chatSession()
	if err != nil {
		return nil, err
	}
	if session.IndexOf(sess.conversations, id) < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	return append([]session.Message{}, sess.messages[id]...), nil
}

// CacheEntries lists the signed-in user's cached prompts, newest first.
func (a *App) CacheEntries(ctx context.Context) ([]cache.Entry, error) {
	a.mu.Lock()
	sess, err := a.chatSession()
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return a.cache.Entries(ctx, sess.User), nil
}

// ClearCache drops the signed-in user's response cache.
func (a *App) ClearCache(ctx context.Context) error {
	a.mu.Lock()
	sess, err := a.chatSession()
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return a.cache.Clear(ctx, sess.User)
}

// Send posts text to the active conversation and returns the bot message
// that answered it. The answer comes from the response cache when the user
// sent the same prompt before, otherwise from the completion service. A
// failed completion still yields a fallback bot message; its error is
// reported in the telemetry banner, not returned.
//
// Once accepted, a send runs to completion or failure even if ctx is
// cancelled; only its values (trace context) are kept.
func (a *App) Send(ctx context.Context, text string) (session.Message, error) {
	ctx = context.WithoutCancel(ctx)

	prompt := strings.TrimSpace(text)
	if prompt == "" {
		return session.Message{}, ErrEmptyPrompt
	}
	if !utf8.ValidString(prompt) {
		return session.Message{}, ErrInvalidPrompt
	}

	a.mu.Lock()
	sess, err := a.chatSession()
	if err != nil {
		a.mu.Unlock()
		return session.Message{}, err
	}
	convID := sess.activeID
	if convID == "" {
		a.mu.Unlock()
		return session.Message{}, ErrNoActiveChat
	}
	user := sess.User
	flightKey := namespace.Key(user, namespace.ChatMessages, convID)
	if _, busy := a.inFlight[flightKey]; busy {
		a.mu.Unlock()
		return session.Message{}, ErrSendInFlight
	}
	a.inFlight[flightKey] = convID
	a.telemetry = Telemetry{}

	turns := make([]backend.Turn, 0, len(sess.messages[convID])+1)
	for _, m := range sess.messages[convID] {
		turns = append(turns, backend.Turn{Role: m.Sender.Role(), Content: m.Text})
	}
	turns = append(turns, backend.Turn{Role: session.SenderUser.Role(), Content: prompt})
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.inFlight, flightKey)
		a.mu.Unlock()
		a.changed()
	}()

	ctx, span := a.tracer.Start(ctx, "send")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", convID))

	a.appendMessage(ctx, user, convID, session.SenderUser, prompt)
	a.changed()
	if a.promptLog != nil {
		a.promptLog.Info("prompt", "user", user, "conversation_id", convID, "prompt", prompt)
	}

	reply, banner, latency := a.answer(ctx, user, prompt, turns)
	if banner != "" {
		span.SetStatus(codes.Error, banner)
	}

	botMsg := a.appendMessage(ctx, user, convID, session.SenderBot, reply)

	a.mu.Lock()
	if a.sess != nil && a.sess.User == user {
		a.telemetry = Telemetry{Latency: latency, LastError: banner}
	}
	a.mu.Unlock()

	return botMsg, nil
}

// answer produces the bot text for prompt, the banner to show (empty on
// success) and the completion round trip (zero on a cache hit).
func (a *App) answer(ctx context.Context, user session.Identity, prompt string, turns []backend.Turn) (string, string, time.Duration) {
	if cached, ok := a.cache.Lookup(ctx, user, prompt); ok {
		a.cacheHits.Add(ctx, 1)
		return cached, "", 0
	}
	a.cacheMisses.Add(ctx, 1)

	start := time.Now()
	reply, err := a.completer.Complete(ctx, turns)
	latency := time.Since(start)
	a.sendDuration.Record(ctx, float64(latency.Milliseconds()),
		metric.WithAttributes(attribute.Bool("success", err == nil)))

	if err == nil {
		// stored text must read back byte-identical
		reply = strings.ToValidUTF8(reply, "\uFFFD")
		// write failures are logged by the cache
		_ = a.cache.Store(ctx, user, prompt, reply)
		return reply, "", latency
	}

	a.logger.Error("completion failed", "user", user, "error", err)

	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr):
		banner := apiErr.Message
		if banner == "" {
			banner = UnknownError
		}
		return NoResponseText, banner, latency
	case errors.Is(err, backend.ErrEmptyResponse):
		return NoResponseText, "", latency
	default:
		return UnreachableText, UnreachableText, latency
	}
}

// appendMessage persists a new message under user and mirrors it into the
// live session when that user is still signed in.
func (a *App) appendMessage(ctx context.Context, user session.Identity, convID string, sender session.Sender, text string) session.Message {
	now := a.Now()
	msg := session.Message{
		ID:     now.UnixMilli(),
		Text:   strings.ToValidUTF8(text, "\uFFFD"),
		Sender: sender,
		Time:   now.Format(session.TimeLayout),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// ids must exceed what the session already shows, even if storage lags behind
	if a.sess != nil && a.sess.User == user {
		if prev := a.sess.messages[convID]; len(prev) > 0 && msg.ID <= prev[len(prev)-1].ID {
			msg.ID = prev[len(prev)-1].ID + 1
		}
	}

	// write failures are logged by the log and never end the session
	if stored, _ := a.log.Append(ctx, user, convID, msg); len(stored) > 0 {
		msg = stored[len(stored)-1]
	}

	if a.sess != nil && a.sess.User == user && session.IndexOf(a.sess.conversations, convID) >= 0 {
		a.sess.messages[convID] = append(a.sess.messages[convID], msg)
	}
	return msg
}
