package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LocalChat/internal/auth"
	"LocalChat/internal/authserver"
	"LocalChat/internal/backend"
	"LocalChat/internal/cache"
	"LocalChat/internal/chatbot"
	"LocalChat/internal/httpapi"
	"LocalChat/internal/kvstore"
	"LocalChat/internal/session"
)

type echoCompleter struct {
	calls int
}

func (e *echoCompleter) Complete(_ context.Context, turns []backend.Turn) (string, error) {
	e.calls++
	return "echo: " + turns[len(turns)-1].Content, nil
}

type fixture struct {
	ts        *httptest.Server
	srv       *httpapi.Server
	app       *chatbot.App
	completer *echoCompleter
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authSrv := httptest.NewServer(authserver.New(kvstore.NewMemory(), logger, "test-secret", time.Hour).Router())
	t.Cleanup(authSrv.Close)

	completer := &echoCompleter{}
	app, err := chatbot.New(chatbot.Deps{
		Store:     kvstore.NewMemory(),
		Auth:      auth.NewClient(authSrv.URL, authSrv.Client()),
		Completer: completer,
		Logger:    logger,
	})
	require.NoError(t, err)
	app.Bootstrap(context.Background())

	srv := httpapi.New(app, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
	})
	return &fixture{ts: ts, srv: srv, app: app, completer: completer}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorOf(t *testing.T, data []byte) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(data, &body))
	return body["error"]
}

func creds(email, password string) map[string]string {
	return map[string]string{"email": email, "password": password}
}

func TestAuthFlow(t *testing.T) {
	f := setup(t)

	resp, data := f.do(t, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view chatbot.View
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, chatbot.StateLogin, view.State)

	resp, data = f.do(t, http.MethodPost, "/api/login", creds("a@x.com", "pw"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Email not found", errorOf(t, data))

	resp, data = f.do(t, http.MethodPost, "/api/login", creds(" ", "pw"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, auth.ErrMissingFields.Error(), errorOf(t, data))

	resp, data = f.do(t, http.MethodPost, "/api/register", creds("a@x.com", "pw"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, chatbot.StateChat, view.State)
	assert.Equal(t, "a@x.com", view.User)

	resp, _ = f.do(t, http.MethodPost, "/api/login", creds("a@x.com", "pw"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "already signed in")

	resp, _ = f.do(t, http.MethodPost, "/api/logout", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = f.do(t, http.MethodPost, "/api/login", creds("a@x.com", "nope"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Incorrect password", errorOf(t, data))

	resp, _ = f.do(t, http.MethodPost, "/api/login", creds("a@x.com", "pw"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatFlow(t *testing.T) {
	f := setup(t)

	resp, _ := f.do(t, http.MethodGet, "/api/chats", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/cache", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/register", creds("a@x.com", "pw"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, data := f.do(t, http.MethodPost, "/api/messages", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, chatbot.ErrNoActiveChat.Error(), errorOf(t, data))

	resp, data = f.do(t, http.MethodPost, "/api/chats", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv session.Conversation
	require.NoError(t, json.Unmarshal(data, &conv))
	assert.True(t, strings.HasPrefix(conv.ID, "chat_"))

	resp, data = f.do(t, http.MethodPost, "/api/messages", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, errorOf(t, data))

	for i := 0; i < 2; i++ {
		resp, data = f.do(t, http.MethodPost, "/api/messages", map[string]string{"text": "hello"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var sent struct {
			Message session.Message `json:"message"`
		}
		require.NoError(t, json.Unmarshal(data, &sent))
		assert.Equal(t, "echo: hello", sent.Message.Text)
		assert.Equal(t, session.SenderBot, sent.Message.Sender)
	}
	assert.Equal(t, 1, f.completer.calls, "repeat prompt is answered from the cache")

	resp, data = f.do(t, http.MethodGet, "/api/chats/"+conv.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var messages []session.Message
	require.NoError(t, json.Unmarshal(data, &messages))
	assert.Len(t, messages, 4)

	resp, _ = f.do(t, http.MethodGet, "/api/chats/chat_missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/chats/chat_missing/select", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/chats", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/chats/"+conv.ID+"/select", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = f.do(t, http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Conversations []session.Conversation `json:"conversations"`
		ActiveID      string                 `json:"activeId"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Conversations, 2)
	assert.Equal(t, conv.ID, list.ActiveID)

	resp, data = f.do(t, http.MethodGet, "/api/cache", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cached struct {
		Entries []cache.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(data, &cached))
	require.Len(t, cached.Entries, 1)
	assert.Equal(t, "hello", cached.Entries[0].Prompt)
	assert.Equal(t, "echo: hello", cached.Entries[0].Response)
	assert.False(t, cached.Entries[0].Timestamp.IsZero())

	resp, _ = f.do(t, http.MethodDelete, "/api/cache", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, data = f.do(t, http.MethodGet, "/api/cache", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"entries":[]}`, string(data))
	resp, _ = f.do(t, http.MethodPost, "/api/messages", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, f.completer.calls)
}

func TestBadBodies(t *testing.T) {
	f := setup(t)
	for _, path := range []string{"/api/login", "/api/register", "/api/messages"} {
		req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, strings.NewReader("{"))
		require.NoError(t, err)
		resp, err := f.ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) httpapi.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev struct {
		Type string       `json:"type"`
		Data chatbot.View `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	return httpapi.Event{Type: ev.Type, Data: ev.Data}
}

func TestEvents(t *testing.T) {
	f := setup(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, "state", first.Type)
	assert.Equal(t, chatbot.StateLogin, first.Data.(chatbot.View).State)

	require.Eventually(t, func() bool {
		return f.srv.Hub().Len() == 1
	}, time.Second, 10*time.Millisecond)

	resp, _ := f.do(t, http.MethodPost, "/api/register", creds("a@x.com", "pw"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// register passes through the register form before reaching chat
	var last chatbot.View
	for last.State != chatbot.StateChat {
		last = readEvent(t, conn).Data.(chatbot.View)
	}
	assert.Equal(t, "a@x.com", last.User)
}
