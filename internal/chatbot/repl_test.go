package chatbot

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LocalChat/internal/kvstore"
)

func runScript(t *testing.T, app *App, lines ...string) string {
	t.Helper()
	var out bytes.Buffer
	err := app.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	require.NoError(t, err)
	return out.String()
}

func TestRun_Session(t *testing.T) {
	completer := &scriptedCompleter{replies: map[string]string{"hello": "hi there"}}
	app := newApp(t, kvstore.NewMemory(), completer, newFakeAuth())

	out := runScript(t, app,
		"hello",
		"/register a@x.com pw",
		"hello",
		"/new",
		"hello",
		"/chats",
		"/history",
		"/cache",
		"/quit",
		"never read",
	)

	assert.Contains(t, out, "Please /login")
	assert.Contains(t, out, "Error: please log in first")
	assert.Contains(t, out, "Signed in as a@x.com (0 conversations)")
	assert.Contains(t, out, "Started Chat - ")
	// two sends plus the /history line
	assert.Equal(t, 3, strings.Count(out, "Bot: hi there"))
	assert.Equal(t, 1, completer.Calls())
	assert.Contains(t, out, "* 1. Chat - ")
	assert.Contains(t, out, "  2. Chat - ")
	assert.Contains(t, out, "] You: hello")
	assert.Contains(t, out, "] Bot: hi there")
	assert.Contains(t, out, "] hello -> hi there")
	assert.Contains(t, out, "Goodbye!")
	assert.Equal(t, StateChat, app.State())
}

func TestRun_Commands(t *testing.T) {
	app := newApp(t, kvstore.NewMemory(), &scriptedCompleter{}, newFakeAuth("a@x.com"))

	out := runScript(t, app,
		"/login a@x.com wrong",
		"/login a@x.com",
		"/bogus",
		"/login a@x.com pw",
		"/history",
		"/select 3",
		"/cache",
		"/clear-cache",
		"/logout",
		"/help",
	)

	assert.Contains(t, out, "Error: Incorrect password")
	assert.Contains(t, out, "Error: usage: /login <email> <password>")
	assert.Contains(t, out, "Error: unknown command: /bogus")
	assert.Contains(t, out, "No messages yet.")
	assert.Contains(t, out, "Error: no conversation number 3")
	assert.Contains(t, out, "Response cache is empty.")
	assert.Contains(t, out, "Response cache cleared.")
	assert.Contains(t, out, "Signed out.")
	assert.Contains(t, out, "Available commands:")
	assert.Equal(t, StateLogin, app.State())
}

func TestRun_StopsWhenContextDone(t *testing.T) {
	app := newApp(t, kvstore.NewMemory(), &scriptedCompleter{}, newFakeAuth())

	// the reader never yields a line
	in, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, in, &out) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Contains(t, out.String(), "Goodbye!")
}
