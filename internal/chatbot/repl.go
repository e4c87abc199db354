package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"LocalChat/internal/auth"
	"LocalChat/internal/session"
)

// Run drives the App from a line-oriented terminal until /quit, EOF or
// cancellation of ctx.
func (a *App) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "=== LocalChat ===")
	fmt.Fprintln(out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.Bootstrap(ctx) == StateChat {
		v := a.Snapshot()
		fmt.Fprintf(out, "Signed in as %s (%d conversations)\n", v.User, len(v.Conversations))
	} else {
		fmt.Fprintln(out, "Please /login <email> <password> or /register <email> <password>")
	}

	lines, readErr := readLines(ctx, in)
	for {
		fmt.Fprint(out, "You: ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Goodbye!")
			return nil
		case l, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				fmt.Fprintln(out, "Goodbye!")
				return nil
			}
			line = l
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := a.handleCommand(ctx, input, out)
			if err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				a.logger.Error("command error", "command", strings.Fields(input)[0], "error", err)
			}
			if shouldQuit {
				fmt.Fprintln(out, "Goodbye!")
				return nil
			}
			continue
		}

		if err := a.sendFromPrompt(ctx, input, out); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			a.logger.Error("failed to send message", "error", err)
		}
	}
}

// readLines scans in on its own goroutine so Run can stop on ctx while a
// read is blocked. The scanner error is sent before lines is closed.
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
		close(lines)
	}()
	return lines, errc
}

func (a *App) sendFromPrompt(ctx context.Context, input string, out io.Writer) error {
	if a.State() != StateChat {
		return errors.New("please log in first")
	}
	if a.Snapshot().ActiveID == "" {
		conv, err := a.NewChat(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Started %s\n", conv.Title)
	}

	reply, err := a.Send(ctx, input)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Bot: %s\n", reply.Text)

	t := a.Snapshot().Telemetry
	if t.LastError != "" {
		fmt.Fprintf(out, "! %s\n", t.LastError)
	}
	if t.Latency > 0 {
		fmt.Fprintf(out, "(%d ms)\n", t.Latency.Milliseconds())
	}
	fmt.Fprintln(out)
	return nil
}

// handleCommand handles slash commands
func (a *App) handleCommand(ctx context.Context, cmd string, out io.Writer) (bool, error) {
	parts := strings.Fields(cmd)

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/login", "/register":
		if len(parts) != 3 {
			return false, fmt.Errorf("usage: %s <email> <password>", parts[0])
		}
		var err error
		if parts[0] == "/login" {
			err = a.Login(ctx, parts[1], parts[2])
		} else {
			if a.State() == StateLogin {
				_ = a.ShowRegister()
			}
			err = a.Register(ctx, parts[1], parts[2])
		}
		var failure *auth.Failure
		if errors.As(err, &failure) {
			return false, errors.New(failure.Message)
		}
		if err != nil {
			return false, err
		}
		v := a.Snapshot()
		fmt.Fprintf(out, "Signed in as %s (%d conversations)\n", v.User, len(v.Conversations))
		return false, nil

	case "/logout":
		if err := a.Logout(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "Signed out.")
		return false, nil

	case "/new":
		conv, err := a.NewChat(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Started %s (%s)\n", conv.Title, conv.ID)
		return false, nil

	case "/chats":
		v := a.Snapshot()
		if v.State != StateChat {
			return false, errors.New("please log in first")
		}
		if len(v.Conversations) == 0 {
			fmt.Fprintln(out, "No conversations yet. Use /new to start one.")
			return false, nil
		}
		for i, c := range v.Conversations {
			marker := " "
			if c.ID == v.ActiveID {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %d. %s (%s)\n", marker, i+1, c.Title, c.ID)
		}
		return false, nil

	case "/select":
		if len(parts) != 2 {
			return false, errors.New("usage: /select <n|id>")
		}
		id := parts[1]
		if n, err := strconv.Atoi(id); err == nil {
			convs := a.Snapshot().Conversations
			if n < 1 || n > len(convs) {
				return false, fmt.Errorf("no conversation number %d", n)
			}
			id = convs[n-1].ID
		}
		if err := a.SelectChat(ctx, id); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Selected %s\n", id)
		return false, nil

	case "/history":
		v := a.Snapshot()
		if v.State != StateChat {
			return false, errors.New("please log in first")
		}
		if len(v.Messages) == 0 {
			fmt.Fprintln(out, "No messages yet.")
		}
		for _, m := range v.Messages {
			who := "You"
			if m.Sender == session.SenderBot {
				who = "Bot"
			}
			fmt.Fprintf(out, "[%s] %s: %s\n", m.Time, who, m.Text)
		}
		return false, nil

	case "/cache":
		entries, err := a.CacheEntries(ctx)
		if err != nil {
			return false, err
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "Response cache is empty.")
		}
		for i, e := range entries {
			fmt.Fprintf(out, "%d. [%s] %s -> %s\n", i+1, e.Timestamp.Format("2006-01-02 15:04"), e.Prompt, e.Response)
		}
		return false, nil

	case "/clear-cache":
		if err := a.ClearCache(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "Response cache cleared.")
		return false, nil

	case "/help":
		fmt.Fprintln(out, "Available commands:")
		fmt.Fprintln(out, "  /login <email> <password>    - Sign in")
		fmt.Fprintln(out, "  /register <email> <password> - Create an account and sign in")
		fmt.Fprintln(out, "  /logout                      - Sign out")
		fmt.Fprintln(out, "  /new                         - Start a new conversation")
		fmt.Fprintln(out, "  /chats                       - List conversations")
		fmt.Fprintln(out, "  /select <n|id>               - Switch conversation")
		fmt.Fprintln(out, "  /history                     - Show the active conversation")
		fmt.Fprintln(out, "  /cache                       - List cached responses")
		fmt.Fprintln(out, "  /clear-cache                 - Forget cached responses")
		fmt.Fprintln(out, "  /quit, /exit                 - Exit")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}
