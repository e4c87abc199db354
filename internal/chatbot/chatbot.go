// Package chatbot ties the conversation registry, message log, response
// cache and collaborators together behind the session lifecycle.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"LocalChat/internal/auth"
	"LocalChat/internal/backend"
	"LocalChat/internal/cache"
	"LocalChat/internal/kvstore"
	"LocalChat/internal/messagelog"
	"LocalChat/internal/namespace"
	"LocalChat/internal/registry"
	"LocalChat/internal/session"
)

// State is a session lifecycle state
type State string

const (
	StateLoading  State = "loading"
	StateLogin    State = "login"
	StateRegister State = "register"
	StateChat     State = "chat"
)

var (
	// ErrInvalidTransition is returned for actions the current state does not allow
	ErrInvalidTransition = errors.New("action not allowed in current state")

	// ErrEmptyPrompt is returned by Send for blank input
	ErrEmptyPrompt = cache.ErrEmptyPrompt

	// ErrInvalidPrompt is returned by Send for input that is not valid UTF-8
	ErrInvalidPrompt = cache.ErrInvalidPrompt

	// ErrSendInFlight is returned while a send to the same conversation is outstanding
	ErrSendInFlight = errors.New("a message is already being sent in this conversation")

	// ErrAuthInFlight is returned while a login or register call is outstanding
	ErrAuthInFlight = errors.New("authentication already in progress")

	ErrNoActiveChat        = errors.New("no conversation selected")
	ErrUnknownConversation = errors.New("unknown conversation")
)

// Session is the context of one signed-in user. It is created on login
// (or bootstrap) and dropped on logout.
type Session struct {
	User          session.Identity
	conversations []session.Conversation
	messages      map[string][]session.Message
	activeID      string
}

// Telemetry is the transient per-send feedback shown next to the chat
type Telemetry struct {
	Latency   time.Duration `json:"latency"`
	LastError string        `json:"lastError,omitempty"`
}

// Deps are the collaborators of an App.
type Deps struct {
	Store     kvstore.Store
	Auth      auth.Service
	Completer backend.Completer
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Meter     metric.Meter

	// PromptLog, when set, receives one record per accepted prompt
	PromptLog *slog.Logger

	Cache cache.Options

	// RestoreSelection prefers the persisted active conversation over the
	// most recent one when hydrating.
	RestoreSelection bool
}

// App is the process-wide chat client: one lifecycle, at most one session.
type App struct {
	store     kvstore.Store
	registry  *registry.Registry
	log       *messagelog.Log
	cache     *cache.ResponseCache
	auth      auth.Service
	completer backend.Completer
	logger    *slog.Logger
	promptLog *slog.Logger
	tracer    trace.Tracer

	sendDuration metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter

	restoreSelection bool

	mu          sync.Mutex
	state       State
	sess        *Session
	telemetry   Telemetry
	inFlight    map[string]string // message key -> conversation id
	authPending bool
	listeners   []func()

	// Now is the clock used for message ids and times
	Now func() time.Time
}

// New creates an App in the loading state.
func New(deps Deps) (*App, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Auth == nil {
		return nil, errors.New("auth service is required")
	}
	if deps.Completer == nil {
		return nil, errors.New("completer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("localchat")
	}
	meter := deps.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("localchat")
	}

	sendDuration, err := meter.Float64Histogram(
		"localchat.send.duration",
		metric.WithDescription("Completion round trip in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	cacheHits, err := meter.Int64Counter("localchat.cache.hits",
		metric.WithDescription("Prompts answered from the response cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	cacheMisses, err := meter.Int64Counter("localchat.cache.misses",
		metric.WithDescription("Prompts sent to the completion service"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	locks := kvstore.NewLocker()
	return &App{
		store:            deps.Store,
		registry:         registry.New(deps.Store, locks, logger),
		log:              messagelog.New(deps.Store, locks, logger),
		cache:            cache.New(deps.Store, locks, logger, deps.Cache),
		auth:             deps.Auth,
		completer:        deps.Completer,
		logger:           logger,
		promptLog:        deps.PromptLog,
		tracer:           tracer,
		sendDuration:     sendDuration,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		restoreSelection: deps.RestoreSelection,
		state:            StateLoading,
		inFlight:         make(map[string]string),
		Now:              time.Now,
	}, nil
}

// OnChange registers fn to be called after every state change.
func (a *App) OnChange(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *App) changed() {
	a.mu.Lock()
	listeners := append([]func(){}, a.listeners...)
	a.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// State returns the current lifecycle state
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Bootstrap resolves the stored identity. With a non-blank identity and a
// successful hydration the App enters chat; anything else lands on login.
func (a *App) Bootstrap(ctx context.Context) State {
	a.mu.Lock()
	if a.state != StateLoading {
		state := a.state
		a.mu.Unlock()
		return state
	}
	a.mu.Unlock()

	state := a.bootstrap(ctx)
	a.changed()
	return state
}

func (a *App) bootstrap(ctx context.Context) State {
	raw, found, err := a.store.Get(ctx, namespace.IdentityKey())
	user := session.Identity(raw)

	var sess *Session
	switch {
	case err != nil:
		a.logger.Error("failed to read stored identity", "error", err)
	case !found || !user.Valid():
		a.logger.Info("no stored identity, showing login")
	default:
		sess, err = a.hydrate(ctx, user)
		if err != nil {
			a.logger.Error("hydration failed, showing login", "user", user, "error", err)
			sess = nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if sess == nil {
		a.state = StateLogin
		return a.state
	}
	a.sess = sess
	a.state = StateChat
	a.logger.Info("restored session", "user", user, "conversations", len(sess.conversations))
	return a.state
}

// hydrate loads the registry and messages of user into a fresh Session.
func (a *App) hydrate(ctx context.Context, user session.Identity) (*Session, error) {
	conversations, err := a.registry.Load(ctx, user)
	if err != nil {
		return nil, err
	}
	messages, err := a.log.LoadAll(ctx, user, conversations)
	if err != nil {
		return nil, err
	}

	sess := &Session{User: user, conversations: conversations, messages: messages}
	if len(conversations) > 0 {
		sess.activeID = conversations[0].ID
	}
	if a.restoreSelection {
		id, err := a.registry.LoadActive(ctx, user)
		if err != nil {
			a.logger.Warn("failed to load active conversation", "user", user, "error", err)
		} else if id != "" && session.IndexOf(conversations, id) >= 0 {
			sess.activeID = id
		}
	}
	return sess, nil
}

// ShowRegister switches the login form to the register form.
func (a *App) ShowRegister() error {
	return a.swap(StateLogin, StateRegister)
}

// ShowLogin switches the register form back to the login form.
func (a *App) ShowLogin() error {
	return a.swap(StateRegister, StateLogin)
}

func (a *App) swap(from, to State) error {
	a.mu.Lock()
	if a.state != from {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, to, a.state)
	}
	a.state = to
	a.mu.Unlock()
	a.changed()
	return nil
}

// Login authenticates and enters chat with the user's persisted data.
// Failures leave the state unchanged.
func (a *App) Login(ctx context.Context, email, password string) error {
	return a.authenticate(ctx, func() (session.Identity, error) {
		return a.auth.Login(ctx, email, password)
	})
}

// Register creates the account and signs in as it.
func (a *App) Register(ctx context.Context, email, password string) error {
	return a.authenticate(ctx, func() (session.Identity, error) {
		if err := a.auth.Register(ctx, email, password); err != nil {
			return "", err
		}
		return session.Identity(strings.TrimSpace(email)), nil
	})
}

func (a *App) authenticate(ctx context.Context, call func() (session.Identity, error)) error {
	a.mu.Lock()
	if a.state != StateLogin && a.state != StateRegister {
		a.mu.Unlock()
		return fmt.Errorf("%w: authenticate from %s", ErrInvalidTransition, a.state)
	}
	if a.authPending {
		a.mu.Unlock()
		return ErrAuthInFlight
	}
	a.authPending = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.authPending = false
		a.mu.Unlock()
	}()

	user, err := call()
	if err != nil {
		a.logger.Warn("authentication failed", "error", err)
		return err
	}

	if err := a.store.Set(ctx, namespace.IdentityKey(), user.String()); err != nil {
		a.logger.Error("failed to store identity", "user", user, "error", err)
	}

	sess, err := a.hydrate(ctx, user)

	a.mu.Lock()
	if err != nil {
		a.state = StateLogin
		a.mu.Unlock()
		a.logger.Error("hydration failed after login", "user", user, "error", err)
		a.changed()
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	a.sess = sess
	a.state = StateChat
	a.telemetry = Telemetry{}
	a.mu.Unlock()

	a.logger.Info("user signed in", "user", user, "conversations", len(sess.conversations))
	a.changed()
	return nil
}

// Logout drops the session and the stored identity. Per-user data stays
// in storage.
func (a *App) Logout(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateChat {
		a.mu.Unlock()
		return fmt.Errorf("%w: logout from %s", ErrInvalidTransition, a.state)
	}
	user := a.sess.User
	a.sess = nil
	a.telemetry = Telemetry{}
	a.state = StateLogin
	a.mu.Unlock()

	if err := a.store.Remove(ctx, namespace.IdentityKey()); err != nil {
		a.logger.Error("failed to remove stored identity", "user", user, "error", err)
	}
	a.logger.Info("user signed out", "user", user)
	a.changed()
	return nil
}
