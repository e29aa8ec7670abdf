// Package session owns the client-side authentication state.
//
// A Manager moves through Uninitialized -> Checking -> Authenticated or
// Unauthenticated, and from Authenticated back to Unauthenticated on logout
// or when any request is rejected with 401. The stored token and the
// session are kept in step: an authenticated session always has a stored
// token, and an unauthenticated one never leaves a token behind.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tally/internal/api"
	"tally/internal/core"
	"tally/internal/events"
	"tally/internal/log"
	"tally/internal/storage"
)

type State int

const (
	Uninitialized State = iota
	Checking
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Checking:
		return "checking"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

const msgSessionExpired = "Your session has expired. Please log in again."

// Session is a snapshot of the authentication state.
type Session struct {
	State           State
	User            *core.User
	Token           string
	IsAuthenticated bool
	IsInitialized   bool
	Loading         bool
	Error           string
}

// Authenticator performs the auth calls. resources.Auth implements it.
type Authenticator interface {
	Login(ctx context.Context, c core.Credentials) (core.AuthResult, error)
	Register(ctx context.Context, r core.Registration) (core.AuthResult, error)
	Profile(ctx context.Context) (core.User, error)
	Logout(ctx context.Context) error
}

// Resetter drops cached data belonging to the previous user.
type Resetter interface {
	Reset()
}

// Options holds the optional collaborators of a Manager.
type Options struct {
	Cache  Resetter
	Events *events.Bus
	Logger *log.Logger
}

type Manager struct {
	auth   Authenticator
	tokens storage.TokenStore
	cache  Resetter
	bus    *events.Bus
	logger *log.Logger

	mu      sync.Mutex
	session Session
	subs    map[int]func(Session)
	nextSub int

	restoreOnce sync.Once
	stopEvents  func()
}

// New creates a manager in the Uninitialized state. When opts.Events is set
// the manager follows its SessionUnauthorized events.
func New(auth Authenticator, tokens storage.TokenStore, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	m := &Manager{
		auth:       auth,
		tokens:     tokens,
		cache:      opts.Cache,
		bus:        opts.Events,
		logger:     opts.Logger.WithComponent(log.ComponentSession),
		subs:       make(map[int]func(Session)),
		stopEvents: func() {},
	}
	if m.bus != nil {
		m.stopEvents = m.bus.Subscribe(m.onUnauthorized, events.SessionUnauthorized)
	}
	return m
}

// Close detaches the manager from the event bus.
func (m *Manager) Close() {
	m.stopEvents()
}

// RestoreSession resolves the initial state from the stored token. It runs
// once per Manager; later and concurrent calls wait for that run and return
// the current snapshot.
func (m *Manager) RestoreSession(ctx context.Context) Session {
	m.restoreOnce.Do(func() { m.restore(ctx) })
	return m.Snapshot()
}

func (m *Manager) restore(ctx context.Context) {
	m.mu.Lock()
	if m.session.IsInitialized {
		m.mu.Unlock()
		return
	}
	token := m.tokens.Get()
	if token == "" {
		m.session = Session{State: Unauthenticated, IsInitialized: true}
		m.mu.Unlock()
		m.logger.DebugContext(ctx, "No stored token", log.FieldOperation, log.OpRestore)
		m.changed(ctx)
		return
	}
	m.session.State = Checking
	m.session.Loading = true
	m.mu.Unlock()
	m.changed(ctx)

	user, err := m.auth.Profile(ctx)
	if err != nil {
		m.logger.InfoContext(ctx, "Stored token rejected",
			log.FieldOperation, log.OpRestore,
			log.FieldError, err.Error())
		m.clearToken(ctx)
		m.mu.Lock()
		m.session = Session{State: Unauthenticated, IsInitialized: true, Error: api.UserMessage(err)}
		m.mu.Unlock()
		m.changed(ctx)
		return
	}

	m.logger.InfoContext(ctx, "Session restored",
		log.FieldOperation, log.OpRestore,
		log.FieldUsername, user.Username)
	m.setAuthenticated(ctx, user, token)
}

// Login authenticates, persists the returned token and starts a fresh
// session. On failure the error is both returned and kept in Session.Error.
func (m *Manager) Login(ctx context.Context, c core.Credentials) (core.AuthResult, error) {
	if err := c.Validate(); err != nil {
		return core.AuthResult{}, m.rejectLocally(ctx, log.OpLogin, err)
	}
	m.begin(ctx)
	res, err := m.auth.Login(ctx, c)
	return m.finish(ctx, log.OpLogin, res, err)
}

// Register creates an account. A password confirmation mismatch fails
// before any request is sent.
func (m *Manager) Register(ctx context.Context, r core.Registration) (core.AuthResult, error) {
	if err := r.Validate(); err != nil {
		return core.AuthResult{}, m.rejectLocally(ctx, log.OpRegister, err)
	}
	m.begin(ctx)
	res, err := m.auth.Register(ctx, r)
	return m.finish(ctx, log.OpRegister, res, err)
}

// rejectLocally reports invalid form input. The current session and its
// token are kept.
func (m *Manager) rejectLocally(ctx context.Context, op string, err error) error {
	m.logger.DebugContext(ctx, "Rejected invalid input",
		log.FieldOperation, op,
		log.FieldErrorType, log.ErrorTypeValidation,
		log.FieldError, err.Error())
	m.mu.Lock()
	m.session.Loading = false
	m.session.Error = err.Error()
	m.mu.Unlock()
	m.changed(ctx)
	return err
}

func (m *Manager) begin(ctx context.Context) {
	m.mu.Lock()
	m.session.Loading = true
	m.session.Error = ""
	m.mu.Unlock()
	m.changed(ctx)
}

func (m *Manager) finish(ctx context.Context, op string, res core.AuthResult, err error) (core.AuthResult, error) {
	if err == nil && res.User == nil {
		err = errors.New("response contains no user")
	}
	if err == nil {
		err = m.tokens.Set(res.AccessToken)
	}
	if err != nil {
		m.logger.InfoContext(ctx, "Authentication failed",
			log.FieldOperation, op,
			log.FieldError, err.Error())
		m.clearToken(ctx)
		m.mu.Lock()
		m.session = Session{State: Unauthenticated, IsInitialized: true, Error: api.UserMessage(err)}
		m.mu.Unlock()
		m.changed(ctx)
		return core.AuthResult{}, err
	}

	m.resetCache()
	m.logger.InfoContext(ctx, "Authenticated",
		log.FieldOperation, op,
		log.FieldUsername, res.User.Username)
	m.setAuthenticated(ctx, *res.User, res.AccessToken)
	return res, nil
}

// Logout tells the server when a token is present, ignoring any failure,
// then always clears the token, the cache and the session. It returns an
// error only when the token could not be removed from storage.
func (m *Manager) Logout(ctx context.Context) error {
	if m.tokens.Get() != "" {
		if err := m.auth.Logout(ctx); err != nil {
			m.logger.WarnContext(ctx, "Server logout failed",
				log.FieldOperation, log.OpLogout,
				log.FieldError, err.Error())
		}
	}

	err := m.tokens.Clear()
	m.resetCache()
	m.mu.Lock()
	m.session = Session{State: Unauthenticated, IsInitialized: true}
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "Logged out", log.FieldOperation, log.OpLogout)
	m.changed(ctx)

	if err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// SetCredentials installs an already obtained user and token.
func (m *Manager) SetCredentials(ctx context.Context, user core.User, token string) error {
	if token == "" {
		return storage.ErrEmptyToken
	}
	if err := m.tokens.Set(token); err != nil {
		return err
	}
	m.resetCache()
	m.setAuthenticated(ctx, user, token)
	return nil
}

// ClearError drops the error of the last failed operation.
func (m *Manager) ClearError() {
	m.mu.Lock()
	changed := m.session.Error != ""
	m.session.Error = ""
	m.mu.Unlock()
	if changed {
		m.changed(context.Background())
	}
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Session {
	s := m.session
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// Subscribe calls fn with a snapshot after every change.
func (m *Manager) Subscribe(fn func(Session)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// onUnauthorized handles a 401 from any request. The API client has
// already cleared the token.
func (m *Manager) onUnauthorized(e events.Event) {
	m.mu.Lock()
	if m.session.State == Checking {
		// restore resolves its own failure
		m.mu.Unlock()
		return
	}
	wasAuthenticated := m.session.IsAuthenticated
	m.session = Session{State: Unauthenticated, IsInitialized: true}
	if wasAuthenticated {
		m.session.Error = msgSessionExpired
	}
	m.mu.Unlock()

	m.resetCache()
	ctx := context.Background()
	m.logger.InfoContext(ctx, "Session ended by unauthorized response", log.FieldRequestID, e.RequestID)
	m.changed(ctx)
}

func (m *Manager) setAuthenticated(ctx context.Context, user core.User, token string) {
	m.mu.Lock()
	m.session = Session{
		State:           Authenticated,
		User:            &user,
		Token:           token,
		IsAuthenticated: true,
		IsInitialized:   true,
	}
	m.mu.Unlock()
	m.changed(ctx)
}

func (m *Manager) clearToken(ctx context.Context) {
	if err := m.tokens.Clear(); err != nil {
		m.logger.ErrorContext(ctx, "Failed to clear token",
			log.FieldErrorType, log.ErrorTypeStorage,
			log.FieldError, err.Error())
	}
}

func (m *Manager) resetCache() {
	if m.cache != nil {
		m.cache.Reset()
	}
}

// changed notifies subscribers and the bus of the current state.
func (m *Manager) changed(ctx context.Context) {
	m.mu.Lock()
	s := m.snapshotLocked()
	subs := make([]func(Session), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}

	e := events.Event{Type: events.SessionChanged, State: s.State.String()}
	if s.User != nil {
		e.Username = s.User.Username
	}
	m.bus.Emit(ctx, e)
}
