package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"

	"tally/internal/api"
	"tally/internal/cache"
	"tally/internal/core"
	"tally/internal/events"
	"tally/internal/resources"
	"tally/internal/storage"
)

type SessionSuite struct {
	suite.Suite
	router  *mux.Router
	server  *httptest.Server
	tokens  *storage.MemoryStore
	bus     *events.Bus
	cache   *cache.Store
	res     *resources.Resources
	manager *Manager
	ctx     context.Context

	profileHits int32
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.ctx = context.Background()
	s.profileHits = 0
	s.router = mux.NewRouter()
	s.server = httptest.NewServer(s.router)
	s.tokens = storage.NewMemoryStore()
	s.bus = events.NewBus(nil)
	s.cache = cache.NewStore(32, time.Minute, nil)

	client, err := api.New(api.Options{BaseURL: s.server.URL, Backoff: time.Millisecond, Events: s.bus}, s.tokens)
	s.Require().NoError(err)
	s.res = resources.New(client, s.cache, nil)
	s.manager = New(s.res.Auth, s.tokens, Options{Cache: s.cache, Events: s.bus})
}

func (s *SessionSuite) TearDownTest() {
	s.manager.Close()
	s.server.Close()
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func (s *SessionSuite) profile(status int, body any) {
	s.router.HandleFunc("/api/auth/profile", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.profileHits, 1)
		reply(w, status, body)
	}).Methods(http.MethodGet)
}

func alice() map[string]any {
	return map[string]any{"id": 1, "username": "alice", "email": "alice@example.com"}
}

func (s *SessionSuite) assertUnauthenticated(sess Session) {
	s.Equal(Unauthenticated, sess.State)
	s.False(sess.IsAuthenticated)
	s.True(sess.IsInitialized)
	s.False(sess.Loading)
	s.Nil(sess.User)
	s.Empty(sess.Token)
	s.Empty(s.tokens.Get())
}

func (s *SessionSuite) TestRestoreWithoutTokenMakesNoRequest() {
	s.profile(http.StatusOK, map[string]any{"user": alice()})

	sess := s.manager.RestoreSession(s.ctx)

	s.assertUnauthenticated(sess)
	s.Empty(sess.Error)
	s.Zero(atomic.LoadInt32(&s.profileHits))
}

func (s *SessionSuite) TestRestoreWithValidToken() {
	s.profile(http.StatusOK, map[string]any{"user": alice()})
	s.Require().NoError(s.tokens.Set("abc"))

	sess := s.manager.RestoreSession(s.ctx)

	s.Equal(Authenticated, sess.State)
	s.True(sess.IsAuthenticated)
	s.True(sess.IsInitialized)
	s.Require().NotNil(sess.User)
	s.Equal("alice", sess.User.Username)
	s.Equal("abc", sess.Token)
	s.Equal(int32(1), atomic.LoadInt32(&s.profileHits))

	again := s.manager.RestoreSession(s.ctx)
	s.Equal(sess, again)
	s.Equal(int32(1), atomic.LoadInt32(&s.profileHits), "restore runs once")
}

func (s *SessionSuite) TestConcurrentRestoreRunsOnce() {
	s.profile(http.StatusOK, map[string]any{"user": alice()})
	s.Require().NoError(s.tokens.Set("abc"))

	var wg sync.WaitGroup
	results := make([]Session, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.manager.RestoreSession(s.ctx)
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), atomic.LoadInt32(&s.profileHits))
	for _, r := range results {
		s.Equal(Authenticated, r.State)
	}
}

func (s *SessionSuite) TestRestoreFailuresClearToken() {
	cases := []struct {
		name   string
		status int
		body   any
		raw    string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: map[string]string{"error": "Token has expired"}},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "missing user", status: http.StatusOK, body: map[string]any{"message": "ok"}},
		{name: "malformed body", status: http.StatusOK, raw: "not json"},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.TearDownTest()
			s.SetupTest()
			s.router.HandleFunc("/api/auth/profile", func(w http.ResponseWriter, r *http.Request) {
				if tc.raw != "" {
					w.WriteHeader(tc.status)
					w.Write([]byte(tc.raw))
					return
				}
				reply(w, tc.status, tc.body)
			})
			s.Require().NoError(s.tokens.Set("stale"))

			sess := s.manager.RestoreSession(s.ctx)

			s.assertUnauthenticated(sess)
			s.NotEmpty(sess.Error)
		})
	}
}

func (s *SessionSuite) TestRestoreNetworkFailure() {
	s.Require().NoError(s.tokens.Set("abc"))
	s.server.Close()

	sess := s.manager.RestoreSession(s.ctx)

	s.assertUnauthenticated(sess)
	s.NotEmpty(sess.Error)
}

func (s *SessionSuite) TestLogin() {
	var body map[string]string
	s.router.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		reply(w, http.StatusOK, map[string]any{"access_token": "abc", "user": map[string]any{"id": 1, "username": "alice"}})
	}).Methods(http.MethodPost)

	res, err := s.manager.Login(s.ctx, core.Credentials{Username: "alice", Password: "secret1"})
	s.Require().NoError(err)

	s.Equal(map[string]string{"username": "alice", "password": "secret1"}, body)
	s.Equal("abc", res.AccessToken)
	s.Equal("abc", s.tokens.Get())
	sess := s.manager.Snapshot()
	s.Equal(Authenticated, sess.State)
	s.True(sess.IsAuthenticated)
	s.Equal(int64(1), sess.User.ID)
	s.Equal("abc", sess.Token)
}

func (s *SessionSuite) TestLoginFailureSurfacesServerMessage() {
	s.router.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusUnauthorized, map[string]string{"error": "Invalid username or password"})
	})
	unauthorized := 0
	s.bus.Subscribe(func(events.Event) { unauthorized++ }, events.SessionUnauthorized)

	_, err := s.manager.Login(s.ctx, core.Credentials{Username: "alice", Password: "nope"})

	s.Error(err)
	sess := s.manager.Snapshot()
	s.assertUnauthenticated(sess)
	s.Equal("Invalid username or password", sess.Error)
	s.Zero(unauthorized, "a rejected login is not an expired session")

	s.manager.ClearError()
	s.Empty(s.manager.Snapshot().Error)
}

func (s *SessionSuite) TestRegisterPasswordMismatchIsLocal() {
	var hits int32
	s.router.HandleFunc("/api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		reply(w, http.StatusCreated, map[string]any{"access_token": "abc", "user": alice()})
	})

	_, err := s.manager.Register(s.ctx, core.Registration{
		Username:        "alice",
		Email:           "alice@example.com",
		Password:        "secret1",
		ConfirmPassword: "secret2",
	})

	s.ErrorIs(err, core.ErrPasswordMismatch)
	s.Zero(atomic.LoadInt32(&hits))
	s.Equal(core.ErrPasswordMismatch.Error(), s.manager.Snapshot().Error)

	_, err = s.manager.Register(s.ctx, core.Registration{
		Username:        "alice",
		Email:           "alice@example.com",
		Password:        "secret1",
		ConfirmPassword: "secret1",
	})
	s.Require().NoError(err)
	s.Equal(int32(1), atomic.LoadInt32(&hits))
	s.Equal("abc", s.tokens.Get())
}

func (s *SessionSuite) TestInvalidFormInputKeepsExistingSession() {
	var hits int32
	s.router.PathPrefix("/api/auth/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		reply(w, http.StatusOK, nil)
	})
	s.Require().NoError(s.manager.SetCredentials(s.ctx, core.User{ID: 1, Username: "alice"}, "abc"))

	_, err := s.manager.Register(s.ctx, core.Registration{
		Username:        "alice",
		Email:           "alice@example.com",
		Password:        "a",
		ConfirmPassword: "b",
	})
	s.ErrorIs(err, core.ErrPasswordMismatch)

	_, err = s.manager.Login(s.ctx, core.Credentials{Username: "alice"})
	s.ErrorIs(err, core.ErrMissingPassword)

	sess := s.manager.Snapshot()
	s.Equal(Authenticated, sess.State)
	s.True(sess.IsAuthenticated)
	s.False(sess.Loading)
	s.Equal("abc", sess.Token)
	s.Equal(core.ErrMissingPassword.Error(), sess.Error)
	s.Equal("abc", s.tokens.Get())
	s.Zero(atomic.LoadInt32(&hits))
}

func (s *SessionSuite) TestLogoutAlwaysClearsToken() {
	cases := map[string]func(){
		"server error": func() {
			s.router.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
				reply(w, http.StatusInternalServerError, nil)
			})
		},
		"network error": func() { s.server.Close() },
		"success": func() {
			s.router.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
				reply(w, http.StatusOK, map[string]string{"message": "Logged out"})
			})
		},
	}

	for name, setup := range cases {
		s.Run(name, func() {
			s.TearDownTest()
			s.SetupTest()
			s.Require().NoError(s.manager.SetCredentials(s.ctx, core.User{ID: 1, Username: "alice"}, "abc"))
			setup()

			s.NoError(s.manager.Logout(s.ctx))
			s.assertUnauthenticated(s.manager.Snapshot())
		})
	}
}

func (s *SessionSuite) TestLogoutResetsCache() {
	s.router.HandleFunc("/api/categories", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"categories": []any{}})
	})
	s.router.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, nil)
	})
	s.Require().NoError(s.manager.SetCredentials(s.ctx, core.User{ID: 1, Username: "alice"}, "abc"))

	_, err := s.res.Categories.List(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, s.cache.Size())

	s.Require().NoError(s.manager.Logout(s.ctx))
	s.Zero(s.cache.Size())
}

func (s *SessionSuite) TestAnyUnauthorizedResponseEndsSession() {
	for _, path := range []string{"/expenses", "/budgets/status", "/reports/dashboard"} {
		s.Run(path, func() {
			s.TearDownTest()
			s.SetupTest()
			s.router.PathPrefix("/api/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			})
			s.Require().NoError(s.manager.SetCredentials(s.ctx, core.User{ID: 1, Username: "alice"}, "abc"))

			var err error
			switch path {
			case "/expenses":
				_, err = s.res.Expenses.List(s.ctx, resources.DefaultExpenseFilters())
			case "/budgets/status":
				_, err = s.res.Budgets.Status(s.ctx)
			case "/reports/dashboard":
				_, err = s.res.Reports.Dashboard(s.ctx)
			}

			s.ErrorIs(err, api.ErrUnauthorized)
			sess := s.manager.Snapshot()
			s.assertUnauthenticated(sess)
			s.Equal(msgSessionExpired, sess.Error)
		})
	}
}

func (s *SessionSuite) TestSubscribersAndEvents() {
	s.profile(http.StatusOK, map[string]any{"user": alice()})
	s.Require().NoError(s.tokens.Set("abc"))

	var states []State
	unsubscribe := s.manager.Subscribe(func(sess Session) { states = append(states, sess.State) })
	var published []events.Event
	s.bus.Subscribe(func(e events.Event) { published = append(published, e) }, events.SessionChanged)

	s.manager.RestoreSession(s.ctx)
	unsubscribe()
	s.manager.ClearError()

	s.Equal([]State{Checking, Authenticated}, states)
	s.Require().Len(published, 2)
	s.Equal("authenticated", published[1].State)
	s.Equal("alice", published[1].Username)
}

func (s *SessionSuite) TestSetCredentialsRejectsEmptyToken() {
	err := s.manager.SetCredentials(s.ctx, core.User{ID: 1}, "")
	s.ErrorIs(err, storage.ErrEmptyToken)
	s.False(s.manager.Snapshot().IsAuthenticated)
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		Uninitialized:   "uninitialized",
		Checking:        "checking",
		Authenticated:   "authenticated",
		Unauthenticated: "unauthenticated",
		State(42):       "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
