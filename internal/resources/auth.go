package resources

import (
	"context"
	"net/http"

	"tally/internal/api"
	"tally/internal/cache"
	"tally/internal/core"
)

const (
	pathLogin    = "/auth/login"
	pathRegister = "/auth/register"
	pathProfile  = "/auth/profile"
	pathLogout   = "/auth/logout"
)

type profileResponse struct {
	User *core.User `json:"user"`
}

// Auth covers the /auth endpoints. Login and register are sent without a
// token; a 401 from them is a rejected credential, not an expired session.
type Auth struct{ r *Resources }

func (a *Auth) Login(ctx context.Context, c core.Credentials) (core.AuthResult, error) {
	if err := c.Validate(); err != nil {
		return core.AuthResult{}, err
	}
	return a.authenticate(ctx, pathLogin, c)
}

// Register checks the password confirmation before anything is sent.
func (a *Auth) Register(ctx context.Context, reg core.Registration) (core.AuthResult, error) {
	if err := reg.Validate(); err != nil {
		return core.AuthResult{}, err
	}
	return a.authenticate(ctx, pathRegister, reg)
}

func (a *Auth) authenticate(ctx context.Context, path string, body any) (core.AuthResult, error) {
	var res core.AuthResult
	req := api.Request{Method: http.MethodPost, Path: path, Body: body, Public: true}
	if err := a.r.client.Do(ctx, req, &res); err != nil {
		return core.AuthResult{}, err
	}
	if res.AccessToken == "" {
		return core.AuthResult{}, ErrMissingToken
	}
	if res.User == nil {
		return core.AuthResult{}, ErrMissingUser
	}
	return res, nil
}

// Profile returns the user the stored token belongs to. No mutation
// invalidates TagUser; the session resets the cache whenever credentials
// change and on every 401, so a cached profile never outlives its token.
func (a *Auth) Profile(ctx context.Context) (core.User, error) {
	res, err := read[profileResponse](ctx, a.r, pathProfile, nil, cache.TagUser)
	if err != nil {
		return core.User{}, err
	}
	if res.User == nil {
		return core.User{}, ErrMissingUser
	}
	return *res.User, nil
}

func (a *Auth) Logout(ctx context.Context) error {
	return a.r.client.Post(ctx, pathLogout, nil, nil)
}
