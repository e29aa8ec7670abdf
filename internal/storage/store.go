// Package storage persists the bearer token between runs.
//
// Every backend keeps the token under the same well-known key. Reads never
// fail: an unreadable store is reported through the logger and treated as
// "no token", which sends the session down the unauthenticated path.
package storage

import "errors"

// TokenKey is the storage key the bearer token lives under.
const TokenKey = "token"

// TokenStore is the persistence port used by the API client and the session
// manager. Implementations must be safe for concurrent use.
type TokenStore interface {
	// Get returns the stored token or "" when absent or unreadable.
	Get() string
	// Set persists token, replacing any previous value.
	Set(token string) error
	// Clear removes the token. Clearing an empty store is not an error.
	Clear() error
}

var ErrEmptyToken = errors.New("empty token")
