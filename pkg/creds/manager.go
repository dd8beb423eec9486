// Package creds keeps the short-lived derived credentials for pooled
// accounts fresh: the signed upstream token (re-derived once it is older than
// the freshness window) and the remote chat session (created lazily, trusted
// until explicitly invalidated).
package creds

import (
	"context"
	"fmt"
	"time"

	"github.com/driftware/chatbridge/pkg/accounts"
	"github.com/driftware/chatbridge/pkg/cache"
	"github.com/driftware/chatbridge/pkg/upstream"
)

// TokenFreshness is how long a signed token is reused before a new exchange
// round-trip is made.
const TokenFreshness = 240 * time.Second

type Credentials struct {
	Token     string
	SessionID string
}

// Error wraps a credential derivation failure with the step that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("credential %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Manager struct {
	client *upstream.Client
	store  *accounts.Store
	tokens *cache.TTLMap[int, string]
	now    func() time.Time
}

func NewManager(client *upstream.Client, store *accounts.Store) *Manager {
	return &Manager{
		client: client,
		store:  store,
		tokens: cache.NewTTLMap[int, string](),
		now:    func() time.Time { return time.Now() },
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.now = now
}

// EnsureFresh returns usable credentials for the account, deriving new ones
// only when the cached token has aged out or no session exists. The remote
// calls run without any lock held; results are committed through the
// account store / token cache afterwards.
func (m *Manager) EnsureFresh(ctx context.Context, idx int) (Credentials, error) {
	acct, ok := m.store.Account(idx)
	if !ok {
		return Credentials{}, &Error{Op: "lookup", Err: accounts.ErrUnknownAccount}
	}

	now := m.now()
	token, fresh := m.tokens.Fresh(idx, now)
	if !fresh {
		grant, err := m.client.FetchExchangeGrant(ctx, acct)
		if err != nil {
			return Credentials{}, &Error{Op: "exchange", Err: err}
		}
		token, err = upstream.SignToken(grant, acct, now)
		if err != nil {
			return Credentials{}, &Error{Op: "sign", Err: err}
		}
		m.tokens.Set(idx, token, now, TokenFreshness)
	}

	sessionID, _, ok := m.store.Session(idx)
	if !ok {
		created, err := m.client.CreateSession(ctx, token, acct)
		if err != nil {
			return Credentials{}, &Error{Op: "session", Err: err}
		}
		sessionID = created
		m.store.SetSession(idx, sessionID, m.now())
	}

	return Credentials{Token: token, SessionID: sessionID}, nil
}

// Invalidate drops the cached token and session so the next EnsureFresh
// re-derives both. Called after an authentication failure cooldown.
func (m *Manager) Invalidate(idx int) {
	m.tokens.Delete(idx)
	m.store.ClearSession(idx)
}

// TokenIssuedAt exposes the cached token's issue instant for introspection.
func (m *Manager) TokenIssuedAt(idx int) (time.Time, bool) {
	_, at, ok := m.tokens.Get(idx)
	return at, ok
}
