package creds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftware/chatbridge/pkg/accounts"
	"github.com/driftware/chatbridge/pkg/config"
	"github.com/driftware/chatbridge/pkg/upstream"
)

type fakeUpstream struct {
	exchanges atomic.Int64
	sessions  atomic.Int64
	failAuth  atomic.Bool
}

func (f *fakeUpstream) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/token/exchange", func(w http.ResponseWriter, r *http.Request) {
		if f.failAuth.Load() {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Cookie") == "" {
			t.Errorf("exchange request missing Cookie header")
		}
		f.exchanges.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"key_id": "kid-1", "secret": "sekrit"})
	})
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		n := f.sessions.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "sess-" + time.Now().Format("150405") + "-" + string(rune('a'+n))})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, srv *httptest.Server) (*Manager, *accounts.Store) {
	t.Helper()
	client, err := upstream.NewClient(config.UpstreamConfig{BaseURL: srv.URL, TimeoutSeconds: 5})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	store := accounts.NewStore([]config.AccountConfig{
		{Name: "a", TeamID: "team-a", Cookie: "cookie-a", Enabled: true},
	}, time.UTC)
	return NewManager(client, store), store
}

func TestEnsureFreshReusesTokenWithinWindow(t *testing.T) {
	fake := &fakeUpstream{}
	mgr, _ := newTestManager(t, fake.server(t))
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mgr.SetNowFunc(func() time.Time { return now })

	first, err := mgr.EnsureFresh(context.Background(), 0)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if first.Token == "" || first.SessionID == "" {
		t.Fatalf("incomplete credentials: %+v", first)
	}

	now = now.Add(TokenFreshness - time.Second)
	second, err := mgr.EnsureFresh(context.Background(), 0)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if got := fake.exchanges.Load(); got != 1 {
		t.Fatalf("exchange calls = %d, want 1 within freshness window", got)
	}
	if second.Token != first.Token || second.SessionID != first.SessionID {
		t.Fatalf("credentials changed within freshness window: %+v vs %+v", first, second)
	}
}

func TestEnsureFreshRederivesAfterWindow(t *testing.T) {
	fake := &fakeUpstream{}
	mgr, _ := newTestManager(t, fake.server(t))
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mgr.SetNowFunc(func() time.Time { return now })

	first, err := mgr.EnsureFresh(context.Background(), 0)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}

	now = now.Add(TokenFreshness)
	second, err := mgr.EnsureFresh(context.Background(), 0)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if got := fake.exchanges.Load(); got != 2 {
		t.Fatalf("exchange calls = %d, want 2 after freshness window", got)
	}
	// The session outlives the token.
	if second.SessionID != first.SessionID {
		t.Fatalf("session changed on token refresh: %q vs %q", first.SessionID, second.SessionID)
	}
	if got := fake.sessions.Load(); got != 1 {
		t.Fatalf("session creations = %d, want 1", got)
	}
}

func TestInvalidateDropsTokenAndSession(t *testing.T) {
	fake := &fakeUpstream{}
	mgr, _ := newTestManager(t, fake.server(t))
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mgr.SetNowFunc(func() time.Time { return now })

	if _, err := mgr.EnsureFresh(context.Background(), 0); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	mgr.Invalidate(0)
	if _, ok := mgr.TokenIssuedAt(0); ok {
		t.Fatalf("token survived Invalidate")
	}
	if _, err := mgr.EnsureFresh(context.Background(), 0); err != nil {
		t.Fatalf("EnsureFresh after Invalidate: %v", err)
	}
	if got := fake.exchanges.Load(); got != 2 {
		t.Fatalf("exchange calls = %d, want 2", got)
	}
	if got := fake.sessions.Load(); got != 2 {
		t.Fatalf("session creations = %d, want 2", got)
	}
}

func TestEnsureFreshSurfacesAuthError(t *testing.T) {
	fake := &fakeUpstream{}
	mgr, _ := newTestManager(t, fake.server(t))
	fake.failAuth.Store(true)

	_, err := mgr.EnsureFresh(context.Background(), 0)
	if err == nil {
		t.Fatalf("EnsureFresh succeeded against failing upstream")
	}
	if !upstream.IsAuthError(err) {
		t.Fatalf("err = %v, want auth error classification to survive wrapping", err)
	}
}

func TestEnsureFreshUnknownIndex(t *testing.T) {
	fake := &fakeUpstream{}
	mgr, _ := newTestManager(t, fake.server(t))
	if _, err := mgr.EnsureFresh(context.Background(), 9); err == nil {
		t.Fatalf("EnsureFresh with bad index succeeded")
	}
}
