package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driftware/chatbridge/pkg/accounts"
	"github.com/driftware/chatbridge/pkg/config"
)

func (s *Server) handlePoolStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": s.accounts.Statuses()})
}

func (s *Server) handlePoolEnable(w http.ResponseWriter, r *http.Request) {
	s.setAccountEnabled(w, chi.URLParam(r, "name"), true)
}

func (s *Server) handlePoolDisable(w http.ResponseWriter, r *http.Request) {
	s.setAccountEnabled(w, chi.URLParam(r, "name"), false)
}

func (s *Server) setAccountEnabled(w http.ResponseWriter, name string, enabled bool) {
	if err := s.accounts.SetEnabled(name, enabled); err != nil {
		writePoolError(w, err)
		return
	}
	err := s.store.Update(func(c *config.ServerConfig) error {
		for i := range c.Accounts {
			if c.Accounts[i].Name == name {
				c.Accounts[i].Enabled = enabled
			}
		}
		return nil
	})
	if err != nil {
		http.Error(w, "failed to persist change: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": name, "enabled": enabled})
}

func (s *Server) handleCooldownClear(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.accounts.ClearCooldown(name); err != nil {
		writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": name, "cooldown_cleared": true})
}

// handleCredentialsCheck forces a fresh credential derivation for one
// account, reporting whether its cookies still work upstream.
func (s *Server) handleCredentialsCheck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	idx, err := s.accounts.Select(name)
	if err != nil {
		writePoolError(w, err)
		return
	}
	s.creds.Invalidate(idx)
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if _, err := s.creds.EnsureFresh(ctx, idx); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"account": name, "ok": false, "error": err.Error()})
		return
	}
	issuedAt, _ := s.creds.TokenIssuedAt(idx)
	writeJSON(w, http.StatusOK, map[string]any{
		"account":         name,
		"ok":              true,
		"token_issued_at": issuedAt.UTC().Format(time.RFC3339),
	})
}

func writePoolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, accounts.ErrUnknownAccount):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, accounts.ErrAccountUnavailable), errors.Is(err, accounts.ErrNoEligibleAccount):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
