package accounts

import (
	"errors"
	"sync"
	"time"

	"github.com/driftware/chatbridge/pkg/config"
)

var (
	ErrUnknownAccount     = errors.New("unknown account")
	ErrAccountUnavailable = errors.New("account unavailable")
	ErrNoEligibleAccount  = errors.New("no eligible account")
)

// Outcome classifies the result of an upstream call for cooldown purposes.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthFailure
	OutcomeRateLimited
	OutcomeUpstreamError
)

const (
	authFailureCooldown   = 900 * time.Second
	rateLimitCooldown     = 300 * time.Second
	upstreamErrorCooldown = 120 * time.Second

	ReasonAuthFailure   = "auth_failure"
	ReasonRateLimit     = "rate_limit"
	ReasonUpstreamError = "upstream_error"
)

// Event describes an account state transition, delivered to subscribers so an
// external layer can persist or render pool changes.
type Event struct {
	Type    string `json:"type"`
	Account string `json:"account"`
	Reason  string `json:"reason,omitempty"`
	Until   string `json:"until,omitempty"`
}

const (
	EventCooldownSet     = "cooldown_set"
	EventCooldownCleared = "cooldown_cleared"
	EventEnabledChanged  = "enabled_changed"
	EventSessionCreated  = "session_created"
)

// Status is the externally visible view of one pooled account.
type Status struct {
	Name             string `json:"name"`
	TeamID           string `json:"team_id"`
	Enabled          bool   `json:"enabled"`
	Available        bool   `json:"available"`
	CooldownUntil    string `json:"cooldown_until,omitempty"`
	CooldownReason   string `json:"cooldown_reason,omitempty"`
	SessionActive    bool   `json:"session_active"`
	SessionCreatedAt string `json:"session_created_at,omitempty"`
}

type runtimeState struct {
	sessionID        string
	sessionCreatedAt time.Time
	cooldownUntil    time.Time
	cooldownReason   string
}

// Store owns the pooled accounts and their runtime state. A single mutex
// covers selection, cursor advancement, session bookkeeping, and cooldown
// marking; it is never held across network I/O.
type Store struct {
	mu       sync.Mutex
	accounts []config.AccountConfig
	state    []runtimeState
	cursor   int
	resetLoc *time.Location

	now       func() time.Time
	persist   func(name string, until time.Time, reason string)
	listeners []func(Event)
}

func NewStore(accounts []config.AccountConfig, resetLoc *time.Location) *Store {
	if resetLoc == nil {
		resetLoc = time.UTC
	}
	s := &Store{
		resetLoc: resetLoc,
		now:      func() time.Time { return time.Now() },
	}
	s.load(accounts)
	return s
}

// SetNowFunc overrides the wall clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetPersistFunc installs the hook invoked whenever a cooldown marker changes,
// so the configuration layer can write it back for operator visibility.
func (s *Store) SetPersistFunc(fn func(name string, until time.Time, reason string)) {
	s.mu.Lock()
	s.persist = fn
	s.mu.Unlock()
}

func (s *Store) Subscribe(fn func(Event)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) load(accounts []config.AccountConfig) {
	s.accounts = append([]config.AccountConfig(nil), accounts...)
	s.state = make([]runtimeState, len(s.accounts))
	for i, a := range s.accounts {
		if a.CooldownUntil == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, a.CooldownUntil); err == nil {
			s.state[i].cooldownUntil = ts
			s.state[i].cooldownReason = a.CooldownReason
		}
	}
}

// Reload replaces the configured accounts, carrying runtime state over for
// accounts that still exist (matched by name). The rotation cursor resets.
func (s *Store) Reload(accounts []config.AccountConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := map[string]runtimeState{}
	for i, a := range s.accounts {
		prev[a.Name] = s.state[i]
	}
	s.load(accounts)
	for i, a := range s.accounts {
		if st, ok := prev[a.Name]; ok {
			s.state[i] = st
		}
	}
	if s.cursor >= len(s.accounts) {
		s.cursor = 0
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func (s *Store) Account(idx int) (config.AccountConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.accounts) {
		return config.AccountConfig{}, false
	}
	return s.accounts[idx], true
}

func (s *Store) indexByNameLocked(name string) int {
	for i, a := range s.accounts {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// eligibleLocked reports whether the account may serve a request right now.
// The cooldown boundary itself counts as still cooling down.
func (s *Store) eligibleLocked(idx int, now time.Time) bool {
	if !s.accounts[idx].Enabled {
		return false
	}
	until := s.state[idx].cooldownUntil
	return until.IsZero() || now.After(until)
}

// Select picks the next eligible account. With a pinned name, rotation is
// bypassed but eligibility is still enforced. Without one, the scan starts at
// the persisted cursor and the cursor advances past the chosen account.
func (s *Store) Select(pinned string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if pinned != "" {
		idx := s.indexByNameLocked(pinned)
		if idx < 0 {
			return -1, ErrUnknownAccount
		}
		if !s.eligibleLocked(idx, now) {
			return -1, ErrAccountUnavailable
		}
		return idx, nil
	}
	n := len(s.accounts)
	if n == 0 {
		return -1, ErrNoEligibleAccount
	}
	for off := 0; off < n; off++ {
		idx := (s.cursor + off) % n
		if s.eligibleLocked(idx, now) {
			s.cursor = (idx + 1) % n
			return idx, nil
		}
	}
	return -1, ErrNoEligibleAccount
}

// Session returns the cached remote session handle for the account, if any.
func (s *Store) Session(idx int) (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.state) {
		return "", time.Time{}, false
	}
	st := s.state[idx]
	if st.sessionID == "" {
		return "", time.Time{}, false
	}
	return st.sessionID, st.sessionCreatedAt, true
}

// SetSession commits a freshly created session handle. Creation timestamps
// only move forward; a stale concurrent commit is dropped.
func (s *Store) SetSession(idx int, sessionID string, createdAt time.Time) {
	var ev *Event
	s.mu.Lock()
	if idx >= 0 && idx < len(s.state) && !createdAt.Before(s.state[idx].sessionCreatedAt) {
		s.state[idx].sessionID = sessionID
		s.state[idx].sessionCreatedAt = createdAt
		ev = &Event{Type: EventSessionCreated, Account: s.accounts[idx].Name}
	}
	listeners := s.listeners
	s.mu.Unlock()
	if ev != nil {
		notify(listeners, *ev)
	}
}

func (s *Store) ClearSession(idx int) {
	s.mu.Lock()
	if idx >= 0 && idx < len(s.state) {
		s.state[idx].sessionID = ""
	}
	s.mu.Unlock()
}

// MarkOutcome applies the cooldown policy for the given call outcome and
// returns the cooldown deadline, if one was set.
func (s *Store) MarkOutcome(idx int, outcome Outcome) (time.Time, string) {
	var (
		ev        *Event
		name      string
		until     time.Time
		reason    string
		persist   func(string, time.Time, string)
		listeners []func(Event)
	)
	s.mu.Lock()
	if idx < 0 || idx >= len(s.state) {
		s.mu.Unlock()
		return time.Time{}, ""
	}
	name = s.accounts[idx].Name
	now := s.now()
	switch outcome {
	case OutcomeSuccess:
		if !s.state[idx].cooldownUntil.IsZero() {
			s.state[idx].cooldownUntil = time.Time{}
			s.state[idx].cooldownReason = ""
			ev = &Event{Type: EventCooldownCleared, Account: name}
		}
	case OutcomeAuthFailure:
		until = now.Add(authFailureCooldown)
		reason = ReasonAuthFailure
	case OutcomeRateLimited:
		until = now.Add(rateLimitCooldown)
		if reset := nextDailyReset(now, s.resetLoc); reset.After(until) {
			until = reset
		}
		reason = ReasonRateLimit
	case OutcomeUpstreamError:
		until = now.Add(upstreamErrorCooldown)
		reason = ReasonUpstreamError
	}
	if !until.IsZero() {
		s.state[idx].cooldownUntil = until
		s.state[idx].cooldownReason = reason
		ev = &Event{Type: EventCooldownSet, Account: name, Reason: reason, Until: until.UTC().Format(time.RFC3339)}
	}
	persist = s.persist
	listeners = s.listeners
	s.mu.Unlock()

	if ev != nil {
		if persist != nil {
			persist(name, until, reason)
		}
		notify(listeners, *ev)
	}
	return until, reason
}

// ClearCooldown force-clears an account's cooldown marker (operator action).
func (s *Store) ClearCooldown(name string) error {
	var (
		ev        *Event
		persist   func(string, time.Time, string)
		listeners []func(Event)
	)
	s.mu.Lock()
	idx := s.indexByNameLocked(name)
	if idx < 0 {
		s.mu.Unlock()
		return ErrUnknownAccount
	}
	if !s.state[idx].cooldownUntil.IsZero() {
		s.state[idx].cooldownUntil = time.Time{}
		s.state[idx].cooldownReason = ""
		ev = &Event{Type: EventCooldownCleared, Account: name}
	}
	persist = s.persist
	listeners = s.listeners
	s.mu.Unlock()
	if ev != nil {
		if persist != nil {
			persist(name, time.Time{}, "")
		}
		notify(listeners, *ev)
	}
	return nil
}

// SetEnabled flips the enabled flag on the in-memory copy. The configuration
// layer is responsible for persisting the same change.
func (s *Store) SetEnabled(name string, enabled bool) error {
	var listeners []func(Event)
	s.mu.Lock()
	idx := s.indexByNameLocked(name)
	if idx < 0 {
		s.mu.Unlock()
		return ErrUnknownAccount
	}
	changed := s.accounts[idx].Enabled != enabled
	s.accounts[idx].Enabled = enabled
	listeners = s.listeners
	s.mu.Unlock()
	if changed {
		notify(listeners, Event{Type: EventEnabledChanged, Account: name, Reason: boolReason(enabled)})
	}
	return nil
}

func (s *Store) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Status, 0, len(s.accounts))
	for i, a := range s.accounts {
		st := s.state[i]
		status := Status{
			Name:          a.Name,
			TeamID:        a.TeamID,
			Enabled:       a.Enabled,
			Available:     s.eligibleLocked(i, now),
			SessionActive: st.sessionID != "",
		}
		if !st.cooldownUntil.IsZero() && !now.After(st.cooldownUntil) {
			status.CooldownUntil = st.cooldownUntil.UTC().Format(time.RFC3339)
			status.CooldownReason = st.cooldownReason
		}
		if !st.sessionCreatedAt.IsZero() {
			status.SessionCreatedAt = st.sessionCreatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, status)
	}
	return out
}

// nextDailyReset returns the first local midnight in loc strictly after now.
func nextDailyReset(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.AddDate(0, 0, 1)
}

func notify(listeners []func(Event), ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}

func boolReason(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
