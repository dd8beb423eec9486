package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "chatbridge.toml"

	ImageModeURL    = "url"
	ImageModeBase64 = "base64"
)

// AccountConfig holds one upstream account: the team the account belongs to,
// the long-lived session cookies harvested from a browser login, and the
// client identity string the upstream expects on every call.
type AccountConfig struct {
	Name           string `toml:"name" json:"name"`
	TeamID         string `toml:"team_id" json:"team_id"`
	Cookie         string `toml:"cookie" json:"-"`
	UserCookie     string `toml:"user_cookie,omitempty" json:"-"`
	ClientID       string `toml:"client_id,omitempty" json:"client_id,omitempty"`
	Enabled        bool   `toml:"enabled" json:"enabled"`
	CooldownUntil  string `toml:"cooldown_until,omitempty" json:"cooldown_until,omitempty"`
	CooldownReason string `toml:"cooldown_reason,omitempty" json:"cooldown_reason,omitempty"`
}

type ModelConfig struct {
	ID      string `toml:"id" json:"id"`
	Created int64  `toml:"created,omitempty" json:"created,omitempty"`
}

type IncomingAPIToken struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	Key       string `toml:"key"`
	ExpiresAt string `toml:"expires_at,omitempty"`
	CreatedAt string `toml:"created_at,omitempty"`
}

type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	ProxyURL       string `toml:"proxy_url,omitempty"`
	ProxyEnabled   bool   `toml:"proxy_enabled,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type ImagesConfig struct {
	Mode             string `toml:"mode"`
	Dir              string `toml:"dir,omitempty"`
	BaseURL          string `toml:"base_url,omitempty"`
	RetentionSeconds int    `toml:"retention_seconds,omitempty"`
}

type CooldownsConfig struct {
	// ResetTimezone names the zone whose local midnight is the daily
	// rate-limit reset boundary.
	ResetTimezone string `toml:"reset_timezone,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr           string             `toml:"listen_addr"`
	LogLevel             string             `toml:"log_level,omitempty"`
	AllowLocalhostNoAuth bool               `toml:"allow_localhost_no_auth"`
	IncomingTokens       []IncomingAPIToken `toml:"incoming_tokens"`
	Accounts             []AccountConfig    `toml:"accounts"`
	Models               []ModelConfig      `toml:"models"`
	Upstream             UpstreamConfig     `toml:"upstream"`
	Images               ImagesConfig       `toml:"images"`
	Cooldowns            CooldownsConfig    `toml:"cooldowns"`
	TLS                  TLSConfig          `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "chatbridge", defaultConfigFileName)
}

func DefaultImageCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "image-cache"
	}
	return filepath.Join(home, ".cache", "chatbridge", "images")
}

func DefaultUsageStatsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage-stats.json"
	}
	return filepath.Join(home, ".cache", "chatbridge", "usage-stats.json")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "chatbridge", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:     "127.0.0.1:8089",
		LogLevel:       "info",
		IncomingTokens: []IncomingAPIToken{},
		Accounts:       []AccountConfig{},
		Models: []ModelConfig{
			{ID: "enterprise-chat"},
		},
		Upstream: UpstreamConfig{
			TimeoutSeconds: 120,
		},
		Images: ImagesConfig{
			Mode:             ImageModeURL,
			Dir:              DefaultImageCacheDir(),
			RetentionSeconds: 3600,
		},
		Cooldowns: CooldownsConfig{
			ResetTimezone: "America/Los_Angeles",
		},
		TLS: TLSConfig{
			Enabled:  false,
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return LoadServerConfig(path)
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":8089"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	tokenSeen := map[string]struct{}{}
	tokens := make([]IncomingAPIToken, 0, len(c.IncomingTokens))
	for i, t := range c.IncomingTokens {
		t.ID = strings.TrimSpace(t.ID)
		t.Name = strings.TrimSpace(t.Name)
		t.Key = strings.TrimSpace(t.Key)
		t.ExpiresAt = strings.TrimSpace(t.ExpiresAt)
		t.CreatedAt = strings.TrimSpace(t.CreatedAt)
		if t.Key == "" {
			continue
		}
		if _, ok := tokenSeen[t.Key]; ok {
			continue
		}
		tokenSeen[t.Key] = struct{}{}
		if t.ID == "" {
			t.ID = fmt.Sprintf("tok-%d", i+1)
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("Token %d", len(tokens)+1)
		}
		tokens = append(tokens, t)
	}
	c.IncomingTokens = tokens

	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Name = strings.TrimSpace(a.Name)
		a.TeamID = strings.TrimSpace(a.TeamID)
		a.Cookie = strings.TrimSpace(a.Cookie)
		a.UserCookie = strings.TrimSpace(a.UserCookie)
		a.ClientID = strings.TrimSpace(a.ClientID)
		a.CooldownUntil = strings.TrimSpace(a.CooldownUntil)
		a.CooldownReason = strings.TrimSpace(a.CooldownReason)
		if a.Name == "" {
			a.Name = fmt.Sprintf("account-%d", i+1)
		}
	}

	models := make([]ModelConfig, 0, len(c.Models))
	modelSeen := map[string]struct{}{}
	for _, m := range c.Models {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			continue
		}
		if _, ok := modelSeen[m.ID]; ok {
			continue
		}
		modelSeen[m.ID] = struct{}{}
		models = append(models, m)
	}
	c.Models = models

	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	c.Upstream.ProxyURL = strings.TrimSpace(c.Upstream.ProxyURL)
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 120
	}

	c.Images.Mode = strings.ToLower(strings.TrimSpace(c.Images.Mode))
	if c.Images.Mode != ImageModeBase64 {
		c.Images.Mode = ImageModeURL
	}
	c.Images.Dir = strings.TrimSpace(c.Images.Dir)
	if c.Images.Dir == "" {
		c.Images.Dir = DefaultImageCacheDir()
	}
	c.Images.BaseURL = strings.TrimRight(strings.TrimSpace(c.Images.BaseURL), "/")
	if c.Images.RetentionSeconds <= 0 {
		c.Images.RetentionSeconds = 3600
	}

	c.Cooldowns.ResetTimezone = strings.TrimSpace(c.Cooldowns.ResetTimezone)
	if c.Cooldowns.ResetTimezone == "" {
		c.Cooldowns.ResetTimezone = "America/Los_Angeles"
	}

	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	idSeen := map[string]struct{}{}
	for _, t := range c.IncomingTokens {
		if t.ID == "" {
			return errors.New("incoming token id cannot be empty")
		}
		if _, ok := idSeen[t.ID]; ok {
			return fmt.Errorf("duplicate incoming token id %q", t.ID)
		}
		idSeen[t.ID] = struct{}{}
		if t.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, t.ExpiresAt); err != nil {
				return fmt.Errorf("incoming token %q has invalid expires_at (RFC3339 required)", t.ID)
			}
		}
	}
	nameSeen := map[string]struct{}{}
	for _, a := range c.Accounts {
		if a.Name == "" {
			return errors.New("account name cannot be empty")
		}
		if _, ok := nameSeen[a.Name]; ok {
			return fmt.Errorf("duplicate account name %q", a.Name)
		}
		nameSeen[a.Name] = struct{}{}
		if a.TeamID == "" {
			return fmt.Errorf("account %q team_id cannot be empty", a.Name)
		}
		if a.Cookie == "" {
			return fmt.Errorf("account %q cookie cannot be empty", a.Name)
		}
		if a.CooldownUntil != "" {
			if _, err := time.Parse(time.RFC3339, a.CooldownUntil); err != nil {
				return fmt.Errorf("account %q has invalid cooldown_until (RFC3339 required)", a.Name)
			}
		}
	}
	if len(c.Models) == 0 {
		return errors.New("at least one model must be configured")
	}
	if _, err := time.LoadLocation(c.Cooldowns.ResetTimezone); err != nil {
		return fmt.Errorf("invalid cooldowns.reset_timezone %q", c.Cooldowns.ResetTimezone)
	}
	if c.Images.Mode != ImageModeURL && c.Images.Mode != ImageModeBase64 {
		return errors.New("images.mode must be url or base64")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// Store serializes access to the effective server config and persists
// mutations back to disk. Snapshot hands out deep copies so callers never
// alias the live slices.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewStore(path string, cfg *ServerConfig) *Store {
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfig(s.cfg)
}

func (s *Store) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneConfig(s.cfg)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

// Replace swaps the in-memory config without writing it back, used when the
// file itself changed on disk.
func (s *Store) Replace(cfg *ServerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneConfig(cfg)
	s.cfg = &cp
}

func cloneConfig(in *ServerConfig) ServerConfig {
	cp := *in
	cp.IncomingTokens = append([]IncomingAPIToken(nil), in.IncomingTokens...)
	cp.Accounts = append([]AccountConfig(nil), in.Accounts...)
	cp.Models = append([]ModelConfig(nil), in.Models...)
	return cp
}
