// Package proxy is the HTTP surface: the OpenAI-compatible /v1 API, the
// image cache endpoint, and the operator /admin endpoints, all in front of
// the account pool and translation pipeline.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/driftware/chatbridge/pkg/accounts"
	"github.com/driftware/chatbridge/pkg/config"
	"github.com/driftware/chatbridge/pkg/creds"
	"github.com/driftware/chatbridge/pkg/files"
	"github.com/driftware/chatbridge/pkg/imagecache"
	"github.com/driftware/chatbridge/pkg/pipeline"
	"github.com/driftware/chatbridge/pkg/stats"
	"github.com/driftware/chatbridge/pkg/upstream"
)

type Server struct {
	store             *config.Store
	accounts          *accounts.Store
	creds             *creds.Manager
	registry          *files.Registry
	images            *imagecache.Cache
	stats             *stats.Store
	pipe              *pipeline.Pipeline
	events            *eventHub
	metrics           *metrics
	httpServer        *http.Server
	activeAPIRequests atomic.Int64
	draining          atomic.Bool
}

func NewServer(configPath string, cfg *config.ServerConfig) (*Server, error) {
	store := config.NewStore(configPath, cfg)

	resetLoc, err := time.LoadLocation(cfg.Cooldowns.ResetTimezone)
	if err != nil {
		return nil, fmt.Errorf("load cooldown reset timezone: %w", err)
	}
	pool := accounts.NewStore(cfg.Accounts, resetLoc)
	pool.SetPersistFunc(func(name string, until time.Time, reason string) {
		err := store.Update(func(c *config.ServerConfig) error {
			for i := range c.Accounts {
				if c.Accounts[i].Name != name {
					continue
				}
				if until.IsZero() {
					c.Accounts[i].CooldownUntil = ""
					c.Accounts[i].CooldownReason = ""
				} else {
					c.Accounts[i].CooldownUntil = until.UTC().Format(time.RFC3339)
					c.Accounts[i].CooldownReason = reason
				}
			}
			return nil
		})
		if err != nil {
			log.Warn("persist cooldown marker failed", "account", name, "err", err)
		}
	})

	client, err := upstream.NewClient(cfg.Upstream)
	if err != nil {
		return nil, err
	}
	credMgr := creds.NewManager(client, pool)
	registry := files.NewRegistry()
	images, err := imagecache.New(cfg.Images.Dir, cfg.Images.BaseURL)
	if err != nil {
		return nil, err
	}
	usage := stats.NewStore(10000, config.DefaultUsageStatsPath())

	s := &Server{
		store:    store,
		accounts: pool,
		creds:    credMgr,
		registry: registry,
		images:   images,
		stats:    usage,
		pipe:     pipeline.New(store, pool, credMgr, client, registry, images, usage),
		events:   newEventHub(),
		metrics:  newMetrics(),
	}
	pool.Subscribe(s.events.Broadcast)
	pool.Subscribe(s.metrics.observePoolEvent)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.apiRequestLifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", s.metrics.handler())
	r.Get("/image/{name}", s.handleImage)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authAPIMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
		v1.Post("/files", s.handleFileUpload)
		v1.Get("/files", s.handleFileList)
		v1.Get("/files/{id}", s.handleFileGet)
		v1.Delete("/files/{id}", s.handleFileDelete)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.authAPIMiddleware)
		admin.Get("/pool", s.handlePoolStatus)
		admin.Post("/pool/{name}/enable", s.handlePoolEnable)
		admin.Post("/pool/{name}/disable", s.handlePoolDisable)
		admin.Post("/pool/{name}/cooldown/clear", s.handleCooldownClear)
		admin.Post("/pool/{name}/credentials/check", s.handleCredentialsCheck)
		admin.Get("/pool/events", s.handlePoolEvents)
		admin.Get("/stats", s.handleStats)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// ApplyConfig installs a config that changed on disk: the in-memory snapshot
// is replaced and the account pool reloaded, preserving runtime state for
// accounts that still exist.
func (s *Server) ApplyConfig(cfg *config.ServerConfig) {
	s.store.Replace(cfg)
	s.accounts.Reload(cfg.Accounts)
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)
	defer s.stats.Flush()

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()

		go func() {
			log.Info("https listening", "addr", ":443", "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.draining.Store(true)
		s.waitForAPIIdle(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	<-ctx.Done()
	s.draining.Store(true)
	s.waitForAPIIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) apiRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAPIReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isAPIReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isAPIReq {
			s.activeAPIRequests.Add(1)
			defer s.activeAPIRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForAPIIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeAPIRequests.Load()
		if active <= 0 {
			log.Info("shutdown: api idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func (s *Server) authAPIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.store.Snapshot()
		if cfg.AllowLocalhostNoAuth && requestIsLoopback(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !keyAllowed(bearerToken(r.Header), cfg.IncomingTokens) {
			writeOpenAIError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
