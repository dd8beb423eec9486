// Package imagecache stores generated images on disk so chat replies can
// reference them by URL instead of embedding megabytes of base64. Entries are
// best-effort: a sweep drops anything older than the retention window, and
// readers must tolerate files disappearing at any time.
package imagecache

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

var ErrInvalidName = errors.New("invalid image name")

type Cache struct {
	dir     string
	baseURL string
	now     func() time.Time
}

// New creates the backing directory if needed. baseURL, when set, overrides
// request-derived URLs (useful behind a reverse proxy).
func New(dir, baseURL string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image cache dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     func() time.Time { return time.Now() },
	}, nil
}

func (c *Cache) Dir() string {
	return c.dir
}

// SetNowFunc overrides the wall clock, for tests.
func (c *Cache) SetNowFunc(now func() time.Time) {
	c.now = now
}

// Store writes the image bytes under a random name and returns that name.
func (c *Cache) Store(data []byte, ext string) (string, error) {
	ext = sanitizeExt(ext)
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(c.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write cached image: %w", err)
	}
	return name, nil
}

// URLFor builds the externally reachable URL for a cached image, preferring
// the configured base URL over the incoming request's host.
func (c *Cache) URLFor(name, requestHost string, tls bool) string {
	if c.baseURL != "" {
		return c.baseURL + "/image/" + name
	}
	scheme := "http"
	if tls {
		scheme = "https"
	}
	return scheme + "://" + requestHost + "/image/" + name
}

// Read returns the cached bytes plus a sniffed content type.
func (c *Cache) Read(name string) ([]byte, string, error) {
	if !validName(name) {
		return nil, "", ErrInvalidName
	}
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return nil, "", err
	}
	return data, http.DetectContentType(data), nil
}

// Sweep deletes cached images whose modification time is older than the
// retention window. Errors on individual files are logged and skipped.
func (c *Cache) Sweep(retention time.Duration) {
	cutoff := c.now().Add(-retention)
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		log.Warn("image cache sweep failed", "err", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
				log.Warn("image cache remove failed", "name", e.Name(), "err", err)
			}
		}
	}
}

// validName rejects anything that could escape the cache directory.
func validName(name string) bool {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return false
	}
	return name == filepath.Base(name) && !strings.HasPrefix(name, ".")
}

func sanitizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" {
		return ".png"
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".png"
		}
	}
	return "." + ext
}
