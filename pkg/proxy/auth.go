package proxy

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/driftware/chatbridge/pkg/config"
)

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func keyAllowed(token string, tokens []config.IncomingAPIToken) bool {
	_, ok := resolveIncomingToken(token, tokens)
	return ok
}

func resolveIncomingToken(token string, tokens []config.IncomingAPIToken) (config.IncomingAPIToken, bool) {
	if token == "" {
		return config.IncomingAPIToken{}, false
	}
	for _, t := range tokens {
		if token != strings.TrimSpace(t.Key) {
			continue
		}
		if strings.TrimSpace(t.ExpiresAt) != "" {
			expiresAt, err := time.Parse(time.RFC3339, strings.TrimSpace(t.ExpiresAt))
			if err != nil || !nowUTC().Before(expiresAt) {
				return config.IncomingAPIToken{}, false
			}
		}
		return t, true
	}
	return config.IncomingAPIToken{}, false
}

func requestIsLoopback(r *http.Request) bool {
	host := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

var nowUTC = func() time.Time { return time.Now().UTC() }
