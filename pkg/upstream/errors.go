package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/driftware/chatbridge/pkg/accounts"
)

// HTTPError is a non-2xx reply from the remote service, with enough of the
// body retained to classify it.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream %s status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func IsAuthError(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden {
		return true
	}
	if httpErr.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(httpErr.Body)
	return strings.Contains(msg, "invalid token") ||
		strings.Contains(msg, "token expired") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "cookie")
}

func IsRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// Classify maps an upstream call failure onto the cooldown policy.
func Classify(err error) accounts.Outcome {
	switch {
	case err == nil:
		return accounts.OutcomeSuccess
	case IsAuthError(err):
		return accounts.OutcomeAuthFailure
	case IsRateLimited(err):
		return accounts.OutcomeRateLimited
	default:
		return accounts.OutcomeUpstreamError
	}
}
