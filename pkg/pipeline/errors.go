package pipeline

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/driftware/chatbridge/pkg/accounts"
	"github.com/driftware/chatbridge/pkg/upstream"
)

// Category groups pipeline failures for envelope rendering and metrics.
type Category string

const (
	CategoryInvalidRequest      Category = "invalid_request"
	CategoryUpstreamUnavailable Category = "upstream_unavailable"
	CategoryRateLimited         Category = "rate_limited"
	CategoryInternal            Category = "internal_error"
)

type Error struct {
	Category Category
	Code     string
	Message  string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalidRequest(code, message string) *Error {
	return &Error{Category: CategoryInvalidRequest, Code: code, Message: message, Status: http.StatusBadRequest}
}

// selectionError maps account pool selection failures onto client-visible
// errors without leaking pool internals.
func selectionError(err error) *Error {
	switch {
	case errors.Is(err, accounts.ErrUnknownAccount):
		return &Error{Category: CategoryInvalidRequest, Code: "unknown_account", Message: "the requested account is not configured", Status: http.StatusBadRequest, Err: err}
	case errors.Is(err, accounts.ErrAccountUnavailable):
		return &Error{Category: CategoryUpstreamUnavailable, Code: "account_unavailable", Message: "the requested account is cooling down or disabled", Status: http.StatusServiceUnavailable, Err: err}
	default:
		return &Error{Category: CategoryUpstreamUnavailable, Code: "no_accounts_available", Message: "all accounts are cooling down or disabled", Status: http.StatusServiceUnavailable, Err: err}
	}
}

// upstreamError maps a failed remote call onto a client-visible error after
// the cooldown outcome has already been recorded.
func upstreamError(err error) *Error {
	switch upstream.Classify(err) {
	case accounts.OutcomeRateLimited:
		return &Error{Category: CategoryRateLimited, Code: "upstream_rate_limited", Message: "the upstream service is rate limiting this account", Status: http.StatusTooManyRequests, Err: err}
	case accounts.OutcomeAuthFailure:
		return &Error{Category: CategoryUpstreamUnavailable, Code: "upstream_auth_failed", Message: "upstream rejected the account credentials", Status: http.StatusBadGateway, Err: err}
	default:
		return &Error{Category: CategoryUpstreamUnavailable, Code: "upstream_error", Message: "the upstream service returned an error", Status: http.StatusBadGateway, Err: err}
	}
}

func internalError(message string, err error) *Error {
	return &Error{Category: CategoryInternal, Code: "internal_error", Message: message, Status: http.StatusInternalServerError, Err: err}
}
