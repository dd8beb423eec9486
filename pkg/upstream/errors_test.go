package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/driftware/chatbridge/pkg/accounts"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want accounts.Outcome
	}{
		{"nil", nil, accounts.OutcomeSuccess},
		{"401", &HTTPError{StatusCode: http.StatusUnauthorized}, accounts.OutcomeAuthFailure},
		{"403", &HTTPError{StatusCode: http.StatusForbidden}, accounts.OutcomeAuthFailure},
		{"400 with token body", &HTTPError{StatusCode: http.StatusBadRequest, Body: "Invalid token supplied"}, accounts.OutcomeAuthFailure},
		{"400 plain", &HTTPError{StatusCode: http.StatusBadRequest, Body: "bad field"}, accounts.OutcomeUpstreamError},
		{"429", &HTTPError{StatusCode: http.StatusTooManyRequests}, accounts.OutcomeRateLimited},
		{"500", &HTTPError{StatusCode: http.StatusInternalServerError}, accounts.OutcomeUpstreamError},
		{"transport", errors.New("connection refused"), accounts.OutcomeUpstreamError},
		{"wrapped 429", fmt.Errorf("chat: %w", &HTTPError{StatusCode: http.StatusTooManyRequests}), accounts.OutcomeRateLimited},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("%s: Classify = %v, want %v", tc.name, got, tc.want)
		}
	}
}
