package upstream

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/driftware/chatbridge/pkg/config"
)

// ExchangeGrant is the one-time key pair returned by the token exchange
// endpoint. The secret signs exactly one derived token and is never stored.
type ExchangeGrant struct {
	KeyID  string `json:"key_id"`
	Secret string `json:"secret"`
}

const signedTokenLifetime = 5 * time.Minute

// SignToken builds the HS256 token the session and chat endpoints expect:
// the exchange key id rides in the header, the account identity in the
// claims, and the one-time secret is the signing key.
func SignToken(grant ExchangeGrant, acct config.AccountConfig, now time.Time) (string, error) {
	if grant.KeyID == "" || grant.Secret == "" {
		return "", fmt.Errorf("incomplete exchange grant")
	}
	claims := jwt.MapClaims{
		"jti":     grant.KeyID,
		"team_id": acct.TeamID,
		"iat":     now.Unix(),
		"exp":     now.Add(signedTokenLifetime).Unix(),
	}
	if acct.ClientID != "" {
		claims["client_id"] = acct.ClientID
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = grant.KeyID
	signed, err := tok.SignedString([]byte(grant.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
