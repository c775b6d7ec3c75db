package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// IdentityConfig describes how callers prove who they are. Tokens are issued
// by an external identity provider and signed with a shared HS256 secret.
type IdentityConfig struct {
	JWTSecret string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// AllowQueryIdentity accepts the userId query parameter from callers
	// that present no token.
	AllowQueryIdentity bool
}

// Identity resolves the owner of a request.
type Identity struct {
	secret     []byte
	issuer     string
	allowQuery bool
}

func NewIdentity(cfg IdentityConfig) *Identity {
	id := &Identity{
		issuer:     strings.TrimSpace(cfg.Issuer),
		allowQuery: cfg.AllowQueryIdentity,
	}
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		id.secret = []byte(secret)
	}
	return id
}

// Verify checks a bearer token and returns its subject.
func (i *Identity) Verify(raw string) (string, error) {
	if len(i.secret) == 0 {
		return "", fmt.Errorf("%w: bearer tokens are not accepted", errUnauthorized)
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid or expired token", errUnauthorized)
	}
	if i.issuer != "" && !claims.VerifyIssuer(i.issuer, true) {
		return "", fmt.Errorf("%w: unexpected token issuer", errUnauthorized)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: token has no subject", errUnauthorized)
	}
	return subject, nil
}

// Owner returns the caller's owner id, or "" when the request carries no
// identity. A verified token wins over the userId parameter and the two
// must agree when both are present.
func (i *Identity) Owner(r *http.Request) (string, error) {
	queryUser := strings.TrimSpace(r.URL.Query().Get("userId"))
	if token := ExtractToken(r); token != "" {
		owner, err := i.Verify(token)
		if err != nil {
			return "", err
		}
		if queryUser != "" && queryUser != owner {
			return "", fmt.Errorf("%w: userId does not match the authenticated user", errForbidden)
		}
		return owner, nil
	}
	if queryUser == "" {
		return "", nil
	}
	if !i.allowQuery {
		return "", fmt.Errorf("%w: userId requires a bearer token", errUnauthorized)
	}
	return queryUser, nil
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
