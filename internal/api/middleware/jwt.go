package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type apiContextKey string

const apiSubjectKey apiContextKey = "api_subject"

// tokenIssuer is the issuer of admin API tokens.
const tokenIssuer = "agentbridge"

// DefaultTokenTTL is the lifetime of an admin API token when none is given.
const DefaultTokenTTL = 24 * time.Hour

// ScopeCallsRead grants read access to the in-flight call listing.
const ScopeCallsRead = "calls:read"

// APIClaims holds the JWT claims for admin API access.
type APIClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// GenerateAPIToken creates a signed admin API token for subject.
func GenerateAPIToken(secret []byte, subject string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("api secret is not configured")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := APIClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireAPIToken returns middleware that validates bearer tokens carrying
// scope. On success it stores the token subject in the request context.
func RequireAPIToken(secret []byte, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &APIClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid || !claims.VerifyIssuer(tokenIssuer, true) {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if !slices.Contains(claims.Scopes, scope) {
				writeError(w, http.StatusForbidden, "token lacks scope "+scope)
				return
			}

			ctx := context.WithValue(r.Context(), apiSubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APISubjectFromContext retrieves the authenticated token subject from the
// request context. Returns "" if not set.
func APISubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(apiSubjectKey).(string)
	return sub
}
