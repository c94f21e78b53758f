// Package auth checks the HS256 bearer tokens that guard operator endpoints
// and agent sessions.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"attack-pipeline/pkg/httputil"
)

type contextKey string

const ContextKeySubject = contextKey("subject")

// Issuer is stamped into and required on every token.
const Issuer = "attack-pipeline"

var errMissingToken = errors.New("missing bearer token")

// IssueToken signs a token for subject valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken checks signature, expiry and issuer and returns the subject.
func ValidateToken(secret, tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid token, except for the exact
// paths listed in public. Websocket clients that cannot set headers may pass
// the token as the "token" query parameter. An empty secret disables the
// check.
func Middleware(secret string, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			tokenStr, err := extractToken(r)
			if err != nil {
				httputil.RespondError(w, http.StatusUnauthorized, err.Error())
				return
			}
			sub, err := ValidateToken(secret, tokenStr)
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					httputil.RespondError(w, http.StatusUnauthorized, "Token expired")
					return
				}
				httputil.RespondError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeySubject, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", errMissingToken
}

// Subject returns the authenticated subject, if any.
func Subject(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(ContextKeySubject).(string)
	return sub, ok
}
