// Package authmw provides HTTP middleware that maps bearer tokens to the
// acting user.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Anonymous is the acting user when no tokens are configured.
const Anonymous = "anonymous"

type userKey struct{}

// WithUser returns a context carrying user as the acting user.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the acting user stored by Identity, or "" if none.
func UserFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

type credential struct {
	token []byte
	user  string
}

// Identity returns middleware that resolves the Authorization bearer token to
// a user name from tokens (token -> user). With no tokens configured every
// request runs as Anonymous. Every configured token is compared in constant
// time so the match position does not leak through timing.
func Identity(tokens map[string]string) func(http.Handler) http.Handler {
	creds := make([]credential, 0, len(tokens))
	for tok, user := range tokens {
		creds = append(creds, credential{token: []byte(tok), user: user})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(creds) == 0 {
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), Anonymous)))
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header","code":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			got := []byte(auth[len("Bearer "):])

			user := ""
			for _, c := range creds {
				if subtle.ConstantTimeCompare(got, c.token) == 1 {
					user = c.user
				}
			}
			if user == "" {
				http.Error(w, `{"error":"invalid token","code":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// ParseTokens parses a comma-separated "user:token" list.
func ParseTokens(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, tok, ok := strings.Cut(pair, ":")
		user, tok = strings.TrimSpace(user), strings.TrimSpace(tok)
		if !ok || user == "" || tok == "" {
			return nil, fmt.Errorf("api token entry %q must be user:token", redact(pair))
		}
		if prev, dup := out[tok]; dup {
			return nil, fmt.Errorf("users %s and %s share a token", prev, user)
		}
		out[tok] = user
	}
	return out, nil
}

// redact keeps the user part of a malformed entry and hides the rest.
func redact(pair string) string {
	if user, _, ok := strings.Cut(pair, ":"); ok {
		return user + ":***"
	}
	return "***"
}
