package authmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func whoami(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(UserFrom(r.Context())))
}

var tokens = map[string]string{
	"tok-alice-123": "alice",
	"tok-bob-456":   "bob",
}

func TestIdentity_ValidToken(t *testing.T) {
	t.Parallel()

	h := Identity(tokens)(http.HandlerFunc(whoami))

	tests := []struct {
		token string
		want  string
	}{
		{"tok-alice-123", "alice"},
		{"tok-bob-456", "bob"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+tt.token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if got := rec.Body.String(); got != tt.want {
			t.Errorf("user = %q, want %q", got, tt.want)
		}
	}
}

func TestIdentity_Rejects(t *testing.T) {
	t.Parallel()

	h := Identity(tokens)(http.HandlerFunc(whoami))

	tests := []struct {
		name  string
		value string
	}{
		{"missing header", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"lowercase bearer", "bearer tok-alice-123"},
		{"wrong token", "Bearer wrong"},
		{"partial match", "Bearer tok-alice"},
		{"token with suffix", "Bearer tok-alice-123-extra"},
		{"empty token", "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.value != "" {
				req.Header.Set("Authorization", tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if !strings.Contains(rec.Body.String(), `"code":"unauthorized"`) {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestIdentity_OpenWithoutTokens(t *testing.T) {
	t.Parallel()

	h := Identity(nil)(http.HandlerFunc(whoami))
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != Anonymous {
		t.Errorf("status = %d, user = %q; want 200 and %q", rec.Code, rec.Body.String(), Anonymous)
	}
}

func TestUserFrom_Empty(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if got := UserFrom(req.Context()); got != "" {
		t.Errorf("UserFrom = %q, want empty", got)
	}
	if got := UserFrom(WithUser(req.Context(), "carol")); got != "carol" {
		t.Errorf("UserFrom = %q, want carol", got)
	}
}

func TestParseTokens(t *testing.T) {
	t.Parallel()

	got, err := ParseTokens(" alice:tok-a , bob:tok-b,,")
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}
	if len(got) != 2 || got["tok-a"] != "alice" || got["tok-b"] != "bob" {
		t.Errorf("tokens = %v", got)
	}

	empty, err := ParseTokens("")
	if err != nil || len(empty) != 0 {
		t.Errorf("empty = %v, %v", empty, err)
	}

	tests := []struct {
		name string
		in   string
	}{
		{"no separator", "alice"},
		{"no token", "alice:"},
		{"no user", ":secret"},
		{"shared token", "alice:same,bob:same"},
	}
	for _, tt := range tests {
		if _, err := ParseTokens(tt.in); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	_, err = ParseTokens("alice:")
	if err != nil && strings.Contains(err.Error(), "secret") {
		t.Errorf("error leaks token: %v", err)
	}
	_, err = ParseTokens(":supersecret")
	if err == nil || strings.Contains(err.Error(), "supersecret") {
		t.Errorf("error leaks token: %v", err)
	}
}
