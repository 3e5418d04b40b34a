package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func issueToken(t *testing.T, secret, issuer, audience string, expiry time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"exp": time.Now().Add(expiry).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func adminHandler(auth *Authenticator) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return auth.Middleware()(ok)
}

func TestAdminAuthAcceptsValidToken(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: "admin-secret",
		Issuer:     "gigvault",
		Audience:   "escrowd",
	}, nil)
	handler := adminHandler(auth)

	req := httptest.NewRequest("POST", "/v1/admin/fee", nil)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, "admin-secret", "gigvault", "escrowd", time.Hour))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminAuthRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: "admin-secret",
		Issuer:     "gigvault",
		Audience:   "escrowd",
	}, nil)
	handler := adminHandler(auth)

	cases := map[string]string{
		"missing":        "",
		"wrong secret":   "Bearer " + issueToken(t, "other-secret", "gigvault", "escrowd", time.Hour),
		"wrong issuer":   "Bearer " + issueToken(t, "admin-secret", "intruder", "escrowd", time.Hour),
		"wrong audience": "Bearer " + issueToken(t, "admin-secret", "gigvault", "other", time.Hour),
		"expired":        "Bearer " + issueToken(t, "admin-secret", "gigvault", "escrowd", -time.Hour),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/admin/fee", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAdminAuthDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: false}, nil)
	handler := adminHandler(auth)
	req := httptest.NewRequest("POST", "/v1/admin/fee", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"settle": {RequestsPerMinute: 60, Burst: 2},
	}, nil)
	handler := limiter.Middleware("settle")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/jobs", nil)
		req.Header.Set("X-Api-Key", "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, http.StatusNoContent, codes[0])
	require.Equal(t, http.StatusNoContent, codes[1])
	require.Equal(t, http.StatusTooManyRequests, codes[2])

	// A different API key has its own budget.
	req := httptest.NewRequest("POST", "/v1/jobs", nil)
	req.Header.Set("X-Api-Key", "key-2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterIgnoresUnknownRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{}, nil)
	handler := limiter.Middleware("other")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/jobs/1", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}
