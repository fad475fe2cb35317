package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/milestonebet/internal/crypto"
)

var discard = slog.New(slog.DiscardHandler)

// hardhat account #0
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if addr, ok := WalletFrom(r.Context()); ok {
			w.Header().Set("X-Seen-Wallet", addr)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth(t *testing.T) {
	h := Auth("s3cret", "/api/health")(okHandler())

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing", "/api/markets/x", nil, http.StatusUnauthorized},
		{"wrong", "/api/markets/x", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key", "/api/markets/x", map[string]string{"X-API-Key": "s3cret"}, http.StatusOK},
		{"bearer", "/api/markets/x", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"exempt", "/api/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	Auth("")(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "empty key disables auth")
}

type countingLimiter struct {
	calls int
	limit int
	err   error
	keys  []string
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.calls++
	l.keys = append(l.keys, key)
	return l.calls <= l.limit, l.err
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{limit: 2}
	h := RateLimit(lim, 2, 10*time.Second, discard)(okHandler())

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/api/markets/x", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "10", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, "api:203.0.113.7", lim.keys[0])

	failing := RateLimit(&countingLimiter{err: errors.New("redis down")}, 1, time.Second, discard)(okHandler())
	rec := httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "fails open")
}

func signedRequest(t *testing.T, signer *crypto.Signer, method, path string, ts int64, body string) *http.Request {
	t.Helper()
	sig, err := signer.SignMessage(WalletMessage(method, path, ts, []byte(body)))
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(HeaderWalletAddress, signer.Address().Hex())
	req.Header.Set(HeaderWalletSignature, sig)
	req.Header.Set(HeaderWalletTimestamp, strconv.FormatInt(ts, 10))
	return req
}

func TestWallet_Signature(t *testing.T) {
	signer, err := crypto.NewSigner(testKey)
	require.NoError(t, err)
	now := time.Unix(1_800_000_000, 0)
	h := Wallet(WalletConfig{RequireSignature: true, MaxAge: time.Minute, Now: func() time.Time { return now }}, discard)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, signer, http.MethodPost, "/api/markets/m1/bets", now.Unix(), ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, signer.Address().Hex(), rec.Header().Get("X-Seen-Wallet"))

	// signature for a different path
	req := signedRequest(t, signer, http.MethodPost, "/api/markets/m2/bets", now.Unix(), "")
	req.URL.Path = "/api/markets/m1/bets"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, signer, http.MethodPost, "/api/x", now.Add(-2*time.Minute).Unix(), ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "stale timestamp")

	req = signedRequest(t, signer, http.MethodPost, "/api/x", now.Unix(), "")
	req.Header.Set(HeaderWalletAddress, "0x0000000000000000000000000000000000000001")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "someone else's signature")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Seen-Wallet"), "anonymous")
}

func TestWallet_SignatureCoversBody(t *testing.T) {
	signer, err := crypto.NewSigner(testKey)
	require.NoError(t, err)
	now := time.Unix(1_800_000_000, 0)
	var seen string
	h := Wallet(WalletConfig{RequireSignature: true, Now: func() time.Time { return now }}, discard)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			seen = string(b)
			w.WriteHeader(http.StatusOK)
		}))

	const body = `{"side":"yes","amount":"10"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, signer, http.MethodPost, "/api/markets/m1/bets", now.Unix(), body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen, "handler still reads the body")

	// same headers, different stake
	req := signedRequest(t, signer, http.MethodPost, "/api/markets/m1/bets", now.Unix(), body)
	req.Body = io.NopCloser(strings.NewReader(`{"side":"yes","amount":"10000"}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = signedRequest(t, signer, http.MethodPost, "/api/markets/m1/bets", now.Unix(), "")
	req.Body = io.NopCloser(strings.NewReader(strings.Repeat("x", maxSignedBody+1)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWallet_TrustedHeader(t *testing.T) {
	h := Wallet(WalletConfig{}, discard)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderWalletAddress, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", rec.Header().Get("X-Seen-Wallet"))

	req.Header.Set(HeaderWalletAddress, "not-hex")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example/", "https://*.milestone.example"})(okHandler())

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/markets/m1/bets", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("https://app.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), HeaderWalletSignature)
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = preflight("https://staging.milestone.example")
	assert.Equal(t, http.StatusNoContent, rec.Code, "subdomain wildcard")
	assert.Equal(t, http.StatusForbidden, preflight("https://milestone.example").Code, "wildcard needs a subdomain")
	assert.Equal(t, http.StatusForbidden, preflight("http://staging.milestone.example").Code, "scheme must match")
	assert.Equal(t, http.StatusForbidden, preflight("https://evil.example").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "simple requests reach the handler")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// a bare OPTIONS is not a preflight
	req = httptest.NewRequest(http.MethodOptions, "/api/x", nil)
	req.Header.Set("Origin", "https://app.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	open := CORS(nil)(okHandler())
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anything.example")
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	assert.Equal(t, "https://anything.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLogging_RequestID(t *testing.T) {
	var seen string
	h := Logging(discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
}
