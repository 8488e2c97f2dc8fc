package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jwksServer(t *testing.T, kid string, key *rsa.PublicKey) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	fetches := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": kid,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, fetches
}

func protected(cfg AuthConfig) http.Handler {
	return OperatorAuthMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := GetOperator(r.Context())
		w.Write([]byte(subject))
	}))
}

func serve(h http.Handler, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/settlements/x", nil)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOperatorAuth_AcceptsJWKSSignedToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv, fetches := jwksServer(t, "ops-key", &key.PublicKey)
	h := protected(AuthConfig{JWKSURL: srv.URL, Issuer: "https://id.transfa"})

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "ops@transfa",
		"iss": "https://id.transfa",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "ops-key"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec := serve(h, "Bearer "+signed)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ops@transfa", rec.Body.String())
	}
	assert.Equal(t, int32(1), fetches.Load(), "keys are cached between requests")
}

func TestOperatorAuth_RejectsWrongIssuer(t *testing.T) {
	h := protected(AuthConfig{Secret: testOperatorSecret, Issuer: "https://id.transfa"})
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@transfa",
		"iss": "https://elsewhere",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testOperatorSecret))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, serve(h, "Bearer "+signed).Code)
}

func TestOperatorAuth_RejectsHMACWhenOnlyJWKSConfigured(t *testing.T) {
	h := protected(AuthConfig{JWKSURL: "http://127.0.0.1:0/jwks"})
	assert.Equal(t, http.StatusUnauthorized, serve(h, operatorToken(t, "anything")).Code)
}

func TestOperatorAuth_RejectsMalformedHeaders(t *testing.T) {
	h := protected(AuthConfig{Secret: testOperatorSecret})
	assert.Equal(t, http.StatusUnauthorized, serve(h, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, "Bearer not-a-jwt").Code)
}

func TestOperatorAuth_RejectsExpiredToken(t *testing.T) {
	h := protected(AuthConfig{Secret: testOperatorSecret})
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@transfa",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(testOperatorSecret))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, serve(h, "Bearer "+signed).Code)
}
