package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func echoPrincipal(t *testing.T, captured **Principal) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		require.True(t, ok, "handler reached without principal")
		*captured = p
		w.WriteHeader(http.StatusOK)
	})
}

func TestMissingCredentialsRejected(t *testing.T) {
	a := New(Config{Enabled: true, Keys: []KeyConfig{{Name: "ci", Key: "sk-test"}}}, zap.NewNop())

	var p *Principal
	srv := a.Middleware(echoPrincipal(t, &p))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research/abc", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "credentials required")
	assert.Nil(t, p)
}

func TestPlainAPIKeyHeader(t *testing.T) {
	a := New(Config{Enabled: true, Keys: []KeyConfig{{Name: "ci", Role: RoleAdmin, Key: "sk-test"}}}, zap.NewNop())

	var p *Principal
	srv := a.Middleware(echoPrincipal(t, &p))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/research/abc", nil)
	req.Header.Set("X-API-Key", "sk-test")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, p)
	assert.Equal(t, "ci", p.Name)
	assert.Equal(t, RoleAdmin, p.Role)
	assert.Equal(t, "api_key", p.Method)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/research/abc", nil)
	req.Header.Set("X-API-Key", "sk-wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBcryptHashedKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sk-hashed"), bcrypt.MinCost)
	require.NoError(t, err)
	a := New(Config{Enabled: true, Keys: []KeyConfig{{Name: "ops", Hash: string(hash)}}}, zap.NewNop())

	p, err := a.ValidateKey("sk-hashed")
	require.NoError(t, err)
	assert.Equal(t, "ops", p.Name)
	assert.Equal(t, RoleUser, p.Role)

	_, err = a.ValidateKey("sk-other")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestQueryParamKeyOnStreamEndpointsOnly(t *testing.T) {
	a := New(Config{Enabled: true, Keys: []KeyConfig{{Name: "ci", Key: "sk-test"}}}, zap.NewNop())

	var p *Principal
	srv := a.Middleware(echoPrincipal(t, &p))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research/abc/events?api_key=sk-test", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, p)
	assert.Equal(t, "ci", p.Name)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research/abc?api_key=sk-test", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "query keys are for stream endpoints only")
}

func TestBearerToken(t *testing.T) {
	a := New(Config{Enabled: true, JWTSecret: "secret", Issuer: "fathom"}, zap.NewNop())

	token, err := a.verifier.Mint("researcher", RoleUser, time.Minute)
	require.NoError(t, err)

	var p *Principal
	srv := a.Middleware(echoPrincipal(t, &p))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/research/abc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, p)
	assert.Equal(t, "researcher", p.Name)
	assert.Equal(t, "jwt", p.Method)
}

func TestExpiredTokenRejected(t *testing.T) {
	v := NewVerifier("secret", "fathom")
	token, err := v.Mint("researcher", RoleUser, -time.Minute)
	require.NoError(t, err)

	_, err = v.Validate(token)
	assert.Error(t, err)
}

func TestUnsignedTokenRejected(t *testing.T) {
	v := NewVerifier("secret", "fathom")
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Name: "sneaky"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Validate(unsigned)
	assert.Error(t, err)
}

func TestWrongIssuerRejected(t *testing.T) {
	minted, err := NewVerifier("secret", "someone-else").Mint("researcher", RoleUser, time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier("secret", "fathom").Validate(minted)
	assert.Error(t, err)
}

func TestSkipAuthEnvBypasses(t *testing.T) {
	t.Setenv(SkipAuthEnv, "1")
	a := New(Config{Enabled: true, Keys: []KeyConfig{{Name: "ci", Key: "sk-test"}}}, zap.NewNop())
	assert.False(t, a.Enabled())

	var p *Principal
	srv := a.Middleware(echoPrincipal(t, &p))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research/abc", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, p)
	assert.Equal(t, "dev", p.Name)
}

func TestDisabledAuthPassesAnonymous(t *testing.T) {
	a := New(Config{Enabled: false}, zap.NewNop())

	var p *Principal
	srv := a.Middleware(echoPrincipal(t, &p))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research/abc", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, p)
	assert.Equal(t, "anonymous", p.Name)
	assert.Equal(t, "none", p.Method)
}
