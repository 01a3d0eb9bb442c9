package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authedServer(t *testing.T) (http.Handler, *Authenticator) {
	t.Helper()
	cfg := testConfig()
	cfg.Security.JWTSecret = "test-secret"
	srv := NewServer(cfg, &Services{
		Consent: &stubConsent{active: true},
		Privacy: &stubGovernor{},
		Query:   &stubQuery{},
		Audit:   &stubAudit{},
	})
	return srv.httpServer.Handler, srv.auth
}

func TestAuthMiddleware(t *testing.T) {
	h, auth := authedServer(t)
	target := "/api/v1/consents/" + uuid.NewString() + "/status"

	t.Run("rejects requests without a token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")

		var resp errorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
		assert.NotEmpty(t, resp.Error.TraceID)
	})

	t.Run("rejects a malformed authorization header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("accepts a valid bearer token", func(t *testing.T) {
		token, err := auth.GenerateToken(uuid.New(), "requester")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejects a token signed with a different secret", func(t *testing.T) {
		other := NewAuthenticator([]byte("other-secret"), time.Hour)
		token, err := other.GenerateToken(uuid.New(), "requester")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("health and metrics stay open", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAuthenticatorValidate(t *testing.T) {
	auth := NewAuthenticator([]byte("test-secret"), time.Hour)

	t.Run("round-trips actor claims", func(t *testing.T) {
		actorID := uuid.New()
		token, err := auth.GenerateToken(actorID, "subject")
		require.NoError(t, err)

		claims, err := auth.validate(token)
		require.NoError(t, err)
		assert.Equal(t, actorID, claims.ActorID)
		assert.Equal(t, "subject", claims.ActorType)
		assert.Equal(t, actorID.String(), claims.Subject)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		now := time.Now().Add(-2 * time.Hour)
		expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
				IssuedAt:  jwt.NewNumericDate(now),
			},
			ActorID: uuid.New(),
		})
		signed, err := expired.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = auth.validate(signed)
		require.Error(t, err)
	})

	t.Run("rejects an unsigned token", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{ActorID: uuid.New()})
		signed, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = auth.validate(signed)
		require.Error(t, err)
	})

	t.Run("rejects a token without an actor", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = auth.validate(signed)
		require.Error(t, err)
	})
}
