package rest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
)

// Claims are the bearer token claims the API trusts
type Claims struct {
	jwt.RegisteredClaims
	ActorID   uuid.UUID `json:"actor_id"`
	ActorType string    `json:"actor_type"` // subject, requester, operator
}

const contextKeyActor contextKey = "actor"

// Actor returns the authenticated claims carried in ctx, if any
func Actor(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKeyActor).(*Claims)
	return claims, ok
}

// Authenticator validates HS256 bearer tokens on the API surface
type Authenticator struct {
	secret []byte
	expiry time.Duration
}

// NewAuthenticator creates the token authority. A non-positive expiry
// defaults to one hour.
func NewAuthenticator(secret []byte, expiry time.Duration) *Authenticator {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Authenticator{secret: secret, expiry: expiry}
}

// GenerateToken issues a signed token for one actor
func (a *Authenticator) GenerateToken(actorID uuid.UUID, actorType string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		ActorID:   actorID,
		ActorType: actorType,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", domainerrors.NewInternalError("failed to sign token").WithCause(err)
	}
	return signed, nil
}

// Middleware rejects requests without a valid bearer token
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearer(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			writeError(w, r, err)
			return
		}

		claims, err := a.validate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyActor, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", domainerrors.NewUnauthorizedError("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", domainerrors.NewUnauthorizedError("authorization header must be a bearer token")
	}
	return parts[1], nil
}

func (a *Authenticator) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domainerrors.NewUnauthorizedError("unexpected token signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, domainerrors.NewUnauthorizedError("invalid or expired token").WithCause(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, domainerrors.NewUnauthorizedError("invalid token claims")
	}
	if claims.ActorID == uuid.Nil {
		return nil, domainerrors.NewUnauthorizedError("token is missing its actor")
	}
	return claims, nil
}
