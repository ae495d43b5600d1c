// Package auth turns bearer tokens into gateway callers.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/gateway"
)

// DefaultAdminClaim is the boolean claim granting the admin role.
const DefaultAdminClaim = "admin"

type Authenticator struct {
	secret     []byte
	adminClaim string
	now        func() time.Time
}

func NewAuthenticator(secret, adminClaim string) (*Authenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: JWT_SECRET is required", domain.ErrConfiguration)
	}
	if adminClaim == "" {
		adminClaim = DefaultAdminClaim
	}
	return &Authenticator{
		secret:     []byte(secret),
		adminClaim: adminClaim,
		now:        time.Now,
	}, nil
}

// Parse validates an HS256 token and returns its caller. The subject is the
// user key.
func (a *Authenticator) Parse(tokenString string) (gateway.Caller, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return gateway.Caller{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return gateway.Caller{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}

	admin, _ := claims[a.adminClaim].(bool)
	return gateway.Caller{User: sub, Admin: admin}, nil
}

// Issue signs a token for user. Used by the CLI and tests.
func (a *Authenticator) Issue(user string, admin bool, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub": user,
		"iat": jwt.NewNumericDate(now),
		"nbf": jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims["exp"] = jwt.NewNumericDate(now.Add(ttl))
	}
	if admin {
		claims[a.adminClaim] = true
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Middleware places the caller in the request context. Requests without a
// valid bearer token are answered by onError with an ErrUnauthorized.
func (a *Authenticator) Middleware(onError func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearerToken(r)
			if token == "" {
				onError(w, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized))
				return
			}

			caller, err := a.Parse(token)
			if err != nil {
				onError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(gateway.WithCaller(r.Context(), caller)))
		})
	}
}

// RequireAdmin rejects non-admin callers with ErrForbidden.
func RequireAdmin(onError func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := gateway.CallerFromContext(r.Context())
			if !ok {
				onError(w, domain.ErrUnauthorized)
				return
			}
			if !caller.Admin {
				onError(w, fmt.Errorf("%w: admin role required", domain.ErrForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
