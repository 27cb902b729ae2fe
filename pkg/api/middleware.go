package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/casetrail/settlement/pkg/auth"
)

// Claims are the JWT claims the host expects: the subject is the actor id,
// org_id scopes every query.
type Claims struct {
	jwt.RegisteredClaims
	OrgID string   `json:"org_id"`
	Roles []string `json:"roles"`
}

// JWTValidator validates HMAC-signed tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator. Returns nil for an empty secret so
// callers fail closed.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and verifies a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" || claims.OrgID == "" {
		return nil, fmt.Errorf("token missing subject or org_id")
	}
	return claims, nil
}

func isPublicPath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

// AuthMiddleware authenticates requests and attaches the Principal to the
// request context. A nil validator rejects all non-public requests.
func AuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if validator == nil {
				WriteUnauthorized(w, r, "Authentication not configured")
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, r, err.Error())
				return
			}

			ctx := auth.WithPrincipal(r.Context(), &auth.Actor{
				ID:    claims.Subject,
				OrgID: claims.OrgID,
				Roles: claims.Roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// actorLimiters keeps one token bucket per actor.
type actorLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func (l *actorLimiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// RateLimitMiddleware enforces per-actor rate limiting. The actor key is the
// authenticated principal (org/id), falling back to the remote address for
// public paths.
func RateLimitMiddleware(perSec float64, burst int) func(http.Handler) http.Handler {
	limiters := &actorLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSec),
		burst:    burst,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if p, err := auth.GetPrincipal(r.Context()); err == nil {
				key = p.GetOrgID() + "/" + p.GetID()
			}
			if !limiters.get(key).Allow() {
				WriteTooManyRequests(w, r, 1)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
