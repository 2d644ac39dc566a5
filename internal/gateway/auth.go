package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"taskgate/internal/router"
)

type callerKey struct{}

// AuthConfig controls identity extraction. Authentication is
// propagation only: a bearer subject or actor header becomes the
// CallerContext, and requests without either stay anonymous.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens when set. An invalid token
	// is rejected; a missing one is not.
	JWTSecret string
}

func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := callerFromRequest(r, cfg)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprintf(w, `{"error":{"code":"unauthorized","message":%q}}`, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), callerKey{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callerFromRequest(r *http.Request, cfg AuthConfig) (router.CallerContext, error) {
	var caller router.CallerContext
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		raw := strings.TrimSpace(authz[len("bearer "):])
		sub, err := subjectFromToken(raw, cfg.JWTSecret)
		if err != nil {
			return caller, err
		}
		caller.ActorID = sub
		return caller, nil
	}
	caller.ActorID = strings.TrimSpace(r.Header.Get("X-Actor-Id"))
	return caller, nil
}

func subjectFromToken(raw, secret string) (string, error) {
	if secret == "" {
		// No verification key configured: trust the subject claim as
		// transported identity.
		parser := jwt.NewParser()
		token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
		if err != nil {
			return "", fmt.Errorf("malformed bearer token")
		}
		sub, _ := token.Claims.GetSubject()
		return sub, nil
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid bearer token")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("bearer token has no subject")
	}
	return sub, nil
}

func callerFromContext(ctx context.Context) router.CallerContext {
	if c, ok := ctx.Value(callerKey{}).(router.CallerContext); ok {
		return c
	}
	return router.CallerContext{}
}
