/*
auth.go - JWT authentication middleware

PURPOSE:
  Resolves the Authorization header into a core.Actor and stores it on the
  request context. Every route behind Authenticator runs with a known
  identity and role; handlers never touch the token themselves.

TOKEN FORMAT:
  HS256-signed JWT with "sub" (user id), "role" and "exp" claims.
  MintToken exists for tests and local tooling; token issuance for real
  users lives outside this service.
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quill/chapter-engine/core"
)

type ctxKey string

const ctxActor ctxKey = "actor"

// ActorFrom returns the authenticated actor stored by Authenticator.
func ActorFrom(ctx context.Context) (core.Actor, bool) {
	a, ok := ctx.Value(ctxActor).(core.Actor)
	return a, ok
}

// Authenticator verifies the bearer token and attaches the actor to the
// request context.
func (h *Handler) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			h.renderError(w, r, core.Unauthenticatedf("missing bearer token"))
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, core.Unauthenticatedf("unexpected signing method %v", t.Header["alg"])
			}
			return h.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			h.renderError(w, r, core.Unauthenticatedf("invalid token"))
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			h.renderError(w, r, core.Unauthenticatedf("invalid claims"))
			return
		}
		sub, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		actor := core.Actor{ID: core.UserID(sub), Role: core.Role(role)}
		if actor.ID == "" || !actor.Role.Valid() {
			h.renderError(w, r, core.Unauthenticatedf("token carries no usable identity"))
			return
		}

		ctx := context.WithValue(r.Context(), ctxActor, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route group to one role. Admins pass everywhere.
func (h *Handler) RequireRole(role core.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFrom(r.Context())
			if !ok {
				h.renderError(w, r, core.Unauthenticatedf("no authenticated actor"))
				return
			}
			if actor.Role != role && !actor.IsAdmin() {
				h.renderError(w, r, core.Forbiddenf("%s access required", role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MintToken signs a token for the given identity. Used by tests and dev
// tooling.
func MintToken(secret []byte, userID core.UserID, role core.Role, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  string(userID),
		"role": string(role),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
