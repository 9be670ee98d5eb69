package httpserver

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

type authKey struct{}

// Identity is the resolved caller attached to the request context.
type Identity struct {
	User domain.User
	Key  domain.Key
}

// IdentityFrom returns the authenticated caller, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(authKey{}).(Identity)
	return id, ok
}

// HashSecret returns the hex SHA-256 digest under which key secrets are
// stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// bearerSecret extracts the client credential from Authorization: Bearer or
// the x-api-key header.
func bearerSecret(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// KeyAuth resolves the caller's API key and owning user, rejecting disabled
// or expired credentials before the pipeline runs.
func (s *Server) KeyAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := bearerSecret(r)
			if secret == "" {
				writeError(w, r, fmt.Errorf("missing credentials: %w", domain.ErrUnauthorized), nil)
				return
			}
			key, err := s.keys.FindBySecretHash(r.Context(), HashSecret(secret))
			if err != nil {
				writeError(w, r, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized), nil)
				return
			}
			now := time.Now()
			if !key.IsEnabled || key.Expired(now) {
				writeError(w, r, fmt.Errorf("key disabled or expired: %w", domain.ErrUnauthorized), nil)
				return
			}
			user, err := s.users.Get(r.Context(), key.UserID)
			if err != nil {
				writeError(w, r, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized), nil)
				return
			}
			if !user.IsEnabled || user.Expired(now) {
				writeError(w, r, fmt.Errorf("account disabled or expired: %w", domain.ErrUnauthorized), nil)
				return
			}
			ctx := context.WithValue(r.Context(), authKey{}, Identity{User: user, Key: key})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuth guards the admin API with the static bearer token.
func (s *Server) AdminAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerSecret(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
				writeError(w, r, fmt.Errorf("admin token required: %w", domain.ErrUnauthorized), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
