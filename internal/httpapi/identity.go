package httpapi

import (
	"context"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const userKeyPrefix = "key_"

// userKey derives the opaque key contexts are stored under. A bearer
// token is hashed so the raw credential never reaches the store or logs.
// The X-User-ID header is honored only when explicitly enabled, for
// deployments that authenticate upstream of the relay.
func (s *Server) userKey(r *http.Request) (string, bool) {
	if token := bearerToken(r); token != "" {
		return keyForToken(token), true
	}
	if s.cfg.AllowUserHeader {
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			return id, true
		}
	}
	return "", false
}

func keyForToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return userKeyPrefix + hex.EncodeToString(sum[:16])
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for browser websocket clients, which
// cannot set headers.
func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if r.URL.Path == "/v1/chat/ws" {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := s.userKey(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "missing bearer token")
		return "", false
	}
	return userID, true
}

type requestIDKey struct{}

// requestID tags every request with an X-Request-ID, reusing the
// caller's when present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
