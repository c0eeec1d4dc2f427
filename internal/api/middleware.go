package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/faturaops/backend/internal/config"
)

// adminAuth guards the admin plane with a bearer key. Development mode
// skips the check entirely; with ADMIN_KEY_HASH set the presented key is
// verified against the bcrypt hash, otherwise a constant-time compare
// against the plain key.
func adminAuth(env *config.Env) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if env.Environment == config.EnvDevelopment {
				next.ServeHTTP(w, r)
				return
			}
			if !env.AdminEnabled {
				writeErrorCode(w, http.StatusForbidden, CodeUnauthorized, "admin plane is disabled")
				return
			}

			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				writeErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
				return
			}

			if env.AdminKeyHash != "" {
				if bcrypt.CompareHashAndPassword([]byte(env.AdminKeyHash), []byte(token)) != nil {
					writeErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "invalid admin key")
					return
				}
			} else if subtle.ConstantTimeCompare([]byte(token), []byte(env.AdminKey)) != 1 {
				writeErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actor resolves the acting operator for audit columns. The admin key
// authenticates the plane, not a person; X-Actor carries the identity.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "admin"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLog writes one line per request in the service's prefixed-logger
// style.
func requestLog(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			logger.Printf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
		})
	}
}
