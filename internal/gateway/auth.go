package gateway

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskscheduler/internal/config"
)

// Credential is one Basic-Auth username/password pair, as stored in the
// auth file (spec §6 "auth file path").
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type credentialFile struct {
	Users []Credential `yaml:"users"`
}

// AuthMiddleware validates HTTP Basic-Auth credentials against a file
// loaded at construction time and reloadable via Reload. Matching the
// teacher's key-lookup middleware shape, but Basic-Auth per spec §6 rather
// than bearer API keys.
type AuthMiddleware struct {
	enabled bool
	path    string

	mu    sync.RWMutex
	users map[string]string // username -> password
}

// NewAuthMiddleware constructs an AuthMiddleware from cfg, loading the
// credential file immediately if auth is enabled.
func NewAuthMiddleware(cfg config.AuthConfig) (*AuthMiddleware, error) {
	am := &AuthMiddleware{enabled: cfg.Enabled, path: cfg.FilePath, users: make(map[string]string)}
	if !cfg.Enabled {
		return am, nil
	}
	if err := am.Reload(); err != nil {
		return nil, err
	}
	return am, nil
}

// Reload re-reads the credential file from disk. Called by the gateway's
// config.Watcher subscription on auth-file writes, so credential rotation
// doesn't require a restart.
func (am *AuthMiddleware) Reload() error {
	data, err := os.ReadFile(am.path)
	if err != nil {
		return fmt.Errorf("read auth file: %w", err)
	}
	var parsed credentialFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse auth file: %w", err)
	}

	users := make(map[string]string, len(parsed.Users))
	for _, u := range parsed.Users {
		users[u.Username] = u.Password
	}

	am.mu.Lock()
	am.users = users
	am.mu.Unlock()
	return nil
}

// Wrap wraps an http.Handler with Basic-Auth checking. A pass-through when
// auth is disabled, matching the rest of the gateway's middleware-skip
// convention.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || !am.check(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="taskscheduler"`)
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(r.Context()))
	})
}

// check performs a constant-time comparison of both username and password
// against every configured user, so a wrong username leaks no timing signal
// about whether it exists.
func (am *AuthMiddleware) check(username, password string) bool {
	am.mu.RLock()
	defer am.mu.RUnlock()

	matched := false
	for u, p := range am.users {
		userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(u)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(p)) == 1
		if userMatch && passMatch {
			matched = true
		}
	}
	return matched
}

// basicAuthKey returns a stable per-client key for rate limiting: the
// Basic-Auth username when present, otherwise the remote address.
func basicAuthKey(r *http.Request) string {
	if username, _, ok := r.BasicAuth(); ok && username != "" {
		return username
	}
	return r.RemoteAddr
}
