// Package session holds the process-wide bearer token shared by the remote client,
// the live channel and the coordinator.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/gophsync/internal/errs"
)

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Session is the explicit token holder constructed once at process start.
// Reads always observe the latest SetToken.
type Session struct {
	path string

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// New returns an empty session persisted at path; an empty path disables persistence.
func New(path string) *Session {
	return &Session{path: path}
}

// DefaultDir returns the client's configuration directory.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "syncd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "syncd")
}

// DefaultPath returns the default token file location.
func DefaultPath() string { return filepath.Join(DefaultDir(), "token.json") }

// Token returns the current bearer token ("" when logged out).
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// ExpiresAt returns the token expiry; zero when unknown.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Expired reports whether a known expiry lies before now.
func (s *Session) Expired(now time.Time) bool {
	exp := s.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}

// SetToken replaces the bearer token. The expiry is read from the token's exp claim when present.
func (s *Session) SetToken(token string) {
	exp, _ := TokenExpiry(token)
	s.mu.Lock()
	s.token = token
	s.expiresAt = exp
	s.mu.Unlock()
}

// TokenExpiry extracts the exp claim without verifying the signature.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Save writes the current token to the session file.
func (s *Session) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	tf := tokenFile{AccessToken: s.token, ExpiresAt: s.expiresAt}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}

// Load reads the session file. A missing, empty or expired token yields errs.ErrUnauthorized
// and leaves the session logged out.
func (s *Session) Load() error {
	if s.path == "" {
		return errs.ErrUnauthorized
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	if err != nil {
		return err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	if tf.AccessToken == "" || (!tf.ExpiresAt.IsZero() && time.Now().After(tf.ExpiresAt)) {
		return fmt.Errorf("%w: no valid token (login required)", errs.ErrUnauthorized)
	}
	s.mu.Lock()
	s.token = tf.AccessToken
	s.expiresAt = tf.ExpiresAt
	s.mu.Unlock()
	return nil
}

// Clear logs the session out and removes the session file.
func (s *Session) Clear() error {
	s.SetToken("")
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Reload re-reads the session file and reports whether the token differs from
// the one held before. A missing, empty or expired token logs the session out;
// any other read or decode error leaves the current token untouched.
func (s *Session) Reload() (token string, changed bool, err error) {
	prev := s.Token()
	if err := s.Load(); err != nil {
		if !errors.Is(err, errs.ErrUnauthorized) {
			return prev, false, err
		}
		s.SetToken("")
	}
	token = s.Token()
	return token, token != prev, nil
}

// Watch follows the session file written by other processes (login, logout)
// and calls onChange with the new token whenever it differs. It blocks until
// ctx ends.
func (s *Session) Watch(ctx context.Context, log *zap.Logger, onChange func(token string)) error {
	if s.path == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	// the file itself is replaced by logout/login, so the directory is watched
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create session watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op == fsnotify.Chmod {
				continue
			}
			token, changed, err := s.Reload()
			if err != nil {
				// a write in progress; the next event sees the whole file
				log.Debug("session file not readable", zap.Error(err))
				continue
			}
			if changed {
				log.Info("session token changed", zap.Bool("loggedIn", token != ""))
				onChange(token)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("session watcher error", zap.Error(err))
		}
	}
}
