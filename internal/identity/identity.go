// Package identity is the node's stand-in for a hosted identity provider:
// local accounts, bcrypt-hashed passwords, cookie session tokens, and a
// sign-in/out change notification for views that track the current user.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/ringlet-chat/ringlet/internal/storage"
	"github.com/ringlet-chat/ringlet/internal/util"
)

var log = logging.Logger("identity")

// ErrInvalidCredentials is returned for a bad username/password pair. It is
// deliberately the same for unknown user and wrong password.
var ErrInvalidCredentials = errors.New("identity: invalid credentials")

// ErrNoSession is returned when a token does not map to a signed-in user.
var ErrNoSession = errors.New("identity: no session")

// Service manages accounts and sessions.
type Service struct {
	users *storage.UserStore

	mu       sync.Mutex
	sessions map[string]string // token -> userID
	watchers map[int]func(userID string)
	nextW    int
}

// New creates a Service over the given user store.
func New(users *storage.UserStore) *Service {
	return &Service{
		users:    users,
		sessions: make(map[string]string),
		watchers: make(map[int]func(string)),
	}
}

// Signup creates an account and signs it in, returning the user and a
// session token.
func (s *Service) Signup(ctx context.Context, username, password, displayName string) (storage.User, string, error) {
	username, err := util.ValidateUsername(username)
	if err != nil {
		return storage.User{}, "", fmt.Errorf("identity: %w", err)
	}
	if len(password) < 6 {
		return storage.User{}, "", errors.New("identity: password too short (min 6 characters)")
	}
	if displayName == "" {
		displayName = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return storage.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	u, err := s.users.Create(ctx, username, displayName, string(hash))
	if err != nil {
		return storage.User{}, "", err
	}
	log.Infof("account created: %s", username)
	return u, s.openSession(u.ID), nil
}

// Login verifies credentials and returns the user and a session token.
func (s *Service) Login(ctx context.Context, username, password string) (storage.User, string, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	u, err := s.users.ByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return storage.User{}, "", ErrInvalidCredentials
		}
		return storage.User{}, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return storage.User{}, "", ErrInvalidCredentials
	}
	return u, s.openSession(u.ID), nil
}

// Logout invalidates a session token.
func (s *Service) Logout(token string) {
	s.mu.Lock()
	_, had := s.sessions[token]
	delete(s.sessions, token)
	watchers := s.collectWatchers()
	s.mu.Unlock()

	if had {
		for _, fn := range watchers {
			fn("")
		}
	}
}

// UserForToken resolves a session token to its user.
func (s *Service) UserForToken(ctx context.Context, token string) (storage.User, error) {
	s.mu.Lock()
	userID, ok := s.sessions[token]
	s.mu.Unlock()
	if !ok {
		return storage.User{}, ErrNoSession
	}
	return s.users.ByID(ctx, userID)
}

// OnChange registers fn to be called with the user id on sign-in and with ""
// on sign-out. Returns an unregister func.
func (s *Service) OnChange(fn func(userID string)) (cancel func()) {
	s.mu.Lock()
	s.nextW++
	key := s.nextW
	s.watchers[key] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, key)
		s.mu.Unlock()
	}
}

func (s *Service) openSession(userID string) string {
	token := newToken(32)
	s.mu.Lock()
	s.sessions[token] = userID
	watchers := s.collectWatchers()
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(userID)
	}
	return token
}

// collectWatchers snapshots the watcher set. Caller holds mu.
func (s *Service) collectWatchers() []func(string) {
	out := make([]func(string), 0, len(s.watchers))
	for _, fn := range s.watchers {
		out = append(out, fn)
	}
	return out
}

func newToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
