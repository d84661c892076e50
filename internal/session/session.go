// Package session holds the authenticated identity and bearer credential and
// keeps it in durable storage so a restart restores the session.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/roomchat/internal/api"
	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/internal/storage"
	"github.com/haasonsaas/roomchat/pkg/models"
)

// Authenticator is the backend half of sign-in and sign-up.
type Authenticator interface {
	SignIn(ctx context.Context, username, password string) (*models.Credential, error)
	SignUp(ctx context.Context, req api.SignUpRequest) error
}

// Options configures a Store.
type Options struct {
	Slots  storage.Store
	Auth   Authenticator
	Logger *slog.Logger
	Now    func() time.Time
}

// Store owns the single active Credential.
type Store struct {
	mu        sync.RWMutex
	current   *models.Credential
	slots     storage.Store
	auth      Authenticator
	logger    *slog.Logger
	now       func() time.Time
	listeners []func(*models.Credential)
}

// New creates a Store with no active credential. Call Restore to load a
// persisted one.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		slots:  opts.Slots,
		auth:   opts.Auth,
		logger: logger.With("component", "session"),
		now:    now,
	}
}

// SignIn authenticates and persists the credential. Failures from the
// backend are returned unchanged; there is no retry.
func (s *Store) SignIn(ctx context.Context, identity, secret string) (*models.Credential, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || secret == "" {
		return nil, apperrors.Validation("username and password are required")
	}

	cred, err := s.auth.SignIn(ctx, identity, secret)
	if err != nil {
		s.logger.Info("sign-in rejected", "user", identity, "error", err)
		return nil, err
	}
	if !cred.Valid() {
		return nil, apperrors.Auth("sign-in returned an incomplete credential", nil)
	}

	if err := storage.PutJSON(ctx, s.slots, storage.SlotCredential, cred); err != nil {
		s.logger.Warn("credential not persisted", "error", err)
	}
	s.set(cred)
	s.logger.Info("signed in", "user", cred.Identity)
	return copyCredential(cred), nil
}

// SignUp registers an account. The caller signs in separately.
func (s *Store) SignUp(ctx context.Context, req api.SignUpRequest) error {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	switch {
	case req.Username == "":
		return apperrors.Validation("username is required")
	case req.Password == "":
		return apperrors.Validation("password is required")
	case req.Email == "":
		return apperrors.Validation("email is required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return apperrors.Validation("email address is invalid")
	}
	return s.auth.SignUp(ctx, req)
}

// SignOut drops the credential from memory and durable storage. It is safe
// to call when nobody is signed in.
func (s *Store) SignOut(ctx context.Context) error {
	return s.clear(ctx, "signed out")
}

// Invalidate drops the credential after the backend rejected it.
func (s *Store) Invalidate(ctx context.Context, reason string) error {
	return s.clear(ctx, reason)
}

func (s *Store) clear(ctx context.Context, reason string) error {
	had := s.Current() != nil
	var persistErr error
	if err := s.slots.Delete(ctx, storage.SlotCredential); err != nil {
		persistErr = err
		s.logger.Warn("credential slot not cleared", "error", err)
	}
	s.set(nil)
	if had {
		s.logger.Info("session ended", "reason", reason)
	}
	return persistErr
}

// Current returns a copy of the active credential, or nil.
func (s *Store) Current() *models.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyCredential(s.current)
}

// Token returns the active bearer token, or "".
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}

// Restore loads the persisted credential. A missing slot yields nil. A
// corrupt, incomplete or expired credential is discarded.
func (s *Store) Restore(ctx context.Context) (*models.Credential, error) {
	var cred models.Credential
	err := storage.GetJSON(ctx, s.slots, storage.SlotCredential, &cred)
	if errors.Is(err, storage.ErrNotFound) {
		s.set(nil)
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("discarding unreadable credential", "error", err)
		_ = s.slots.Delete(ctx, storage.SlotCredential)
		s.set(nil)
		return nil, nil
	}
	if !cred.Valid() {
		s.logger.Warn("discarding incomplete credential")
		_ = s.slots.Delete(ctx, storage.SlotCredential)
		s.set(nil)
		return nil, nil
	}
	if exp, ok := TokenExpiry(cred.Token); ok && !exp.After(s.now()) {
		s.logger.Info("discarding expired credential", "user", cred.Identity, "expired_at", exp)
		_ = s.slots.Delete(ctx, storage.SlotCredential)
		s.set(nil)
		return nil, nil
	}

	s.set(&cred)
	return copyCredential(&cred), nil
}

// Sync re-reads durable storage after another process changed it and
// reports whether the active credential changed.
func (s *Store) Sync(ctx context.Context) (bool, error) {
	before := s.Current()
	after, err := s.Restore(ctx)
	if err != nil {
		return false, err
	}
	return !sameCredential(before, after), nil
}

// OnChange registers fn to run after every credential change, with the new
// credential or nil.
func (s *Store) OnChange(fn func(*models.Credential)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) set(cred *models.Credential) {
	s.mu.Lock()
	changed := !sameCredential(s.current, cred)
	s.current = copyCredential(cred)
	listeners := append([]func(*models.Credential){}, s.listeners...)
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(copyCredential(cred))
	}
}

// TokenExpiry reads the exp claim without verifying the signature. The
// client never holds the signing key; the check only avoids presenting a
// token the server will certainly reject.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func sameCredential(a, b *models.Credential) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Identity == b.Identity && a.Token == b.Token
}

func copyCredential(cred *models.Credential) *models.Credential {
	if cred == nil {
		return nil
	}
	out := *cred
	out.User.Roles = append([]string(nil), cred.User.Roles...)
	return &out
}
