package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go-chat-client/internal/credential"
	"go-chat-client/internal/logging"

	"go.uber.org/zap"
)

const MinPasswordLength = 6

var (
	ErrLoginFailed        = errors.New("login failed")
	ErrRegistrationFailed = errors.New("registration failed")
	ErrMissingField       = errors.New("all fields are required")
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
)

// Session owns the current user. It is created once by the composition root
// and handed to whatever needs the identity.
//
// Login and Register are not reentrant: callers must not start a second call
// while IsBusy reports true.
type Session struct {
	api   API
	store credential.Store
	log   *zap.Logger
	now   func() time.Time

	mu       sync.RWMutex
	identity *credential.Identity
	token    string
	busy     bool
}

func NewSession(api API, store credential.Store, log *zap.Logger) *Session {
	return &Session{api: api, store: store, log: logging.OrNop(log).Named("auth"), now: time.Now}
}

// Identity returns the current user, or nil when logged out.
func (s *Session) Identity() *credential.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// Token returns the current credential, or "" when logged out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) IsBusy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

// RestoreFromStorage derives the identity from the stored credential. The
// claims are trusted as-is; no request is made to the backend, so a revoked
// or expired token only surfaces when a later network call fails.
func (s *Session) RestoreFromStorage(ctx context.Context) {
	token, err := s.store.Load(ctx)
	if errors.Is(err, credential.ErrNoCredential) {
		return
	}
	if errors.Is(err, credential.ErrMalformedCredential) {
		s.log.Warn("stored credential unreadable, discarding", zap.Error(err))
		s.purge(ctx)
		return
	}
	if err != nil {
		// Transient store errors keep the credential.
		s.log.Warn("could not load stored credential", zap.Error(err))
		return
	}

	id, err := credential.DecodeIdentity(token)
	if err != nil {
		s.log.Warn("stored credential could not be decoded, discarding", zap.Error(err))
		s.purge(ctx)
		return
	}
	if credential.Expired(token, s.now()) {
		s.log.Warn("stored credential is past its expiry; the backend will reject it",
			zap.String("username", id.Username))
	}

	s.setIdentity(&id, token)
	s.log.Debug("session restored", zap.String("username", id.Username))
}

// Login exchanges email and password for a credential, stores it and sets the
// identity. On failure the current identity is left unchanged.
func (s *Session) Login(ctx context.Context, email, password string) error {
	s.setBusy(true)
	defer s.setBusy(false)

	resp, err := s.api.Login(ctx, LoginRequest{Email: email, Password: password})
	if err != nil {
		s.log.Error("login request failed", zap.String("email", email), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	id, err := credential.DecodeIdentity(resp.Token)
	if err != nil {
		s.log.Error("login returned an undecodable credential", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if err := s.store.Save(ctx, resp.Token); err != nil {
		s.log.Error("failed to persist credential", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	s.setIdentity(&id, resp.Token)
	s.log.Info("logged in", zap.String("username", id.Username))
	return nil
}

// ValidateRegistration performs the local checks Register runs before any
// network call.
func ValidateRegistration(req RegisterRequest) error {
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Email) == "" ||
		req.Password == "" || req.ConfirmPassword == "" {
		return ErrMissingField
	}
	if req.Password != req.ConfirmPassword {
		return ErrPasswordMismatch
	}
	if utf8.RuneCountInString(req.Password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

// Register creates an account. It does not log in; callers route the user to
// Login afterwards. Local validation failures are returned as-is without
// contacting the backend.
func (s *Session) Register(ctx context.Context, req RegisterRequest) error {
	if err := ValidateRegistration(req); err != nil {
		return err
	}

	s.setBusy(true)
	defer s.setBusy(false)

	if err := s.api.Register(ctx, req); err != nil {
		s.log.Error("register request failed", zap.String("username", req.Username), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	s.log.Info("account created", zap.String("username", req.Username))
	return nil
}

// Logout clears the stored credential and the identity, whether or not a
// session existed.
func (s *Session) Logout(ctx context.Context) {
	s.purge(ctx)
	s.log.Debug("logged out")
}

func (s *Session) purge(ctx context.Context) {
	if err := s.store.Clear(ctx); err != nil {
		s.log.Error("failed to clear stored credential", zap.Error(err))
	}
	s.setIdentity(nil, "")
}

func (s *Session) setIdentity(id *credential.Identity, token string) {
	s.mu.Lock()
	s.identity, s.token = id, token
	s.mu.Unlock()
}

func (s *Session) setBusy(b bool) {
	s.mu.Lock()
	s.busy = b
	s.mu.Unlock()
}
