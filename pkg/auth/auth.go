// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth orchestrates login: password verification against the
// directory, the optional time-based second factor, and signed session
// issuance.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/LeeDigitalWorks/idgate/pkg/config"
	"github.com/LeeDigitalWorks/idgate/pkg/directory"
	"github.com/LeeDigitalWorks/idgate/pkg/logger"
	"github.com/LeeDigitalWorks/idgate/pkg/store"
)

var (
	// ErrInvalidCredentials rejects a login. It never distinguishes an
	// unknown login id from a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidChallenge rejects a malformed, expired, or wrong-kind
	// second-factor challenge token.
	ErrInvalidChallenge = errors.New("invalid or expired 2FA session")

	// ErrInvalidCode rejects a time-based one-time code that does not
	// match the shared secret.
	ErrInvalidCode = errors.New("invalid 2FA code")

	// ErrPasswordTooShort rejects new passwords below the minimum length.
	ErrPasswordTooShort = errors.New("new password must be at least 8 characters")
)

// MinPasswordLength is the password policy enforced on changes.
const MinPasswordLength = 8

// totpIssuer names this gateway in authenticator apps.
const totpIssuer = "idgate"

// DirectoryClient is the slice of the LDAP client the login flow needs.
type DirectoryClient interface {
	Authenticate(ctx context.Context, uid, password string) (*directory.User, error)
	Search(ctx context.Context, filter string) ([]directory.User, error)
	ChangePassword(ctx context.Context, dn, newPassword string) error
}

// LoginResult is the outcome of a successful password verification:
// either a full session, or a short-lived challenge awaiting the second
// factor.
type LoginResult struct {
	Token string          `json:"token,omitempty"`
	User  *directory.User `json:"user,omitempty"`

	RequiresSecondFactor bool   `json:"require2fa,omitempty"`
	ChallengeToken       string `json:"tempToken,omitempty"`
}

// Service issues and verifies sessions. It owns the per-user security
// profiles exclusively; no other component reads or writes 2FA state.
type Service struct {
	gate  *config.Gate
	store *store.Store

	// newDirectory builds a directory client from the current
	// configuration; replaced in tests.
	newDirectory func(cfg *config.SystemConfig) DirectoryClient
	now          func() time.Time
}

func NewService(gate *config.Gate, st *store.Store) *Service {
	return &Service{
		gate:  gate,
		store: st,
		newDirectory: func(cfg *config.SystemConfig) DirectoryClient {
			return directory.New(directory.Config{
				URL:             cfg.DirectoryURL,
				BindDN:          cfg.BindDN,
				BindPassword:    cfg.BindPassword,
				UserSearchBase:  cfg.UserSearchBase,
				GroupSearchBase: cfg.GroupSearchBase,
			})
		},
		now: time.Now,
	}
}

// Login verifies uid/password against the directory. With the second
// factor disabled it issues a session immediately; with it enabled it
// issues a 5-minute challenge token instead. The password is not
// re-verified at the second step; trust is carried by the signed
// challenge.
func (s *Service) Login(ctx context.Context, uid, password string) (*LoginResult, error) {
	cfg, err := s.gate.Current()
	if err != nil {
		return nil, err
	}

	user, err := s.newDirectory(cfg).Authenticate(ctx, uid, password)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	profile, err := s.store.Profile(user.UID)
	if err != nil {
		return nil, err
	}

	if profile.TwoFactorEnabled {
		challenge, err := signChallenge([]byte(cfg.SessionSecret), user.UID, s.now())
		if err != nil {
			return nil, fmt.Errorf("failed to sign challenge token: %w", err)
		}
		return &LoginResult{RequiresSecondFactor: true, ChallengeToken: challenge}, nil
	}

	return s.issueSession(ctx, cfg, user, "LOGIN", "User logged in")
}

// VerifySecondFactor completes a login whose password already checked
// out. The challenge token carries only the login id, so the user's
// current attributes are re-read from the directory before issuing the
// session.
func (s *Service) VerifySecondFactor(ctx context.Context, challengeToken, code string) (*LoginResult, error) {
	cfg, err := s.gate.Current()
	if err != nil {
		return nil, err
	}

	uid, err := parseChallenge([]byte(cfg.SessionSecret), challengeToken, s.now())
	if err != nil {
		return nil, ErrInvalidChallenge
	}

	profile, err := s.store.Profile(uid)
	if err != nil {
		return nil, err
	}
	if !profile.TwoFactorEnabled || profile.TwoFactorSecret == "" {
		return nil, ErrInvalidChallenge
	}

	if !totp.Validate(code, profile.TwoFactorSecret) {
		return nil, ErrInvalidCode
	}

	users, err := s.newDirectory(cfg).Search(ctx, directory.UIDFilter(uid))
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrInvalidChallenge
	}

	return s.issueSession(ctx, cfg, &users[0], "LOGIN_2FA", "User logged in with 2FA")
}

// SetupSecondFactor generates a candidate shared secret and the otpauth
// provisioning URI to embed in a scannable code. Nothing is persisted;
// enabling happens only through EnableSecondFactor.
func (s *Service) SetupSecondFactor(uid string) (secret, otpauthURL string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: uid,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate 2FA secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// EnableSecondFactor verifies the candidate code against the candidate
// secret before persisting anything, so a typo'd setup can never lock
// the user out.
func (s *Service) EnableSecondFactor(ctx context.Context, uid, secret, code string) error {
	if !totp.Validate(code, secret) {
		return ErrInvalidCode
	}

	profile, err := s.store.Profile(uid)
	if err != nil {
		return err
	}
	profile.TwoFactorEnabled = true
	profile.TwoFactorSecret = secret
	if err := s.store.SaveProfile(profile); err != nil {
		return err
	}

	s.audit(ctx, uid, "ENABLE_2FA", "2FA enabled")
	return nil
}

// ChangePassword re-verifies the current password before replacing it,
// so a hijacked session cannot silently rotate credentials. Password
// writes go to the directory; the management API cannot mutate them.
func (s *Service) ChangePassword(ctx context.Context, uid, currentPassword, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return ErrPasswordTooShort
	}

	cfg, err := s.gate.Current()
	if err != nil {
		return err
	}
	dir := s.newDirectory(cfg)

	user, err := dir.Authenticate(ctx, uid, currentPassword)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrInvalidCredentials
	}

	if err := dir.ChangePassword(ctx, user.DN, newPassword); err != nil {
		return err
	}

	s.audit(ctx, uid, "CHANGE_PASSWORD", "User changed password")
	return nil
}

// ParseSession validates a bearer token and returns its claims. Validity
// is signature plus expiry only; there is no revocation list.
func (s *Service) ParseSession(token string) (*SessionClaims, error) {
	cfg, err := s.gate.Current()
	if err != nil {
		return nil, err
	}
	return parseSession([]byte(cfg.SessionSecret), token, s.now())
}

func (s *Service) issueSession(ctx context.Context, cfg *config.SystemConfig, user *directory.User, action, details string) (*LoginResult, error) {
	token, err := signSession([]byte(cfg.SessionSecret), SessionClaims{
		UID:   user.UID,
		Name:  user.Name(),
		Mail:  user.Mail,
		Admin: user.IsAdmin(),
	}, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	s.audit(ctx, user.UID, action, details)
	return &LoginResult{Token: token, User: user}, nil
}

// audit appends an event; a failing append is logged, not fatal to the
// login.
func (s *Service) audit(ctx context.Context, uid, action, details string) {
	if err := s.store.AppendAudit(uid, action, details); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("action", action).Msg("failed to append audit event")
	}
}
