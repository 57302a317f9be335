// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeeDigitalWorks/idgate/pkg/config"
	"github.com/LeeDigitalWorks/idgate/pkg/directory"
	"github.com/LeeDigitalWorks/idgate/pkg/secrets"
	"github.com/LeeDigitalWorks/idgate/pkg/store"
)

type fakeDirectory struct {
	users    map[string]directory.User // uid -> entry
	password string                    // the one accepted password

	authErr   error
	searchErr error

	passwordChanges map[string]string
}

func newFakeDirectory(users ...directory.User) *fakeDirectory {
	f := &fakeDirectory{
		users:           make(map[string]directory.User),
		password:        "correct-horse",
		passwordChanges: make(map[string]string),
	}
	for _, u := range users {
		f.users[u.UID] = u
	}
	return f
}

func (f *fakeDirectory) Authenticate(ctx context.Context, uid, password string) (*directory.User, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	u, ok := f.users[uid]
	if !ok || password != f.password {
		return nil, nil
	}
	return &u, nil
}

func (f *fakeDirectory) Search(ctx context.Context, filter string) ([]directory.User, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	for uid, u := range f.users {
		if strings.Contains(filter, "uid="+uid) {
			return []directory.User{u}, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) ChangePassword(ctx context.Context, dn, newPassword string) error {
	f.passwordChanges[dn] = newPassword
	return nil
}

func newTestService(t *testing.T, dir *fakeDirectory) (*Service, *store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	sec, err := secrets.NewWithKey(key)
	require.NoError(t, err)

	gate := config.NewGate(st, sec)
	require.NoError(t, gate.Save(config.Input{
		DirectoryURL:       "ldap://localhost:3890",
		BindDN:             "uid=admin,ou=people,dc=example,dc=com",
		BindPassword:       "x",
		UserSearchBase:     "ou=people,dc=example,dc=com",
		GroupSearchBase:    "ou=groups,dc=example,dc=com",
		ManagementURL:      "http://localhost:17170",
		ManagementUsername: "admin",
		ManagementPassword: "x",
	}))

	svc := NewService(gate, st)
	svc.newDirectory = func(cfg *config.SystemConfig) DirectoryClient { return dir }
	return svc, st
}

func enableTwoFactor(t *testing.T, svc *Service, uid string) string {
	t.Helper()

	secret, url, err := svc.SetupSecondFactor(uid)
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://totp/")

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.EnableSecondFactor(context.Background(), uid, secret, code))
	return secret
}

// =============================================================================
// Login
// =============================================================================

func TestLogin_IssuesSession(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{
		UID:         "alice",
		DN:          "uid=alice,ou=people,dc=example,dc=com",
		DisplayName: "Alice",
		Mail:        "alice@example.com",
		MemberOf:    []string{"cn=admin,ou=groups,dc=example,dc=com"},
	})
	svc, _ := newTestService(t, dir)

	result, err := svc.Login(context.Background(), "alice", "correct-horse")
	require.NoError(t, err)

	assert.False(t, result.RequiresSecondFactor)
	assert.NotEmpty(t, result.Token)
	require.NotNil(t, result.User)

	claims, err := svc.ParseSession(result.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UID)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, "alice@example.com", claims.Mail)
	assert.True(t, claims.Admin)
}

func TestLogin_NonAdminSession(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "bob", DN: "uid=bob,ou=people,dc=example,dc=com"})
	svc, _ := newTestService(t, dir)

	result, err := svc.Login(context.Background(), "bob", "correct-horse")
	require.NoError(t, err)

	claims, err := svc.ParseSession(result.Token)
	require.NoError(t, err)
	assert.False(t, claims.Admin)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "alice", DN: "uid=alice,ou=people,dc=example,dc=com"})
	svc, _ := newTestService(t, dir)

	_, err := svc.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), "nobody", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "unknown user and wrong password must be indistinguishable")
}

func TestLogin_InfrastructureFailureIsNotCredentialFailure(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	dir.authErr = errors.New("directory unreachable")
	svc, _ := newTestService(t, dir)

	_, err := svc.Login(context.Background(), "alice", "correct-horse")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

// =============================================================================
// Second factor
// =============================================================================

func TestLogin_WithSecondFactorReturnsChallenge(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "alice", DN: "uid=alice,ou=people,dc=example,dc=com"})
	svc, _ := newTestService(t, dir)
	secret := enableTwoFactor(t, svc, "alice")

	result, err := svc.Login(context.Background(), "alice", "correct-horse")
	require.NoError(t, err)

	assert.True(t, result.RequiresSecondFactor)
	assert.NotEmpty(t, result.ChallengeToken)
	assert.Empty(t, result.Token, "no session before the second factor")

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	verified, err := svc.VerifySecondFactor(context.Background(), result.ChallengeToken, code)
	require.NoError(t, err)
	assert.NotEmpty(t, verified.Token)

	claims, err := svc.ParseSession(verified.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UID)
}

func TestVerifySecondFactor_WrongCode(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "alice", DN: "uid=alice,ou=people,dc=example,dc=com"})
	svc, _ := newTestService(t, dir)
	enableTwoFactor(t, svc, "alice")

	result, err := svc.Login(context.Background(), "alice", "correct-horse")
	require.NoError(t, err)

	_, err = svc.VerifySecondFactor(context.Background(), result.ChallengeToken, "000000")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerifySecondFactor_ExpiredChallenge(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "alice", DN: "uid=alice,ou=people,dc=example,dc=com"})
	svc, _ := newTestService(t, dir)
	secret := enableTwoFactor(t, svc, "alice")

	base := time.Now()
	svc.now = func() time.Time { return base }
	result, err := svc.Login(context.Background(), "alice", "correct-horse")
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(6 * time.Minute) }
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	_, err = svc.VerifySecondFactor(context.Background(), result.ChallengeToken, code)
	assert.ErrorIs(t, err, ErrInvalidChallenge)
}

func TestVerifySecondFactor_RejectsSessionToken(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "alice", DN: "uid=alice,ou=people,dc=example,dc=com"})
	svc, _ := newTestService(t, dir)

	result, err := svc.Login(context.Background(), "alice", "correct-horse")
	require.NoError(t, err)

	// A full session token must never pass as a challenge.
	_, err = svc.VerifySecondFactor(context.Background(), result.Token, "000000")
	assert.ErrorIs(t, err, ErrInvalidChallenge)
}

func TestEnableSecondFactor_WrongCodeLeavesProfileDisabled(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "alice", DN: "uid=alice,ou=people,dc=example,dc=com"})
	svc, st := newTestService(t, dir)

	secret, _, err := svc.SetupSecondFactor("alice")
	require.NoError(t, err)

	err = svc.EnableSecondFactor(context.Background(), "alice", secret, "000000")
	assert.ErrorIs(t, err, ErrInvalidCode)

	profile, err := st.Profile("alice")
	require.NoError(t, err)
	assert.False(t, profile.TwoFactorEnabled)
	assert.Empty(t, profile.TwoFactorSecret)
}

// =============================================================================
// Password change
// =============================================================================

func TestChangePassword(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "alice", DN: "uid=alice,ou=people,dc=example,dc=com"})
	svc, _ := newTestService(t, dir)

	err := svc.ChangePassword(context.Background(), "alice", "correct-horse", "longenough")
	require.NoError(t, err)
	assert.Equal(t, "longenough", dir.passwordChanges["uid=alice,ou=people,dc=example,dc=com"])
}

func TestChangePassword_TooShort(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "alice", DN: "uid=alice,ou=people,dc=example,dc=com"})
	svc, _ := newTestService(t, dir)

	err := svc.ChangePassword(context.Background(), "alice", "correct-horse", "short")
	assert.ErrorIs(t, err, ErrPasswordTooShort)
	assert.Empty(t, dir.passwordChanges, "policy failure must precede any directory write")
}

func TestChangePassword_WrongCurrentPassword(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "alice", DN: "uid=alice,ou=people,dc=example,dc=com"})
	svc, _ := newTestService(t, dir)

	err := svc.ChangePassword(context.Background(), "alice", "wrong", "longenough")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, dir.passwordChanges)
}

// =============================================================================
// Audit
// =============================================================================

func TestLogin_AppendsAuditEvent(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory(directory.User{UID: "alice", DN: "uid=alice,ou=people,dc=example,dc=com"})
	svc, st := newTestService(t, dir)

	_, err := svc.Login(context.Background(), "alice", "correct-horse")
	require.NoError(t, err)

	events, err := st.Audit("alice")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "alice", last.UID)
	assert.Equal(t, "LOGIN", last.Action)
}
