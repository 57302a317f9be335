// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

// =============================================================================
// Configuration record
// =============================================================================

func TestConfig_NotConfiguredByDefault(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	assert.False(t, s.IsConfigured())
	_, err := s.LoadConfig()
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestConfig_SaveAndReload(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	rec := &ConfigRecord{
		DirectoryURL:   "ldap://localhost:3890",
		BindDN:         "uid=admin,ou=people,dc=example,dc=com",
		UserSearchBase: "ou=people,dc=example,dc=com",
		ManagementURL:  "http://localhost:17170",
		Configured:     true,
	}
	require.NoError(t, s.SaveConfig(rec))

	assert.True(t, s.IsConfigured())

	got, err := s.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestConfig_SaveIsIdempotentOverwrite(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	require.NoError(t, s.SaveConfig(&ConfigRecord{DirectoryURL: "ldap://old", Configured: true}))
	require.NoError(t, s.SaveConfig(&ConfigRecord{DirectoryURL: "ldap://new", Configured: true}))

	got, err := s.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "ldap://new", got.DirectoryURL)
}

func TestConfig_UnconfiguredRecordStaysGated(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	require.NoError(t, s.SaveConfig(&ConfigRecord{DirectoryURL: "ldap://x"}))

	_, err := s.LoadConfig()
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, s.IsConfigured())
}

// =============================================================================
// Security profiles
// =============================================================================

func TestProfile_CreatedOnFirstReference(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	p, err := s.Profile("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UID)
	assert.False(t, p.TwoFactorEnabled)
	assert.Empty(t, p.TwoFactorSecret)
}

func TestProfile_UpdatePersists(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	p, err := s.Profile("bob")
	require.NoError(t, err)

	p.TwoFactorEnabled = true
	p.TwoFactorSecret = "JBSWY3DPEHPK3PXP"
	require.NoError(t, s.SaveProfile(p))

	got, err := s.Profile("bob")
	require.NoError(t, err)
	assert.True(t, got.TwoFactorEnabled)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", got.TwoFactorSecret)
}

func TestProfile_RejectsPathEscapes(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	for _, uid := range []string{"", "..", "a/b", `a\b`} {
		_, err := s.Profile(uid)
		assert.ErrorIs(t, err, ErrInvalidUID, "uid %q", uid)
	}
}

// =============================================================================
// Audit log
// =============================================================================

func TestAudit_AppendAndFilter(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	require.NoError(t, s.AppendAudit("alice", "LOGIN", "User logged in"))
	require.NoError(t, s.AppendAudit("bob", "LOGIN", "User logged in"))
	require.NoError(t, s.AppendAudit("alice", "CHANGE_PASSWORD", "User changed password"))

	all, err := s.Audit("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.NotEmpty(t, all[0].ID)
	assert.False(t, all[0].Timestamp.IsZero())

	alice, err := s.Audit("alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, "LOGIN", alice[0].Action)
	assert.Equal(t, "CHANGE_PASSWORD", alice[1].Action)
}

func TestAudit_EmptyLogReturnsNoEvents(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	events, err := s.Audit("")
	require.NoError(t, err)
	assert.Empty(t, events)
}
