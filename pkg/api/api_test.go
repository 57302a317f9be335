// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeeDigitalWorks/idgate/pkg/auth"
	"github.com/LeeDigitalWorks/idgate/pkg/config"
	"github.com/LeeDigitalWorks/idgate/pkg/mgmt"
	"github.com/LeeDigitalWorks/idgate/pkg/secrets"
	"github.com/LeeDigitalWorks/idgate/pkg/store"
	"github.com/LeeDigitalWorks/idgate/pkg/users"
)

type testEnv struct {
	handler http.Handler
	gate    *config.Gate
	store   *store.Store
}

func newTestEnv(t *testing.T, configured bool) *testEnv {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	sec, err := secrets.NewWithKey(key)
	require.NoError(t, err)

	gate := config.NewGate(st, sec)
	if configured {
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
	}

	mgmtClient := mgmt.New(gate)
	authSvc := auth.NewService(gate, st)
	usersSvc := users.NewService(gate, mgmtClient)
	srv := NewServer(gate, st, authSvc, usersSvc, mgmtClient)

	return &testEnv{handler: srv.Handler(), gate: gate, store: st}
}

// mint signs a session token directly with the stored session secret,
// standing in for a completed login.
func (e *testEnv) mint(t *testing.T, uid string, admin bool) string {
	t.Helper()

	cfg, err := e.gate.Current()
	require.NoError(t, err)

	claims := auth.SessionClaims{
		UID:   uid,
		Name:  uid,
		Admin: admin,
		Kind:  "session",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.SessionSecret))
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Setup and gating
// =============================================================================

func TestSetupStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/api/setup/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"isConfigured":false}`, rec.Body.String())

	env2 := newTestEnv(t, true)
	rec = env2.do(t, http.MethodGet, "/api/setup/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"isConfigured":true}`, rec.Body.String())
}

func TestSetup_MissingFields(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/api/setup", "", map[string]string{"ldapUrl": "ldap://x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing required fields")
}

func TestLogin_BeforeSetupConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": "alice", "password": "secret123"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// Session middleware
// =============================================================================

func TestProtectedRoutes_RejectMissingAndBogusTokens(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodGet, "/api/user/logs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/user/logs", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutes_RejectNonAdminSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	token := env.mint(t, "bob", false)

	rec := env.do(t, http.MethodGet, "/api/admin/logs", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminLogs_AllowsAdminSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	require.NoError(t, env.store.AppendAudit("alice", "LOGIN", "User logged in"))

	rec := env.do(t, http.MethodGet, "/api/admin/logs", env.mint(t, "root", true), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []store.AuditEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].UID)
}

// =============================================================================
// Second factor over HTTP
// =============================================================================

func TestSecondFactor_SetupAndEnable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	token := env.mint(t, "alice", false)

	rec := env.do(t, http.MethodPost, "/api/user/2fa/setup", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var setup struct {
		Secret     string `json:"secret"`
		OtpauthURL string `json:"otpauthUrl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setup))
	require.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.OtpauthURL, "otpauth://totp/")

	// Setup alone must not flip the profile.
	profile, err := env.store.Profile("alice")
	require.NoError(t, err)
	assert.False(t, profile.TwoFactorEnabled)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	rec = env.do(t, http.MethodPost, "/api/user/2fa/enable", token,
		map[string]string{"secret": setup.Secret, "code": code})
	require.Equal(t, http.StatusOK, rec.Code)

	profile, err = env.store.Profile("alice")
	require.NoError(t, err)
	assert.True(t, profile.TwoFactorEnabled)
}

func TestSecondFactor_EnableWithWrongCode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	token := env.mint(t, "alice", false)

	rec := env.do(t, http.MethodPost, "/api/user/2fa/enable", token,
		map[string]string{"secret": "JBSWY3DPEHPK3PXP", "code": "000000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	profile, err := env.store.Profile("alice")
	require.NoError(t, err)
	assert.False(t, profile.TwoFactorEnabled)
}

func TestVerifySecondFactor_GarbageChallenge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodPost, "/api/auth/verify-2fa", "",
		map[string]string{"tempToken": "garbage", "code": "000000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// Validation and throttling
// =============================================================================

func TestChangePassword_TooShortOverHTTP(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	token := env.mint(t, "alice", false)

	rec := env.do(t, http.MethodPost, "/api/user/change-password", token,
		map[string]string{"currentPassword": "old", "newPassword": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_ThrottledPerClient(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)

	var last int
	for i := 0; i < 6; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/login", "",
			map[string]string{"username": fmt.Sprintf("u%d", i), "password": "x"})
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
