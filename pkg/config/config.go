// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package config owns the system configuration gate. Every component that
// needs directory or management-API coordinates reads them through the
// gate and fails closed until first-run setup has completed.
package config

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/idgate/pkg/logger"
	"github.com/LeeDigitalWorks/idgate/pkg/secrets"
	"github.com/LeeDigitalWorks/idgate/pkg/store"
)

// ErrNotConfigured reports that setup has not run yet. It is the same
// sentinel the store uses, so errors.Is works across layers.
var ErrNotConfigured = store.ErrNotConfigured

// ErrMissingFields is returned by Setup when a required field is absent.
var ErrMissingFields = errors.New("missing required fields")

// setupTimeout bounds each backend validation probe during setup.
const setupTimeout = 5 * time.Second

// SystemConfig is the decrypted, in-memory view of the configuration
// record. Secret fields are decrypted lazily on every read; they are
// never stored in plaintext.
type SystemConfig struct {
	DirectoryURL    string
	BindDN          string
	BindPassword    string
	BaseDN          string
	UserSearchBase  string
	GroupSearchBase string

	ManagementURL      string
	ManagementUsername string
	ManagementPassword string

	SessionSecret string
}

// Input carries the plaintext setup form. The session-signing secret is
// not part of the input; it is generated once when setup succeeds.
type Input struct {
	DirectoryURL    string `json:"ldapUrl"`
	BindDN          string `json:"ldapBindDN"`
	BindPassword    string `json:"ldapBindPassword"`
	BaseDN          string `json:"ldapBaseDN"`
	UserSearchBase  string `json:"ldapUserSearchBase"`
	GroupSearchBase string `json:"ldapGroupSearchBase"`

	ManagementURL      string `json:"managementBaseUrl"`
	ManagementUsername string `json:"managementUsername"`
	ManagementPassword string `json:"managementPassword"`
}

// DirectoryProber validates directory credentials during setup.
type DirectoryProber interface {
	Probe(ctx context.Context, url, bindDN, bindPassword string) error
}

// ManagementProber validates management-API credentials during setup.
type ManagementProber interface {
	Probe(ctx context.Context, baseURL, username, password string) error
}

// Gate reads and writes the configuration record. It is safe for
// concurrent use; the underlying store serializes file access.
type Gate struct {
	store   *store.Store
	secrets *secrets.Store
}

func NewGate(st *store.Store, sec *secrets.Store) *Gate {
	return &Gate{store: st, secrets: sec}
}

// IsConfigured reports whether first-run setup has completed.
func (g *Gate) IsConfigured() bool {
	return g.store.IsConfigured()
}

// Current returns the decrypted system configuration, or ErrNotConfigured.
func (g *Gate) Current() (*SystemConfig, error) {
	rec, err := g.store.LoadConfig()
	if err != nil {
		return nil, err
	}

	bindPassword, err := g.secrets.Decrypt(rec.BindPasswordEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt bind password: %w", err)
	}
	mgmtPassword, err := g.secrets.Decrypt(rec.ManagementPasswordEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt management password: %w", err)
	}
	sessionSecret, err := g.secrets.Decrypt(rec.SessionSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session secret: %w", err)
	}

	return &SystemConfig{
		DirectoryURL:       rec.DirectoryURL,
		BindDN:             rec.BindDN,
		BindPassword:       bindPassword,
		BaseDN:             rec.BaseDN,
		UserSearchBase:     rec.UserSearchBase,
		GroupSearchBase:    rec.GroupSearchBase,
		ManagementURL:      rec.ManagementURL,
		ManagementUsername: rec.ManagementUsername,
		ManagementPassword: mgmtPassword,
		SessionSecret:      sessionSecret,
	}, nil
}

// Save encrypts the secrets in the input, generates a fresh session
// signing secret, and persists the record marked configured. Save is an
// idempotent overwrite; it performs no validation (see Setup).
func (g *Gate) Save(in Input) error {
	sessionSecret, err := generateSessionSecret()
	if err != nil {
		return err
	}

	bindPasswordEnc, err := g.secrets.Encrypt(in.BindPassword)
	if err != nil {
		return err
	}
	mgmtPasswordEnc, err := g.secrets.Encrypt(in.ManagementPassword)
	if err != nil {
		return err
	}
	sessionSecretEnc, err := g.secrets.Encrypt(sessionSecret)
	if err != nil {
		return err
	}

	return g.store.SaveConfig(&store.ConfigRecord{
		DirectoryURL:          in.DirectoryURL,
		BindDN:                in.BindDN,
		BindPasswordEnc:       bindPasswordEnc,
		BaseDN:                in.BaseDN,
		UserSearchBase:        in.UserSearchBase,
		GroupSearchBase:       in.GroupSearchBase,
		ManagementURL:         in.ManagementURL,
		ManagementUsername:    in.ManagementUsername,
		ManagementPasswordEnc: mgmtPasswordEnc,
		SessionSecretEnc:      sessionSecretEnc,
		Configured:            true,
	})
}

// Setup runs the first-run validation protocol: normalize the input,
// verify both backends accept the supplied credentials, then persist.
// Nothing is persisted unless both probes succeed.
func (g *Gate) Setup(ctx context.Context, in Input, dir DirectoryProber, mgr ManagementProber) error {
	in.ManagementUsername = strings.TrimSpace(in.ManagementUsername)
	in.ManagementURL = strings.TrimRight(strings.TrimSpace(in.ManagementURL), "/")

	if in.DirectoryURL == "" || in.BindDN == "" || in.BindPassword == "" ||
		in.ManagementURL == "" || in.ManagementUsername == "" || in.ManagementPassword == "" {
		return ErrMissingFields
	}

	dirCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()
	if err := dir.Probe(dirCtx, in.DirectoryURL, in.BindDN, in.BindPassword); err != nil {
		return fmt.Errorf("directory connection failed: %w", err)
	}

	mgrCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()
	if err := mgr.Probe(mgrCtx, in.ManagementURL, in.ManagementUsername, in.ManagementPassword); err != nil {
		return fmt.Errorf("management API connection failed: %w", err)
	}

	if err := g.Save(in); err != nil {
		return err
	}

	logger.Ctx(ctx).Info().
		Str("directory_url", in.DirectoryURL).
		Str("management_url", in.ManagementURL).
		Msg("system configuration saved")
	return nil
}

// generateSessionSecret returns 64 random bytes, hex encoded.
func generateSessionSecret() (string, error) {
	buf := make([]byte, 64)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
