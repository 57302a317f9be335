// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the small durable state the gateway owns: the
// encrypted system configuration record, per-user security profiles, and
// the append-only audit log.
//
// Layout:
//
//	<basePath>/
//	  config.json       # encrypted system configuration
//	  users/
//	    alice.json      # security profile (2FA state)
//	  audit.log         # one JSON object per line, append-only
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotConfigured is returned when the system configuration record
	// has not been written yet.
	ErrNotConfigured = errors.New("system not configured")

	// ErrInvalidUID is returned for login ids that cannot name a profile
	// file.
	ErrInvalidUID = errors.New("invalid login id")
)

// ConfigRecord is the durable form of the system configuration. Secret
// fields hold ciphertext produced by the secrets store; decryption is the
// configuration gate's job.
type ConfigRecord struct {
	DirectoryURL          string `json:"directory_url"`
	BindDN                string `json:"bind_dn"`
	BindPasswordEnc       string `json:"bind_password_enc"`
	BaseDN                string `json:"base_dn"`
	UserSearchBase        string `json:"user_search_base"`
	GroupSearchBase       string `json:"group_search_base"`
	ManagementURL         string `json:"management_url"`
	ManagementUsername    string `json:"management_username"`
	ManagementPasswordEnc string `json:"management_password_enc"`
	SessionSecretEnc      string `json:"session_secret_enc"`
	Configured            bool   `json:"configured"`
}

// SecurityProfile is the per-login-id 2FA sidecar. A profile exists for
// every uid ever referenced; it is never deleted.
type SecurityProfile struct {
	UID              string `json:"uid"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
	TwoFactorSecret  string `json:"two_factor_secret,omitempty"`
}

// AuditEvent is an immutable append-only record of a user-visible action.
type AuditEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UID       string    `json:"uid"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
}

// Store is a JSON file store guarded by a single RWMutex. All writes go
// through the mutex, so concurrent requests never interleave file writes.
type Store struct {
	basePath string
	mu       sync.RWMutex
}

// Open creates the directory structure and returns a store rooted at
// basePath.
func Open(basePath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(basePath, "users"), 0700); err != nil {
		return nil, err
	}
	return &Store{basePath: basePath}, nil
}

// BasePath returns the root of the durable state directory.
func (s *Store) BasePath() string {
	return s.basePath
}

// Configuration record

func (s *Store) configPath() string {
	return filepath.Join(s.basePath, "config.json")
}

// LoadConfig reads the configuration record, or ErrNotConfigured when it
// has never been saved.
func (s *Store) LoadConfig() (*ConfigRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.configPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotConfigured
		}
		return nil, err
	}

	var rec ConfigRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse config record: %w", err)
	}
	if !rec.Configured {
		return nil, ErrNotConfigured
	}
	return &rec, nil
}

// SaveConfig overwrites the configuration record. Saving is idempotent;
// re-running setup replaces the previous record wholesale.
func (s *Store) SaveConfig(rec *ConfigRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.configPath(), data, 0600)
}

// IsConfigured reports whether a configuration record has been saved.
func (s *Store) IsConfigured() bool {
	_, err := s.LoadConfig()
	return err == nil
}

// Security profiles

func (s *Store) profilePath(uid string) (string, error) {
	// Profile files are named after the uid; refuse anything that could
	// escape the users directory.
	if uid == "" || strings.ContainsAny(uid, `/\`) || uid == "." || uid == ".." {
		return "", ErrInvalidUID
	}
	return filepath.Join(s.basePath, "users", uid+".json"), nil
}

// Profile returns the security profile for uid, creating a default
// (2FA disabled) profile on first reference.
func (s *Store) Profile(uid string) (*SecurityProfile, error) {
	path, err := s.profilePath(uid)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, readErr := os.ReadFile(path)
	s.mu.RUnlock()

	if readErr == nil {
		var p SecurityProfile
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse profile for %s: %w", uid, err)
		}
		return &p, nil
	}
	if !os.IsNotExist(readErr) {
		return nil, readErr
	}

	p := &SecurityProfile{UID: uid}
	if err := s.SaveProfile(p); err != nil {
		return nil, err
	}
	return p, nil
}

// SaveProfile overwrites the security profile for p.UID.
func (s *Store) SaveProfile(p *SecurityProfile) error {
	path, err := s.profilePath(p.UID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Audit log

func (s *Store) auditPath() string {
	return filepath.Join(s.basePath, "audit.log")
}

// AppendAudit appends one event to the audit log. Events are never
// mutated or deleted.
func (s *Store) AppendAudit(uid, action, details string) error {
	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		UID:       uid,
		Action:    action,
		Details:   details,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.auditPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Audit returns events for the given actor, or all events when uid is
// empty. Order is append order.
func (s *Store) Audit(uid string) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.auditPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			// A torn trailing line from a crashed write is skipped, not
			// fatal.
			continue
		}
		if uid == "" || event.UID == uid {
			events = append(events, event)
		}
	}
	return events, scanner.Err()
}
