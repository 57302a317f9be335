// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package users implements the reconciliation policy between the two
// directory backends: password writes always go to the LDAP directory,
// all other identity-field writes go to the management API, and reads
// choose one source per call rather than merging field-by-field.
package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeeDigitalWorks/idgate/pkg/config"
	"github.com/LeeDigitalWorks/idgate/pkg/directory"
	"github.com/LeeDigitalWorks/idgate/pkg/logger"
	"github.com/LeeDigitalWorks/idgate/pkg/mgmt"
)

var (
	// ErrUserNotFound is returned when a login id matches no directory
	// entry.
	ErrUserNotFound = errors.New("user not found")

	// ErrMissingFields is returned by import validation for records
	// without a login id or password.
	ErrMissingFields = errors.New("missing uid or password")
)

// Source identifies which backend answered a listing.
type Source string

const (
	SourceManagement Source = "management"
	SourceDirectory  Source = "directory"
)

// Listing is the result of a user list, tagged with the source that
// produced it so the selection policy is observable and testable.
type Listing struct {
	Users  []directory.User `json:"users"`
	Source Source           `json:"source"`
}

// Record is a local user mutation: login id, common/display name, mail,
// and optionally a password.
type Record struct {
	UID      string `json:"uid"`
	CN       string `json:"cn"`
	Mail     string `json:"mail"`
	Password string `json:"password,omitempty"`
}

// ImportError reports one failed record of a bulk import.
type ImportError struct {
	UID   string `json:"uid"`
	Error string `json:"error"`
}

// ImportResult aggregates a bulk import: per-record failures never abort
// the batch.
type ImportResult struct {
	Success int           `json:"success"`
	Failed  int           `json:"failed"`
	Errors  []ImportError `json:"errors"`
}

// DirectoryClient is the slice of the LDAP client this policy needs.
type DirectoryClient interface {
	Search(ctx context.Context, filter string) ([]directory.User, error)
	Modify(ctx context.Context, dn string, changes map[string][]string) error
	ChangePassword(ctx context.Context, dn, newPassword string) error
}

// ManagementClient is the slice of the management-API client this policy
// needs.
type ManagementClient interface {
	GetUsers(ctx context.Context) ([]mgmt.User, error)
	CreateUser(ctx context.Context, in mgmt.UserInput) error
	UpdateUser(ctx context.Context, in mgmt.UserInput) error
	DeleteUser(ctx context.Context, uid string) error
}

// Service dispatches reads and writes to the authoritative backend per
// field. Directory clients are constructed per call from the current
// configuration; the management client caches its token across calls.
type Service struct {
	gate *config.Gate
	mgmt ManagementClient

	// newDirectory builds a directory client from the current
	// configuration; replaced in tests.
	newDirectory func(cfg *config.SystemConfig) DirectoryClient
}

func NewService(gate *config.Gate, mgmtClient ManagementClient) *Service {
	return &Service{
		gate: gate,
		mgmt: mgmtClient,
		newDirectory: func(cfg *config.SystemConfig) DirectoryClient {
			return directory.New(directory.Config{
				URL:             cfg.DirectoryURL,
				BindDN:          cfg.BindDN,
				BindPassword:    cfg.BindPassword,
				UserSearchBase:  cfg.UserSearchBase,
				GroupSearchBase: cfg.GroupSearchBase,
			})
		},
	}
}

// List returns all users. With a trivial filter the richer management
// listing is preferred (it carries live group objects); any failure there
// falls back to a directory search. A non-trivial filter always goes to
// the directory, which understands LDAP filter syntax.
func (s *Service) List(ctx context.Context, filter string) (*Listing, error) {
	cfg, err := s.gate.Current()
	if err != nil {
		return nil, err
	}

	if trivialFilter(filter) {
		users, mgmtErr := s.mgmt.GetUsers(ctx)
		if mgmtErr == nil {
			return &Listing{Users: mapManagementUsers(users, cfg), Source: SourceManagement}, nil
		}
		logger.Ctx(ctx).Warn().Err(mgmtErr).Msg("management listing failed, falling back to directory")
	}

	users, err := s.newDirectory(cfg).Search(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &Listing{Users: users, Source: SourceDirectory}, nil
}

// Create provisions a user through the management API. A supplied
// password is set through the directory afterwards, since the management
// input shape does not carry one; failure of that second leg surfaces
// but does not undo the create.
func (s *Service) Create(ctx context.Context, rec Record) error {
	cn := rec.CN
	if cn == "" {
		cn = rec.UID
	}
	if err := s.mgmt.CreateUser(ctx, mgmt.UserInput{UID: rec.UID, Mail: rec.Mail, DisplayName: cn}); err != nil {
		return err
	}

	if rec.Password != "" {
		if err := s.setPassword(ctx, rec.UID, rec.Password); err != nil {
			return fmt.Errorf("user %s created but password not set: %w", rec.UID, err)
		}
	}
	return nil
}

// Delete removes a user through the management API.
func (s *Service) Delete(ctx context.Context, uid string) error {
	return s.mgmt.DeleteUser(ctx, uid)
}

// Update dispatches per field: mail/display name to the management API,
// password to the directory. Both legs run even if one fails; the
// operation is not transactional.
func (s *Service) Update(ctx context.Context, uid string, rec Record) error {
	var infoErr, passwordErr error

	if rec.Mail != "" || rec.CN != "" {
		infoErr = s.mgmt.UpdateUser(ctx, mgmt.UserInput{UID: uid, Mail: rec.Mail, DisplayName: rec.CN})
	}

	if rec.Password != "" {
		passwordErr = s.setPassword(ctx, uid, rec.Password)
	}

	return errors.Join(infoErr, passwordErr)
}

// BulkImport creates each record independently. Records missing a login
// id or password fail validation without a backend call.
func (s *Service) BulkImport(ctx context.Context, records []Record) ImportResult {
	var result ImportResult
	for _, rec := range records {
		if rec.UID == "" || rec.Password == "" {
			result.Failed++
			result.Errors = append(result.Errors, ImportError{UID: rec.UID, Error: ErrMissingFields.Error()})
			continue
		}
		if err := s.Create(ctx, rec); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ImportError{UID: rec.UID, Error: err.Error()})
			continue
		}
		result.Success++
	}
	return result
}

// Profile reads a single user's current directory attributes.
func (s *Service) Profile(ctx context.Context, uid string) (*directory.User, error) {
	cfg, err := s.gate.Current()
	if err != nil {
		return nil, err
	}
	return s.findByUID(ctx, s.newDirectory(cfg), uid)
}

// UpdateProfile replaces mail and display name on the user's own entry
// through the directory. Absent fields are left untouched.
func (s *Service) UpdateProfile(ctx context.Context, uid, mail, displayName string) error {
	cfg, err := s.gate.Current()
	if err != nil {
		return err
	}
	dir := s.newDirectory(cfg)

	user, err := s.findByUID(ctx, dir, uid)
	if err != nil {
		return err
	}

	changes := make(map[string][]string)
	if mail != "" {
		changes["mail"] = []string{mail}
	}
	if displayName != "" {
		changes["cn"] = []string{displayName}
	}
	if len(changes) == 0 {
		return nil
	}
	return dir.Modify(ctx, user.DN, changes)
}

// setPassword resolves the entry's distinguished name and replaces the
// password attribute through the directory.
func (s *Service) setPassword(ctx context.Context, uid, password string) error {
	cfg, err := s.gate.Current()
	if err != nil {
		return err
	}
	dir := s.newDirectory(cfg)

	user, err := s.findByUID(ctx, dir, uid)
	if err != nil {
		return err
	}
	return dir.ChangePassword(ctx, user.DN, password)
}

func (s *Service) findByUID(ctx context.Context, dir DirectoryClient, uid string) (*directory.User, error) {
	users, err := dir.Search(ctx, directory.UIDFilter(uid))
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrUserNotFound
	}
	return &users[0], nil
}

func trivialFilter(filter string) bool {
	return filter == "" || filter == directory.DefaultUserFilter
}

// mapManagementUsers projects management records into the directory
// shape the client expects: dn and memberOf are synthesized from the
// configured search bases. The two sources are alternate representations
// of the same listing, never reconciled field-by-field.
func mapManagementUsers(users []mgmt.User, cfg *config.SystemConfig) []directory.User {
	out := make([]directory.User, 0, len(users))
	for _, u := range users {
		memberOf := make([]string, 0, len(u.Groups))
		for _, g := range u.Groups {
			memberOf = append(memberOf, fmt.Sprintf("cn=%s,%s", g.DisplayName, cfg.GroupSearchBase))
		}
		out = append(out, directory.User{
			DN:          fmt.Sprintf("uid=%s,%s", u.ID, cfg.UserSearchBase),
			UID:         u.ID,
			CN:          u.DisplayName,
			DisplayName: u.DisplayName,
			Mail:        u.Email,
			MemberOf:    memberOf,
		})
	}
	return out
}
