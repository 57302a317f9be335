// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory is the LDAP client for the identity store. It owns
// the administrative connection lifecycle: every public operation dials a
// fresh connection, does its work, and closes the connection on all exit
// paths. Repeated bind attempts are never retried here; directories may
// enforce lockout policies.
package directory

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

const (
	// DefaultTimeout bounds dial and search operations.
	DefaultTimeout = 5 * time.Second

	// DefaultUserFilter selects all person-class entries.
	DefaultUserFilter = "(objectClass=person)"

	// adminGroupMarker and reservedAdminUID drive the administrator-flag
	// derivation: a user is an administrator iff a group membership
	// contains the marker or the login id is the reserved identity.
	adminGroupMarker = "cn=admin"
	reservedAdminUID = "admin"
)

var userAttributes = []string{"uid", "cn", "mail", "displayName", "memberOf"}

// Config holds directory coordinates, normally sourced from the
// configuration gate.
type Config struct {
	URL             string // ldap://host:389 or ldaps://host:636
	BindDN          string // administrative identity
	BindPassword    string
	UserSearchBase  string
	GroupSearchBase string
	Timeout         time.Duration
}

// User is a directory entry in the shape the rest of the gateway consumes.
type User struct {
	DN          string   `json:"dn"`
	UID         string   `json:"uid"`
	CN          string   `json:"cn"`
	DisplayName string   `json:"displayName"`
	Mail        string   `json:"mail"`
	MemberOf    []string `json:"memberOf"`
}

// Name returns the display name, falling back to the common name.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.CN
}

// IsAdmin reports whether the entry denotes an administrator.
func (u *User) IsAdmin() bool {
	if u.UID == reservedAdminUID {
		return true
	}
	for _, group := range u.MemberOf {
		if strings.Contains(strings.ToLower(group), adminGroupMarker) {
			return true
		}
	}
	return false
}

// Client performs binds and searches against one directory. It holds no
// connections; construction is cheap and per-request construction from
// the current configuration is the expected usage.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{cfg: cfg}
}

// dial opens a connection honoring the configured timeout and any earlier
// context deadline.
func (c *Client) dial(ctx context.Context) (*ldap.Conn, error) {
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("failed to connect to directory: %w", context.DeadlineExceeded)
	}

	conn, err := ldap.DialURL(c.cfg.URL, ldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to directory: %w", err)
	}
	conn.SetTimeout(timeout)
	return conn, nil
}

// adminConn dials and binds as the administrative identity.
func (c *Client) adminConn(ctx context.Context) (*ldap.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		conn.Close()
		return nil, fmt.Errorf("administrative bind failed: %w", err)
	}
	return conn, nil
}

// Authenticate verifies uid/password by locating the entry as the
// administrative identity and re-binding as the entry itself. Wrong uid
// or wrong password returns (nil, nil); only infrastructure failures
// (directory unreachable, administrative bind rejected) return an error.
func (c *Client) Authenticate(ctx context.Context, uid, password string) (*User, error) {
	// An empty password would be an unauthenticated bind, which many
	// directories accept. Treat it as invalid credentials up front.
	if password == "" {
		return nil, nil
	}

	user, err := c.findByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}

	// Fresh connection for the user bind; the admin connection is gone.
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Bind(user.DN, password); err != nil {
		// Credential failure, not an error.
		return nil, nil
	}
	return user, nil
}

// Search executes filter under the user search base and returns all
// matching entries. An empty filter selects all person-class entries.
func (c *Client) Search(ctx context.Context, filter string) ([]User, error) {
	if filter == "" {
		filter = DefaultUserFilter
	}

	conn, err := c.adminConn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := ldap.NewSearchRequest(
		c.cfg.UserSearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, // SizeLimit: unlimited
		int(c.cfg.Timeout/time.Second),
		false, // TypesOnly
		filter,
		userAttributes,
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("directory search failed: %w", err)
	}

	users := make([]User, 0, len(result.Entries))
	for _, entry := range result.Entries {
		users = append(users, entryToUser(entry))
	}
	return users, nil
}

// Modify applies replace-style attribute changes to dn.
func (c *Client) Modify(ctx context.Context, dn string, changes map[string][]string) error {
	conn, err := c.adminConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := ldap.NewModifyRequest(dn, nil)
	for attr, values := range changes {
		req.Replace(attr, values)
	}
	if err := conn.Modify(req); err != nil {
		return fmt.Errorf("directory modify failed: %w", err)
	}
	return nil
}

// ChangePassword replaces the password attribute of dn.
func (c *Client) ChangePassword(ctx context.Context, dn, newPassword string) error {
	return c.Modify(ctx, dn, map[string][]string{"userPassword": {newPassword}})
}

// Add creates a new entry at dn with the given attributes.
func (c *Client) Add(ctx context.Context, dn string, attrs map[string][]string) error {
	conn, err := c.adminConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := ldap.NewAddRequest(dn, nil)
	for attr, values := range attrs {
		req.Attribute(attr, values)
	}
	if err := conn.Add(req); err != nil {
		return fmt.Errorf("directory add failed: %w", err)
	}
	return nil
}

// Delete removes the entry at dn.
func (c *Client) Delete(ctx context.Context, dn string) error {
	conn, err := c.adminConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return fmt.Errorf("directory delete failed: %w", err)
	}
	return nil
}

// UIDFilter returns an escaped equality filter for a login id.
func UIDFilter(uid string) string {
	return fmt.Sprintf("(uid=%s)", ldap.EscapeFilter(uid))
}

// findByUID locates a single entry by login id, nil when absent.
func (c *Client) findByUID(ctx context.Context, uid string) (*User, error) {
	conn, err := c.adminConn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	filter := UIDFilter(uid)
	req := ldap.NewSearchRequest(
		c.cfg.UserSearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1, // SizeLimit: only need 1 result
		int(c.cfg.Timeout/time.Second),
		false,
		filter,
		userAttributes,
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		// A size-limit-exceeded result still carries the first entry.
		if result == nil || !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) || len(result.Entries) == 0 {
			return nil, fmt.Errorf("directory search failed: %w", err)
		}
	}
	if len(result.Entries) == 0 {
		return nil, nil
	}

	user := entryToUser(result.Entries[0])
	return &user, nil
}

func entryToUser(entry *ldap.Entry) User {
	return User{
		DN:          entry.DN,
		UID:         entry.GetAttributeValue("uid"),
		CN:          entry.GetAttributeValue("cn"),
		DisplayName: entry.GetAttributeValue("displayName"),
		Mail:        entry.GetAttributeValue("mail"),
		MemberOf:    entry.GetAttributeValues("memberOf"),
	}
}

// Prober implements the setup-time directory validation: one bind with
// the supplied credentials, bounded by the context deadline.
type Prober struct{}

func (Prober) Probe(ctx context.Context, url, bindDN, bindPassword string) error {
	client := New(Config{URL: url, BindDN: bindDN, BindPassword: bindPassword})
	conn, err := client.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Bind(bindDN, bindPassword); err != nil {
		return fmt.Errorf("bind failed: %w", err)
	}
	return nil
}
