// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package mgmt is the client for the GraphQL directory-management API.
// It authenticates with a bearer token obtained at first use, cached for
// the process. On an authorization failure the client re-authenticates
// and retries the original call exactly once.
//
// The token cache is mutex-guarded for memory safety, but concurrent 401
// responses may still each trigger a re-login; the race is benign, every
// issued token is valid and the last writer wins.
package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/idgate/pkg/config"
	"github.com/LeeDigitalWorks/idgate/pkg/logger"
)

const requestTimeout = 5 * time.Second

const (
	loginMutation = `mutation Login($username: String!, $password: String!) {
  auth(username: $username, password: $password) {
    token
  }
}`

	usersQuery = `query {
  users {
    id
    email
    displayName
    groups {
      id
      displayName
    }
  }
}`

	createUserMutation = `mutation CreateUser($user: CreateUserInput!) {
  createUser(user: $user) {
    id
  }
}`

	updateUserMutation = `mutation UpdateUser($user: UpdateUserInput!) {
  updateUser(user: $user) {
    ok
  }
}`

	deleteUserMutation = `mutation DeleteUser($userId: String!) {
  deleteUser(userId: $userId) {
    ok
  }
}`
)

// User is a management-API user record.
type User struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"displayName"`
	Groups      []Group `json:"groups"`
}

// Group is a live group object attached to a management-API user.
type Group struct {
	ID          int    `json:"id"`
	DisplayName string `json:"displayName"`
}

// UserInput carries local field names for create/update. Empty fields
// are omitted from the request so updates are partial patches. The API
// does not accept a password; password writes go through the directory.
type UserInput struct {
	UID         string
	Mail        string
	DisplayName string
}

func (in UserInput) variables() map[string]any {
	user := map[string]any{"id": in.UID}
	if in.Mail != "" {
		user["email"] = in.Mail
	}
	if in.DisplayName != "" {
		user["displayName"] = in.DisplayName
	}
	return map[string]any{"user": user}
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Client is the token-cached management-API client. Construct one per
// process; it reads the current configuration through the gate on every
// call.
type Client struct {
	gate *config.Gate
	http *http.Client

	mu    sync.Mutex
	token string
}

func New(gate *config.Gate) *Client {
	return &Client{
		gate: gate,
		http: &http.Client{Timeout: requestTimeout},
	}
}

// GetUsers returns all users with their live group objects.
func (c *Client) GetUsers(ctx context.Context) ([]User, error) {
	data, err := c.query(ctx, usersQuery, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Users []User `json:"users"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse users response: %w", err)
	}
	return out.Users, nil
}

// CreateUser creates a user. The first reported API error, if any,
// surfaces as the returned error's message.
func (c *Client) CreateUser(ctx context.Context, in UserInput) error {
	_, err := c.query(ctx, createUserMutation, in.variables())
	return err
}

// UpdateUser applies a partial patch; fields absent from in are left
// untouched on the server.
func (c *Client) UpdateUser(ctx context.Context, in UserInput) error {
	_, err := c.query(ctx, updateUserMutation, in.variables())
	return err
}

// DeleteUser removes a user by login id.
func (c *Client) DeleteUser(ctx context.Context, uid string) error {
	_, err := c.query(ctx, deleteUserMutation, map[string]any{"userId": uid})
	return err
}

// Probe validates management-API credentials without touching the token
// cache. It implements the configuration gate's setup validation.
func (c *Client) Probe(ctx context.Context, baseURL, username, password string) error {
	_, err := c.authenticate(ctx, baseURL, username, password)
	return err
}

// query runs one GraphQL document with the cached token, re-authenticating
// and retrying exactly once on a 401.
func (c *Client) query(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	cfg, err := c.gate.Current()
	if err != nil {
		return nil, err
	}

	token, err := c.ensureToken(ctx, cfg)
	if err != nil {
		return nil, err
	}

	body, status, err := c.post(ctx, cfg.ManagementURL+"/api/graphql", token, query, vars)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		logger.Ctx(ctx).Debug().Msg("management token rejected, re-authenticating")
		token, err = c.refreshToken(ctx, cfg)
		if err != nil {
			return nil, err
		}
		body, status, err = c.post(ctx, cfg.ManagementURL+"/api/graphql", token, query, vars)
		if err != nil {
			return nil, err
		}
	}

	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, &APIError{Cause: CauseUnauthorized, Message: "authentication failed: check the management credentials"}
	case http.StatusNotFound:
		return nil, &APIError{Cause: CauseNotFound, Message: fmt.Sprintf("management endpoint not found at %s", cfg.ManagementURL)}
	default:
		return nil, &APIError{Cause: CauseUnknown, Message: fmt.Sprintf("management API returned status %d", status)}
	}

	var envelope graphqlEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse management response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return nil, &APIError{Cause: CauseGraphQL, Message: envelope.Errors[0].Message}
	}
	return envelope.Data, nil
}

// ensureToken returns the cached token, authenticating on first use.
func (c *Client) ensureToken(ctx context.Context, cfg *config.SystemConfig) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token != "" {
		return token, nil
	}
	return c.refreshToken(ctx, cfg)
}

// refreshToken unconditionally re-authenticates and caches the result.
func (c *Client) refreshToken(ctx context.Context, cfg *config.SystemConfig) (string, error) {
	token, err := c.authenticate(ctx, cfg.ManagementURL, cfg.ManagementUsername, cfg.ManagementPassword)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

// authenticate obtains a bearer token: the simple login endpoint first,
// then the GraphQL auth mutation as fallback.
func (c *Client) authenticate(ctx context.Context, baseURL, username, password string) (string, error) {
	token, simpleErr := c.simpleLogin(ctx, baseURL, username, password)
	if simpleErr == nil {
		return token, nil
	}
	logger.Ctx(ctx).Warn().Err(simpleErr).Msg("simple login failed, trying GraphQL auth")

	token, gqlErr := c.graphqlLogin(ctx, baseURL, username, password)
	if gqlErr != nil {
		return "", gqlErr
	}
	return token, nil
}

func (c *Client) simpleLogin(ctx context.Context, baseURL, username, password string) (string, error) {
	body, status, err := c.post(ctx, baseURL+"/auth/simple/login", "", "", map[string]any{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("simple login returned status %d", status)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		return "", fmt.Errorf("simple login returned no token")
	}
	return out.Token, nil
}

func (c *Client) graphqlLogin(ctx context.Context, baseURL, username, password string) (string, error) {
	body, status, err := c.post(ctx, baseURL+"/api/graphql", "", loginMutation, map[string]any{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}

	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return "", &APIError{Cause: CauseUnauthorized, Message: "authentication failed: check the management username and password"}
	case http.StatusNotFound:
		return "", &APIError{Cause: CauseNotFound, Message: fmt.Sprintf("management endpoint not found at %s: check the base URL", baseURL)}
	default:
		return "", &APIError{Cause: CauseUnknown, Message: fmt.Sprintf("management login returned status %d", status)}
	}

	var envelope graphqlEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("failed to parse login response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return "", &APIError{Cause: CauseGraphQL, Message: envelope.Errors[0].Message}
	}

	var out struct {
		Auth struct {
			Token string `json:"token"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(envelope.Data, &out); err != nil || out.Auth.Token == "" {
		return "", &APIError{Cause: CauseUnknown, Message: "management login failed: no token returned"}
	}
	return out.Auth.Token, nil
}

// post issues one JSON POST. A non-empty query wraps vars in a GraphQL
// request body; otherwise vars are the body. Transport failures come back
// classified; HTTP status handling is the caller's job.
func (c *Client) post(ctx context.Context, url, token, query string, vars map[string]any) ([]byte, int, error) {
	var payload any = vars
	if query != "" {
		payload = map[string]any{"query": query, "variables": vars}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, classify(url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, classify(url, err)
	}
	return body, resp.StatusCode, nil
}
