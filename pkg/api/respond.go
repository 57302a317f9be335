// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-ldap/ldap/v3"

	"github.com/LeeDigitalWorks/idgate/pkg/auth"
	"github.com/LeeDigitalWorks/idgate/pkg/config"
	"github.com/LeeDigitalWorks/idgate/pkg/logger"
	"github.com/LeeDigitalWorks/idgate/pkg/mgmt"
	"github.com/LeeDigitalWorks/idgate/pkg/users"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// fail maps a service error onto the HTTP contract: 409 before setup,
// 401 for credential and challenge failures, 400 for validation, 404 for
// missing users, 502 for unreachable backends, 500 otherwise.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, config.ErrNotConfigured):
		writeError(w, http.StatusConflict, "system not configured")
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidChallenge),
		errors.Is(err, auth.ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, config.ErrMissingFields),
		errors.Is(err, users.ErrMissingFields):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		var apiErr *mgmt.APIError
		if errors.As(err, &apiErr) {
			writeError(w, http.StatusBadGateway, apiErr.Message)
			return
		}
		var ldapErr *ldap.Error
		var netErr net.Error
		if errors.As(err, &ldapErr) || errors.As(err, &netErr) {
			logger.Ctx(r.Context()).Error().Err(err).Msg("directory backend failure")
			writeError(w, http.StatusBadGateway, "directory unavailable")
			return
		}
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON request body.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}
