// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/LeeDigitalWorks/idgate/pkg/config"
	"github.com/LeeDigitalWorks/idgate/pkg/directory"
	"github.com/LeeDigitalWorks/idgate/pkg/logger"
	"github.com/LeeDigitalWorks/idgate/pkg/store"
	"github.com/LeeDigitalWorks/idgate/pkg/users"
)

// Setup

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"isConfigured": s.gate.IsConfigured()})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var in config.Input
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.gate.Setup(r.Context(), in, directory.Prober{}, s.mgmt); err != nil {
		// Setup failures are reported verbatim; the probes classify
		// unreachable hosts, bad credentials, and missing endpoints into
		// actionable messages.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Authentication

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyRequest struct {
	TempToken string `json:"tempToken"`
	Code      string `json:"code"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		loginAttempts.WithLabelValues("failure").Inc()
		s.fail(w, r, err)
		return
	}

	if result.RequiresSecondFactor {
		loginAttempts.WithLabelValues("second_factor_required").Inc()
	} else {
		loginAttempts.WithLabelValues("success").Inc()
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerifySecondFactor(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.auth.VerifySecondFactor(r.Context(), req.TempToken, req.Code)
	if err != nil {
		loginAttempts.WithLabelValues("failure").Inc()
		s.fail(w, r, err)
		return
	}

	loginAttempts.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, result)
}

// Self service

type profileResponse struct {
	User             *directory.User `json:"user"`
	TwoFactorEnabled bool            `json:"twoFactorEnabled"`
}

type profileUpdateRequest struct {
	Mail        string `json:"mail"`
	DisplayName string `json:"displayName"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type enableSecondFactorRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	uid := session(r).UID

	user, err := s.users.Profile(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	profile, err := s.store.Profile(uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, profileResponse{User: user, TwoFactorEnabled: profile.TwoFactorEnabled})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileUpdateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	uid := session(r).UID
	if err := s.users.UpdateProfile(r.Context(), uid, req.Mail, req.DisplayName); err != nil {
		s.fail(w, r, err)
		return
	}

	s.audit(r, uid, "UPDATE_PROFILE", "User updated profile")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.auth.ChangePassword(r.Context(), session(r).UID, req.CurrentPassword, req.NewPassword); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSetupSecondFactor(w http.ResponseWriter, r *http.Request) {
	secret, otpauthURL, err := s.auth.SetupSecondFactor(session(r).UID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"secret":     secret,
		"otpauthUrl": otpauthURL,
	})
}

func (s *Server) handleEnableSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req enableSecondFactorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.auth.EnableSecondFactor(r.Context(), session(r).UID, req.Secret, req.Code); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUserLogs(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.Audit(session(r).UID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Administration

type importRequest struct {
	Users []users.Record `json:"users"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	listing, err := s.users.List(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var rec users.Record
	if err := decode(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rec.UID == "" {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}

	if err := s.users.Create(r.Context(), rec); err != nil {
		s.fail(w, r, err)
		return
	}

	s.audit(r, session(r).UID, "CREATE_USER", fmt.Sprintf("Created user %s", rec.UID))
	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	var rec users.Record
	if err := decode(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.users.Update(r.Context(), uid, rec); err != nil {
		s.fail(w, r, err)
		return
	}

	s.audit(r, session(r).UID, "UPDATE_USER", fmt.Sprintf("Updated user %s", uid))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	if err := s.users.Delete(r.Context(), uid); err != nil {
		s.fail(w, r, err)
		return
	}

	s.audit(r, session(r).UID, "DELETE_USER", fmt.Sprintf("Deleted user %s", uid))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleImportUsers(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := s.users.BulkImport(r.Context(), req.Users)

	s.audit(r, session(r).UID, "IMPORT_USERS",
		fmt.Sprintf("Imported users: %d succeeded, %d failed", result.Success, result.Failed))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.Audit(r.URL.Query().Get("uid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) audit(r *http.Request, uid, action, details string) {
	if err := s.store.AppendAudit(uid, action, details); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("action", action).Msg("failed to append audit event")
	}
}
