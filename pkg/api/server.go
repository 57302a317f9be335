// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the HTTP surface of the gateway: setup, login, the
// authenticated self-service routes, and the administrative user
// management routes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/LeeDigitalWorks/idgate/pkg/auth"
	"github.com/LeeDigitalWorks/idgate/pkg/config"
	"github.com/LeeDigitalWorks/idgate/pkg/mgmt"
	"github.com/LeeDigitalWorks/idgate/pkg/store"
	"github.com/LeeDigitalWorks/idgate/pkg/users"
)

// Server wires the services behind the HTTP routes. It holds no request
// state; everything per-request travels on the context.
type Server struct {
	gate  *config.Gate
	store *store.Store
	auth  *auth.Service
	users *users.Service
	mgmt  *mgmt.Client

	loginLimiter *ipLimiter
}

func NewServer(gate *config.Gate, st *store.Store, authSvc *auth.Service, usersSvc *users.Service, mgmtClient *mgmt.Client) *Server {
	return &Server{
		gate:  gate,
		store: st,
		auth:  authSvc,
		users: usersSvc,
		mgmt:  mgmtClient,

		// 1 attempt per second sustained, bursts of 5, per client IP.
		loginLimiter: newIPLimiter(rate.Every(time.Second), 5),
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/setup", func(r chi.Router) {
			r.Get("/status", s.handleSetupStatus)
			r.Post("/", s.handleSetup)
		})

		r.Route("/auth", func(r chi.Router) {
			r.Use(s.limitLogins)
			r.Post("/login", s.handleLogin)
			r.Post("/verify-2fa", s.handleVerifySecondFactor)
		})

		r.Route("/user", func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/profile", s.handleGetProfile)
			r.Put("/profile", s.handleUpdateProfile)
			r.Post("/change-password", s.handleChangePassword)
			r.Post("/2fa/setup", s.handleSetupSecondFactor)
			r.Post("/2fa/enable", s.handleEnableSecondFactor)
			r.Get("/logs", s.handleUserLogs)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireSession, s.requireAdmin)
			r.Get("/users", s.handleListUsers)
			r.Post("/users", s.handleCreateUser)
			r.Put("/users/{uid}", s.handleUpdateUser)
			r.Delete("/users/{uid}", s.handleDeleteUser)
			r.Post("/users/import", s.handleImportUsers)
			r.Get("/logs", s.handleAdminLogs)
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
