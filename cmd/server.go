// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/LeeDigitalWorks/idgate/pkg/api"
	"github.com/LeeDigitalWorks/idgate/pkg/auth"
	"github.com/LeeDigitalWorks/idgate/pkg/config"
	"github.com/LeeDigitalWorks/idgate/pkg/env"
	"github.com/LeeDigitalWorks/idgate/pkg/logger"
	"github.com/LeeDigitalWorks/idgate/pkg/mgmt"
	"github.com/LeeDigitalWorks/idgate/pkg/secrets"
	"github.com/LeeDigitalWorks/idgate/pkg/store"
	"github.com/LeeDigitalWorks/idgate/pkg/users"
)

type ServerOpts struct {
	IP       string
	Port     int
	DataDir  string
	LogLevel string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway server",
	Long: `Start the IdGate HTTP server that handles:
- First-run setup with backend credential validation
- Login, 2FA, and session issuance
- Self-service profile and password management
- Administrative user management across both backends`,
	Run: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()
	f.String("ip", "0.0.0.0", "IP address to bind to")
	f.Int("port", 8080, "HTTP port for the gateway")
	f.String("data_dir", "/var/lib/idgate", "Directory for durable state (master key, config, profiles, audit log)")
	f.String("log_level", "info", "Log level (debug, info, warn, error, fatal)")

	viper.BindPFlags(f)
}

func runServer(cmd *cobra.Command, args []string) {
	opts := loadServerOpts(cmd)
	if level, err := zerolog.ParseLevel(opts.LogLevel); err == nil && level != zerolog.NoLevel {
		logger.SetLevel(level)
	} else if env.IsLocal() {
		logger.SetLevel(zerolog.DebugLevel)
	}

	st, err := store.Open(opts.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Str("data_dir", opts.DataDir).Msg("failed to open data directory")
	}

	sec, err := secrets.Open(filepath.Join(opts.DataDir, "master.key"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open master key")
	}

	gate := config.NewGate(st, sec)
	mgmtClient := mgmt.New(gate)
	authSvc := auth.NewService(gate, st)
	usersSvc := users.NewService(gate, mgmtClient)
	server := api.NewServer(gate, st, authSvc, usersSvc, mgmtClient)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.IP, opts.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("env", env.Env).
			Bool("configured", gate.IsConfigured()).
			Msg("Starting IdGate server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()

	waitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown was not clean")
	}
}

func loadServerOpts(cmd *cobra.Command) ServerOpts {
	f := NewFlagLoader(cmd)
	return ServerOpts{
		IP:       f.String("ip"),
		Port:     f.Int("port"),
		DataDir:  f.String("data_dir"),
		LogLevel: f.String("log_level"),
	}
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("shutting down")
}
