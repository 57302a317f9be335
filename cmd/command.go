// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "idgate",
	Short: "IdGate - an identity management gateway",
	Long: `IdGate is an identity management gateway fronting an LDAP directory and
its management API. It verifies credentials, issues signed sessions with an
optional time-based second factor, and reconciles user writes across both
backends.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
