// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package main

import (
	"bufio"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/lablabbean/pluginhost/internal/admin"
)

// NewHashTokenCmd creates the hash-token subcommand.
func NewHashTokenCmd() *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "hash-token",
		Short: "Hash an admin bearer token for admin.token_hash",
		Long: `Read a token from stdin, or generate one with --generate, and print the
argon2id hash to put in admin.token_hash. Clients send the token itself in
` + tokenEnv + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var token string
			if generate {
				t, err := admin.GenerateToken()
				if err != nil {
					return err
				}
				token = t
				cmd.Printf("token: %s\n", token)
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				token = strings.TrimSpace(line)
				if token == "" {
					if err != nil {
						return oops.Code("ADMIN_TOKEN_EMPTY").Wrapf(err, "read token")
					}
					return admin.ErrEmptyToken
				}
			}
			hash, err := admin.HashToken(token)
			if err != nil {
				return err
			}
			cmd.Printf("hash:  %s\n", hash)
			return nil
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", false, "generate a random token")
	return cmd
}
