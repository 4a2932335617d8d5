package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/appvisor/internal/auth"
)

func createLoginCommand(flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange --api-user/--api-password for a bearer token",
		Long: `Log in to a supervisor with api.auth enabled and print a bearer token.
Pass it to later commands with --api-token or APPVISOR_API_TOKEN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := newClient(flags).Login(cmd.Context())
			if err != nil {
				return err
			}
			if flags.JSON {
				return writeIndented(cmd.OutOrStdout(), tok)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return nil
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

func createHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for api.auth.users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no password on stdin")
			}
			h, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}
