package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/appvisor/internal/config"
)

func createValidateCommand(flags *ValidateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a descriptor file without starting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.Profile, "env", "", "apply env_<profile> overlays")
	return cmd
}

func runValidate(cmd *cobra.Command, path string, flags *ValidateFlags) error {
	f, err := config.LoadFile(path, config.LoadOptions{Profile: flags.Profile})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, w := range f.Warnings {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}
	if err := config.Validate(f.Apps); err != nil {
		return err
	}
	for _, app := range f.Apps {
		exe, _ := app.ResolveExecutable()
		_, _ = fmt.Fprintf(out, "%s: ok (%s)\n", app.Name, exe)
	}
	return nil
}
