package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	SettingsPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	validateFlags := &ValidateFlags{}
	remoteFlags := &RemoteFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createValidateCommand(validateFlags),
		createListCommand(remoteFlags),
		createStatusCommand(remoteFlags),
		createActionCommand("start", "Start a stopped or errored app", remoteFlags),
		createActionCommand("stop", "Stop an app; it is not restarted until started again", remoteFlags),
		createActionCommand("restart", "Restart an app", remoteFlags),
		createRunsCommand(remoteFlags),
		createLoginCommand(remoteFlags),
		createHashPasswordCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "appvisor",
		Short: "Supervise applications declared in an ecosystem file",
		Long: `appvisor launches one process per application descriptor, restarts it
according to its policy and routes its stdout/stderr to log files.

Examples:
  appvisor validate ecosystem.config.js
  appvisor run ecosystem.config.js --api-listen 127.0.0.1:8080
  appvisor status modelhub-backend --api-url http://127.0.0.1:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.SettingsPath, "settings", "", "path to supervisor settings file (yaml, toml or json)")
	return root
}
