package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/pkg/client"
)

func addRemoteFlags(cmd *cobra.Command, flags *RemoteFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "management API base URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "API request timeout")
	cmd.Flags().StringVar(&flags.APIUser, "api-user", "", "API username (default $APPVISOR_API_USER)")
	cmd.Flags().StringVar(&flags.APIPassword, "api-password", "", "API password (default $APPVISOR_API_PASSWORD)")
	cmd.Flags().StringVar(&flags.APIToken, "api-token", "", "API bearer token from 'appvisor login' (default $APPVISOR_API_TOKEN)")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
}

// Credential env vars keep passwords and tokens out of shell history.
const (
	envAPIUser     = "APPVISOR_API_USER"
	envAPIPassword = "APPVISOR_API_PASSWORD"
	envAPIToken    = "APPVISOR_API_TOKEN"
)

func newClient(flags *RemoteFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  flags.APIUrl,
		Timeout:  flags.APITimeout,
		Logger:   logger.Discard(),
		Username: flagOrEnv(flags.APIUser, envAPIUser),
		Password: flagOrEnv(flags.APIPassword, envAPIPassword),
		Token:    flagOrEnv(flags.APIToken, envAPIToken),
	})
}

func flagOrEnv(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

func createListCommand(flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List apps of a running supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sts, err := newClient(flags).List(cmd.Context())
			if err != nil {
				return err
			}
			return printStatuses(cmd.OutOrStdout(), sts, flags.JSON)
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

func createStatusCommand(flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [NAME]",
		Short: "Show the status of one app, or all apps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			if len(args) == 0 {
				sts, err := c.List(cmd.Context())
				if err != nil {
					return err
				}
				return printStatuses(cmd.OutOrStdout(), sts, flags.JSON)
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatuses(cmd.OutOrStdout(), []client.Status{st}, flags.JSON)
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

func createActionCommand(verb, short string, flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			var fn func(context.Context, string) error
			switch verb {
			case "start":
				fn = c.Start
			case "stop":
				fn = c.Stop
			default:
				fn = c.Restart
			}
			if err := fn(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok\n", args[0], verb)
			return nil
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

func createRunsCommand(flags *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs NAME",
		Short: "Show recorded runs of an app (requires a run store)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := newClient(flags).Runs(cmd.Context(), args[0], flags.Limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.JSON {
				return writeIndented(out, runs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tPID\tSTARTED\tSTOPPED\tEXIT\tRESTARTS")
			for _, r := range runs {
				stopped, exit := "-", "-"
				if r.StoppedAt != nil {
					stopped = r.StoppedAt.Local().Format(time.DateTime)
				}
				if r.ExitCode != nil {
					exit = fmt.Sprint(*r.ExitCode)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\n", r.ID, r.PID, r.StartedAt.Local().Format(time.DateTime), stopped, exit, r.Restarts)
			}
			return tw.Flush()
		},
	}
	addRemoteFlags(cmd, flags)
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "maximum number of runs")
	return cmd
}

func printStatuses(w io.Writer, sts []client.Status, asJSON bool) error {
	if asJSON {
		return writeIndented(w, sts)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tUPTIME\tRESTARTS\tCPU%\tRSS\tLAST ERROR")
	for _, s := range sts {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.1f\t%s\t%s\n",
			s.Name, s.State, pid, s.Uptime.Round(time.Second), s.Restarts, s.CPUPercent, humanBytes(s.MemoryRSS), s.LastError)
	}
	return tw.Flush()
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
