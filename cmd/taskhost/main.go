package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskhost/internal/host"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskhost",
		Short:         "Run Lua tasks on cron schedules",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runHost,
	}
	root.PersistentFlags().StringP("config", "c", "./taskhost.json", "path to config (json, yaml or toml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the host and run scheduled tasks until interrupted",
			Args:  cobra.NoArgs,
			RunE:  runHost,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load the config, register every script and report problems",
			Args:  cobra.NoArgs,
			RunE:  runValidate,
		},
		newExecCmd(),
	)
	return root
}

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <task>",
		Short: "Run one task synchronously and print its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runExec,
	}
	cmd.Flags().String("params", "", "task params as a JSON object")
	cmd.Flags().Duration("timeout", 0, "abort the task after this long (0 = no limit)")
	return cmd
}

func openHost(cmd *cobra.Command) (*host.Host, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return host.New(cmd.Context(), path)
}

func runHost(cmd *cobra.Command, _ []string) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()
	return h.Run(cmd.Context())
}

func runValidate(cmd *cobra.Command, _ []string) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()

	out := cmd.OutOrStdout()
	rep := h.Report()
	for _, s := range rep.Scripts {
		status := "ok"
		if !s.OK() {
			status = "FAIL"
		}
		fmt.Fprintf(out, "%-4s %s\n", status, s.Path)
		if s.Err != nil {
			fmt.Fprintf(out, "     load: %v\n", s.Err)
		}
		for _, t := range s.SetupFailed {
			fmt.Fprintf(out, "     setup failed: %s\n", t)
		}
		for _, e := range s.CronErrors {
			fmt.Fprintf(out, "     %v\n", e)
		}
	}

	if entries := h.Scheduler().Snapshot().Entries; len(entries) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TASK\tCRON\tNEXT (UTC)")
		for _, e := range entries {
			next := "never"
			if !e.Next.IsZero() {
				next = e.Next.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Task, e.Spec, next)
		}
		_ = tw.Flush()
	}

	if err := rep.Err(); err != nil {
		return errors.New("registration failed")
	}
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	raw, err := cmd.Flags().GetString("params")
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}

	var params any
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return fmt.Errorf("--params: %w", err)
		}
		if _, ok := params.(map[string]any); !ok {
			return errors.New("--params must be a JSON object")
		}
	}

	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := h.Execute(ctx, args[0], params)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(res)
}
