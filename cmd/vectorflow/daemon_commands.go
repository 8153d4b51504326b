package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vectorflow/internal/daemonctl"
)

const (
	startWaitTimeout = 15 * time.Second
	stopGracePeriod  = 30 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newStartCommand(ctx),
		newStopCommand(ctx),
		newRestartCommand(ctx),
	}
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := startDaemon(ctx, cmd, logLevel)
			if err != nil {
				return err
			}
			if result.State == daemonctl.StartStateAlreadyRunning {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon already running (pid %d)\n", result.PID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (pid %d)\n", result.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for the daemon")
	return cmd
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := stopDaemon(ctx, cmd)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon (pid %d) did not exit in %s and was killed\n", result.PID, stopGracePeriod)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}
}

func newRestartCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := stopDaemon(ctx, cmd); err != nil && !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				return err
			}
			result, err := startDaemon(ctx, cmd, logLevel)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon restarted (pid %d)\n", result.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for the daemon")
	return cmd
}

func startDaemon(ctx *commandContext, cmd *cobra.Command, logLevel string) (daemonctl.StartResult, error) {
	client, err := ctx.client()
	if err != nil {
		return daemonctl.StartResult{}, err
	}
	exe, err := os.Executable()
	if err != nil {
		return daemonctl.StartResult{}, fmt.Errorf("resolve executable: %w", err)
	}
	opts := daemonctl.LaunchOptions{LogLevel: logLevel}
	if ctx.configFlag != nil {
		opts.ConfigPath = strings.TrimSpace(*ctx.configFlag)
	}
	return daemonctl.EnsureStarted(cmd.Context(), client, exe, opts, startWaitTimeout)
}

func stopDaemon(ctx *commandContext, cmd *cobra.Command) (daemonctl.StopResult, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return daemonctl.StopResult{}, err
	}
	client, err := ctx.client()
	if err != nil {
		return daemonctl.StopResult{}, err
	}
	return daemonctl.Stop(cmd.Context(), client, cfg.PIDPath(), stopGracePeriod)
}
