package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vectorflow/internal/events"
	"vectorflow/internal/logging"
	"vectorflow/internal/logs"
	"vectorflow/internal/logstream"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the daemon log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Paths.DataDir, logging.LogFileName)
			out := cmd.OutOrStdout()
			query := logs.TailOptions{Offset: -1, Limit: lines}
			for {
				result, err := logs.Tail(cmd.Context(), path, query)
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				for _, line := range result.Lines {
					fmt.Fprintln(out, line)
				}
				if !follow {
					return nil
				}
				query = logs.TailOptions{Offset: result.Offset, Follow: true, Wait: time.Second}
			}
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	return cmd
}

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var jobID string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print job lifecycle events from the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			printed, err := logstream.Stream(cmd.Context(), client, logstream.Options{
				Lines:   lines,
				Follow:  follow,
				JobID:   strings.TrimSpace(jobID),
				LogPath: filepath.Join(cfg.Paths.DataDir, logging.LogFileName),
			}, func(evt events.Event) {
				fmt.Fprintln(out, formatEvent(evt, colorize))
			}, func(line string) {
				fmt.Fprintln(out, line)
			})
			if err != nil {
				return wrapClientError(err)
			}
			if !printed && !follow {
				fmt.Fprintln(out, "No events")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of recent events to print (0 for all buffered)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new events")
	cmd.Flags().StringVar(&jobID, "job", "", "Only show events for this job")
	return cmd
}

func formatEvent(evt events.Event, colorize bool) string {
	parts := []string{
		evt.Timestamp.Local().Format("15:04:05.000"),
		fmt.Sprintf("%-18s", evt.Type),
		evt.JobID,
	}
	if evt.Stage != "" {
		parts = append(parts, "stage="+evt.Stage)
	}
	if evt.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", evt.Attempt))
	}
	if evt.Backend != "" {
		parts = append(parts, "backend="+evt.Backend)
	}
	if evt.Progress > 0 && evt.Type == events.StageProgress {
		parts = append(parts, fmt.Sprintf("progress=%.0f%%", evt.Progress))
	}
	if evt.Message != "" {
		parts = append(parts, evt.Message)
	}
	line := strings.Join(parts, " ")
	if !colorize {
		return line
	}
	switch evt.Type {
	case events.JobSucceeded:
		return statusPalette[statusOK].colors.Sprint(line)
	case events.JobFailed:
		return statusPalette[statusError].colors.Sprint(line)
	case events.JobRetrying, events.JobCancelled, events.TransportFallback, events.ComputeFallback:
		return statusPalette[statusWarn].colors.Sprint(line)
	default:
		return line
	}
}
