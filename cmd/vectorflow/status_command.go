package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"vectorflow/internal/api"
	"vectorflow/internal/job"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue, and engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return wrapClientError(err)
			}
			if jsonOut {
				return writeJSON(cmd, status)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(status, shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func renderStatus(status api.StatusResponse, colorize bool) string {
	var lines []string
	lines = append(lines, renderSectionHeader("Daemon", colorize)...)
	if status.Running {
		lines = append(lines, renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d)", status.PID), colorize))
	} else {
		lines = append(lines, renderStatusLine("Daemon", statusWarn, "not running", colorize))
	}
	lines = append(lines, renderStatusLine("Lock", statusInfo, status.LockPath, colorize))
	lines = append(lines, renderStatusLine("Events", statusInfo, fmt.Sprintf("%d published", status.LastEvent), colorize))
	if status.HistoryPath != "" {
		lines = append(lines, renderStatusLine("History", statusInfo, status.HistoryPath, colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Stages", colorize)...)
	if len(status.StageHealth) == 0 {
		lines = append(lines, renderStatusLine("Stages", statusWarn, "none configured", colorize))
	}
	for _, health := range status.StageHealth {
		kind, message := statusOK, "ready"
		if !health.Ready {
			kind, message = statusError, health.Detail
		}
		lines = append(lines, renderStatusLine(health.Name, kind, message, colorize))
	}

	m := status.Metrics
	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Totals", colorize)...)
	lines = append(lines,
		renderStatusLine("Succeeded", statusInfo, strconv.FormatInt(m.Succeeded, 10), colorize),
		renderStatusLine("Failed", statusInfo, strconv.FormatInt(m.Failed, 10), colorize),
		renderStatusLine("Cancelled", statusInfo, strconv.FormatInt(m.Cancelled, 10), colorize),
		renderStatusLine("Retries", statusInfo, strconv.FormatInt(m.Retries, 10), colorize),
		renderStatusLine("Compute fallbacks", statusInfo, strconv.FormatInt(m.FallbackEngagements, 10), colorize),
	)
	if len(m.Transport) > 0 {
		parts := make([]string, 0, len(m.Transport))
		for _, backend := range []string{"primary", "fallback"} {
			if n, ok := m.Transport[backend]; ok {
				parts = append(parts, fmt.Sprintf("%s=%d", backend, n))
			}
		}
		lines = append(lines, renderStatusLine("Transport", statusInfo, strings.Join(parts, " "), colorize))
	}

	var b strings.Builder
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")

	q := status.Queue
	queueRows := make([][]string, 0, len(job.Priorities)+4)
	for _, priority := range job.Priorities {
		queueRows = append(queueRows, []string{"queued/" + string(priority), strconv.Itoa(q.Depths[priority])})
	}
	queueRows = append(queueRows,
		[]string{"running", strconv.Itoa(q.Running)},
		[]string{"completed", strconv.Itoa(q.Completed)},
		[]string{"failed", strconv.Itoa(q.Failed)},
		[]string{"cancelled", strconv.Itoa(q.Cancelled)},
	)
	b.WriteString(renderTable([]string{"Queue", "Count"}, queueRows, []columnAlignment{alignLeft, alignRight}))

	if len(status.Engines) > 0 {
		rows := make([][]string, 0, len(status.Engines))
		for _, engine := range status.Engines {
			rows = append(rows, []string{engine.Engine, string(engine.State), engine.JobID, engine.Stage})
		}
		b.WriteString(renderTable([]string{"Engine", "State", "Job", "Stage"}, rows, nil))
	}
	return b.String()
}
