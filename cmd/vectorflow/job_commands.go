package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vectorflow/internal/api"
	"vectorflow/internal/job"
	"vectorflow/internal/stages"
)

const waitPollInterval = 250 * time.Millisecond

type submitFlags struct {
	priority    string
	owner       string
	tags        []string
	maxAttempts int
	confidence  float64
}

func (f *submitFlags) register(cmd *cobra.Command, defaultPriority job.Priority) {
	cmd.Flags().StringVarP(&f.priority, "priority", "p", string(defaultPriority), "Queue priority (urgent, high, medium, low)")
	cmd.Flags().StringVar(&f.owner, "owner", "", "Owner recorded in job metadata")
	cmd.Flags().StringSliceVar(&f.tags, "tag", nil, "Tag recorded in job metadata (repeatable)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "Attempt budget (defaults to pipeline.max_attempts)")
	cmd.Flags().Float64Var(&f.confidence, "min-confidence", 0, "Drop embeddings below this confidence")
}

func (f *submitFlags) spec(kind job.Kind, text, source string) (job.Spec, error) {
	priority, ok := job.ParsePriority(f.priority)
	if !ok {
		return job.Spec{}, fmt.Errorf("unknown priority %q", f.priority)
	}
	return job.Spec{
		Kind:        kind,
		Priority:    priority,
		Text:        text,
		Source:      source,
		MaxAttempts: f.maxAttempts,
		Metadata: job.Metadata{
			OwnerID:             strings.TrimSpace(f.owner),
			Tags:                f.tags,
			ConfidenceThreshold: f.confidence,
			Size:                int64(len(text)),
		},
	}, nil
}

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var flags submitFlags
	var wait bool
	var timeout time.Duration
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Chunk, embed, and store documents (use - for stdin)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var submitted []*job.Job
			for _, arg := range args {
				text, source, err := readDocument(cmd.InOrStdin(), arg)
				if err != nil {
					return err
				}
				spec, err := flags.spec(job.KindIngest, text, source)
				if err != nil {
					return err
				}
				created, err := client.Submit(cmd.Context(), spec)
				if err != nil {
					return wrapClientError(err)
				}
				submitted = append(submitted, created)
				if !jsonOut {
					fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (%s, %s)\n", created.ID, source, created.Priority)
				}
			}
			if !wait {
				if jsonOut {
					return writeJSON(cmd, submitted)
				}
				return nil
			}

			waitCtx, cancel := withOptionalTimeout(cmd.Context(), timeout)
			defer cancel()
			var finals []*job.Job
			failed := 0
			for _, created := range submitted {
				final, err := client.WaitFor(waitCtx, created.ID, waitPollInterval)
				if err != nil {
					return wrapClientError(err)
				}
				finals = append(finals, final)
				if final.State != job.StateSucceeded {
					failed++
				}
			}
			if jsonOut {
				if err := writeJSON(cmd, finals); err != nil {
					return err
				}
			} else {
				colorize := shouldColorize(cmd.OutOrStdout())
				for _, final := range finals {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", final.ID, colorizeState(final.State, colorize), jobSummary(final))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs did not succeed", failed, len(finals))
			}
			return nil
		},
	}
	flags.register(cmd, job.PriorityMedium)
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for every job to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var flags submitFlags
	var limit int
	var threshold float64
	var timeout time.Duration
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Embed a query and return the closest stored chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			spec, err := flags.spec(job.KindVectorCompute, strings.Join(args, " "), "")
			if err != nil {
				return err
			}
			spec.Query = &job.Query{Limit: limit, Threshold: threshold}
			created, err := client.Submit(cmd.Context(), spec)
			if err != nil {
				return wrapClientError(err)
			}

			waitCtx, cancel := withOptionalTimeout(cmd.Context(), timeout)
			defer cancel()
			final, err := client.WaitFor(waitCtx, created.ID, waitPollInterval)
			if err != nil {
				return wrapClientError(err)
			}
			if final.State != job.StateSucceeded {
				return fmt.Errorf("search job %s %s: %s", final.ID, final.State, jobSummary(final))
			}
			data, err := searchMatches(final)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, data)
			}
			if len(data.Matches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matches")
				return nil
			}
			rows := make([][]string, 0, len(data.Matches))
			for i, match := range data.Matches {
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					strconv.FormatFloat(match.Score, 'f', 3, 64),
					match.DocumentID,
					strconv.Itoa(match.ChunkIndex),
					match.Content,
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Score", "Document", "Chunk", "Content"},
				rows,
				[]columnAlignment{alignRight, alignRight, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	flags.register(cmd, job.PriorityUrgent)
	cmd.Flags().IntVarP(&limit, "limit", "n", stages.DefaultSearchLimit, "Maximum matches to return")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum similarity score (0-1)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up waiting after this long")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show one job from the queue or history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Job(cmd.Context(), args[0])
			if err != nil {
				return wrapClientError(err)
			}
			if jsonOut {
				return writeJSON(cmd, resp)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderJobDetail(resp, shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return wrapClientError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s (was %s)\n", resp.JobID, resp.Location)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the job")
	return cmd
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Resubmit a failed or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			fresh, err := client.Retry(cmd.Context(), args[0])
			if err != nil {
				return wrapClientError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s as %s\n", args[0], fresh.ID)
			return nil
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var states []string
	var limit int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var filter []job.State
			for _, raw := range states {
				state := job.State(strings.ToLower(strings.TrimSpace(raw)))
				if !state.IsTerminal() {
					return fmt.Errorf("--state must be succeeded, failed, or cancelled (got %q)", raw)
				}
				filter = append(filter, state)
			}
			jobs, err := client.History(cmd.Context(), filter, limit)
			if err != nil {
				return wrapClientError(err)
			}
			if jsonOut {
				return writeJSON(cmd, jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No finished jobs")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{
					j.ID,
					string(j.Kind),
					string(j.State),
					fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts),
					formatTime(j.CompletedAt),
					jobSummary(j),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Kind", "State", "Attempts", "Finished", "Summary"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Filter by terminal state (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum jobs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func readDocument(stdin io.Reader, arg string) (string, string, error) {
	if arg == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), "stdin", nil
	}
	path, err := filepath.Abs(arg)
	if err != nil {
		return "", "", fmt.Errorf("resolve %q: %w", arg, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read %q: %w", arg, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", "", fmt.Errorf("%s is empty", arg)
	}
	return string(data), path, nil
}

func searchMatches(j *job.Job) (stages.SearchData, error) {
	var data stages.SearchData
	result, ok := j.Result(stages.StageSearch)
	if !ok {
		return data, errors.New("search job finished without a search result")
	}
	if err := json.Unmarshal(result.Data, &data); err != nil {
		return data, fmt.Errorf("decode search result: %w", err)
	}
	return data, nil
}

func renderJobDetail(resp api.JobResponse, colorize bool) string {
	j := resp.Job
	if j == nil {
		return ""
	}
	var b strings.Builder
	for _, line := range renderSectionHeader("Job "+j.ID, colorize) {
		b.WriteString(line + "\n")
	}
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "  %-*s %s\n", statusLabelWidth, label+":", value)
		}
	}
	field("Kind", string(j.Kind))
	field("State", colorizeState(j.State, colorize))
	field("Location", resp.Location)
	field("Priority", string(j.Priority))
	field("Stage", j.Stage)
	field("Attempts", fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts))
	if !j.State.IsTerminal() && j.Progress > 0 {
		field("Progress", fmt.Sprintf("%d%%", j.Progress))
	}
	field("Source", j.Payload.Source)
	field("Transport", j.Transport)
	field("Fallback compute", yesNo(j.FallbackEngaged))
	field("Retry of", j.RetryOf)
	field("Created", formatTime(&j.CreatedAt))
	field("Started", formatTime(j.StartedAt))
	field("Finished", formatTime(j.CompletedAt))
	if j.Error != nil {
		field("Error", fmt.Sprintf("%s: %s", j.Error.Kind, j.Error.Message))
	}
	if len(j.StageResults) > 0 {
		rows := make([][]string, 0, len(j.StageResults))
		for _, result := range j.StageResults {
			rows = append(rows, []string{result.Stage, result.Backend, result.Duration.Round(time.Millisecond).String(), result.Summary})
		}
		b.WriteString(renderTable([]string{"Stage", "Backend", "Duration", "Summary"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))
	}
	return b.String()
}

func jobSummary(j *job.Job) string {
	if j.Error != nil {
		if j.Error.Stage != "" {
			return fmt.Sprintf("%s (%s): %s", j.Error.Kind, j.Error.Stage, j.Error.Message)
		}
		return fmt.Sprintf("%s: %s", j.Error.Kind, j.Error.Message)
	}
	if n := len(j.StageResults); n > 0 {
		return j.StageResults[n-1].Summary
	}
	return ""
}

func formatTime(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
