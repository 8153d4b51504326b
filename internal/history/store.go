package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vectorflow/internal/job"
)

const jobColumns = "job_json"

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Filter narrows List results.
type Filter struct {
	States  []job.State
	OwnerID string
	Limit   int
}

// Record upserts a terminal job.
func (s *Store) Record(ctx context.Context, j *job.Job) error {
	if j == nil {
		return errors.New("job is nil")
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	var errKind, errStage, errMessage string
	if j.Error != nil {
		errKind, errStage, errMessage = string(j.Error.Kind), j.Error.Stage, j.Error.Message
	}
	_, err = s.execWithRetry(ctx,
		`INSERT INTO jobs (
            id, kind, priority, state, attempt, max_attempts, transport, fallback_engaged,
            retry_of, source, owner_id, error_kind, error_stage, error_message,
            created_at, started_at, completed_at, job_json
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            state = excluded.state, attempt = excluded.attempt, transport = excluded.transport,
            fallback_engaged = excluded.fallback_engaged, error_kind = excluded.error_kind,
            error_stage = excluded.error_stage, error_message = excluded.error_message,
            started_at = excluded.started_at, completed_at = excluded.completed_at,
            job_json = excluded.job_json`,
		j.ID,
		j.Kind,
		j.Priority,
		j.State,
		j.Attempt,
		j.MaxAttempts,
		nullableString(j.Transport),
		boolToInt(j.FallbackEngaged),
		nullableString(j.RetryOf),
		nullableString(j.Payload.Source),
		nullableString(j.Payload.Metadata.OwnerID),
		nullableString(errKind),
		nullableString(errStage),
		nullableString(errMessage),
		j.CreatedAt.UTC().Format(timeLayout),
		nullableTime(j.StartedAt),
		nullableTime(j.CompletedAt),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", j.ID, err)
	}
	return nil
}

// Get fetches a recorded job. It returns nil without error when absent.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns recorded jobs, most recently completed first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*job.Job, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.States) > 0 {
		clauses = append(clauses, `state IN (`+makePlaceholders(len(filter.States))+`)`)
		for _, state := range filter.States {
			args = append(args, state)
		}
	}
	if owner := strings.TrimSpace(filter.OwnerID); owner != "" {
		clauses = append(clauses, `owner_id = ?`)
		args = append(args, owner)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY completed_at DESC, created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Stats counts recorded jobs per state.
func (s *Store) Stats(ctx context.Context) (map[job.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("history stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[job.State]int)
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[job.State(state)] = count
	}
	return stats, rows.Err()
}

// Prune deletes jobs completed before cutoff and reports how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM jobs WHERE completed_at IS NOT NULL AND completed_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// CheckHealth pings the database and runs SQLite's quick integrity check.
func (s *Store) CheckHealth(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("history database connection unavailable")
	}
	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(connCtx); err != nil {
		return fmt.Errorf("ping history database: %w", err)
	}
	var result string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("history integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("history integrity check: %s", result)
	}
	return nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*job.Job, error) {
	var raw string
	if err := scanner.Scan(&raw); err != nil {
		return nil, err
	}
	var j job.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(timeLayout)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}
