package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, source_path, trim_start, trim_end, duration_seconds, target_size_bytes,
    video_bitrate_kbps, audio_bitrate_kbps, passes, state, attempt, output_path,
    progress_fraction, progress_elapsed_ms, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		state     string
		output    sql.NullString
		errMsg    sql.NullString
		elapsedMS int64
		createdAt string
		updatedAt string
	)
	if err := row.Scan(
		&job.ID,
		&job.SourcePath,
		&job.TrimStart,
		&job.TrimEnd,
		&job.DurationSeconds,
		&job.TargetSizeBytes,
		&job.VideoBitrateKbps,
		&job.AudioBitrateKbps,
		&job.Passes,
		&state,
		&job.Attempt,
		&output,
		&job.ProgressFraction,
		&elapsedMS,
		&errMsg,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	parsed, ok := ParseState(state)
	if !ok {
		return nil, fmt.Errorf("unknown job state %q", state)
	}
	job.State = parsed
	job.OutputPath = output.String
	job.ErrorMessage = errMsg.String
	job.ProgressElapsed = time.Duration(elapsedMS) * time.Millisecond
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &job, nil
}

// Insert persists a freshly created job and fills in its identifier and
// timestamps. New jobs always start Pending with zero attempts.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            source_path, trim_start, trim_end, duration_seconds, target_size_bytes,
            video_bitrate_kbps, audio_bitrate_kbps, passes, state, attempt,
            output_path, progress_fraction, progress_elapsed_ms, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, 0, ?, ?)`,
		job.SourcePath,
		job.TrimStart,
		job.TrimEnd,
		job.DurationSeconds,
		job.TargetSizeBytes,
		job.VideoBitrateKbps,
		job.AudioBitrateKbps,
		job.Passes,
		StatePending,
		nullableString(job.OutputPath),
		timestamp,
		timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	job.ID = id
	job.State = StatePending
	job.Attempt = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// GetByID fetches a job by identifier. Returns nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update persists changes to an existing job.
func (s *Store) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE jobs
         SET source_path = ?, trim_start = ?, trim_end = ?, duration_seconds = ?,
             target_size_bytes = ?, video_bitrate_kbps = ?, audio_bitrate_kbps = ?,
             passes = ?, state = ?, attempt = ?, output_path = ?,
             progress_fraction = ?, progress_elapsed_ms = ?, error_message = ?, updated_at = ?
         WHERE id = ?`,
		job.SourcePath,
		job.TrimStart,
		job.TrimEnd,
		job.DurationSeconds,
		job.TargetSizeBytes,
		job.VideoBitrateKbps,
		job.AudioBitrateKbps,
		job.Passes,
		job.State,
		job.Attempt,
		nullableString(job.OutputPath),
		job.ProgressFraction,
		job.ProgressElapsed.Milliseconds(),
		nullableString(job.ErrorMessage),
		job.UpdatedAt.Format(time.RFC3339Nano),
		job.ID,
	); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// NextPending returns the oldest pending job, or nil when the backlog is
// empty. Submission order governs pickup order.
func (s *Store) NextPending(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY id LIMIT 1`,
		StatePending,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending job: %w", err)
	}
	return job, nil
}

// List returns jobs filtered by state (or all jobs when no state is given),
// in submission order.
func (s *Store) List(ctx context.Context, states ...State) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (`
		for i, state := range states {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, state)
		}
		query += `)`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CancelPending marks every pending job cancelled. Used when the run drains.
func (s *Store) CancelPending(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET state = ?, error_message = NULL, updated_at = ? WHERE state = ?`,
		StateCancelled,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatePending,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs: %w", err)
	}
	return res.RowsAffected()
}

// Summary holds per-state job counts for the run.
type Summary struct {
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Cancelled int
}

// Summarize returns per-state counts.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize jobs: %w", err)
	}
	defer rows.Close()

	var summary Summary
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return Summary{}, err
		}
		summary.Total += count
		switch State(state) {
		case StatePending:
			summary.Pending = count
		case StateRunning:
			summary.Running = count
		case StateSucceeded:
			summary.Succeeded = count
		case StateFailed:
			summary.Failed = count
		case StateCancelled:
			summary.Cancelled = count
		}
	}
	return summary, rows.Err()
}
