// Package history keeps a sqlite journal of batch runs and per-job render
// durations. The queue document only knows the latest status of a batch;
// the journal keeps every run so averages can be reported per command.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/musebatch/internal/clock"
	"github.com/mattjoyce/musebatch/internal/storage"
)

// BatchRun is one execution of a batch.
type BatchRun struct {
	BatchID          string     `json:"batch_id"`
	Command          string     `json:"command"`
	Project          string     `json:"project"`
	Status           string     `json:"status"`
	EstimatedSeconds float64    `json:"estimated_seconds"`
	StartedAt        time.Time  `json:"started_at"`
	ImagesStartedAt  *time.Time `json:"images_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	DurationSeconds  float64    `json:"duration_seconds"`
	JobsSubmitted    int        `json:"jobs_submitted"`
	JobsUnknown      int        `json:"jobs_unknown"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// JobRun is one submitted render job.
type JobRun struct {
	Handle      string     `json:"handle"`
	BatchID     string     `json:"batch_id"`
	Label       string     `json:"label"`
	Outcome     string     `json:"outcome"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// CommandStat aggregates runs of one command.
type CommandStat struct {
	Command         string  `json:"command"`
	Runs            int     `json:"runs"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	AvgBatchSeconds float64 `json:"avg_batch_seconds"`
	JobsMeasured    int     `json:"jobs_measured"`
	AvgJobSeconds   float64 `json:"avg_job_seconds"`
	// EstimateAccuracy is actual over estimated duration of completed runs.
	EstimateAccuracy    float64 `json:"estimate_accuracy"`
	AvgEstimatedSeconds float64 `json:"avg_estimated_seconds"`
}

type Journal struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating if needed) the journal database at path.
func Open(ctx context.Context, path string, clk clock.Clock) (*Journal, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db, clk), nil
}

func New(db *sql.DB, clk clock.Clock) *Journal {
	return &Journal{db: db, clock: clock.OrReal(clk)}
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) now() time.Time { return j.clock.Now().UTC() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RecordBatchStart inserts (or restarts) the run row for a batch entering
// the text phase.
func (j *Journal) RecordBatchStart(ctx context.Context, run BatchRun) error {
	if run.BatchID == "" {
		return fmt.Errorf("batch id is empty")
	}
	started := run.StartedAt
	if started.IsZero() {
		started = j.now()
	}
	if run.Status == "" {
		run.Status = "processing_llm"
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO batch_runs(batch_id, command, project, status, estimated_seconds, started_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(batch_id) DO UPDATE SET
  status = excluded.status,
  estimated_seconds = excluded.estimated_seconds,
  started_at = excluded.started_at,
  images_started_at = NULL,
  completed_at = NULL,
  duration_seconds = NULL,
  jobs_submitted = 0,
  jobs_unknown = 0,
  error_message = NULL;
`, run.BatchID, run.Command, run.Project, run.Status, run.EstimatedSeconds, formatTime(started))
	if err != nil {
		return fmt.Errorf("record batch start: %w", err)
	}
	return nil
}

// RecordPhase updates the status of a running batch. Entering the image
// phase stamps images_started_at.
func (j *Journal) RecordPhase(ctx context.Context, batchID, status string) error {
	var err error
	if status == "processing_images" {
		_, err = j.db.ExecContext(ctx,
			`UPDATE batch_runs SET status = ?, images_started_at = ? WHERE batch_id = ?;`,
			status, formatTime(j.now()), batchID)
	} else {
		_, err = j.db.ExecContext(ctx,
			`UPDATE batch_runs SET status = ? WHERE batch_id = ?;`, status, batchID)
	}
	if err != nil {
		return fmt.Errorf("record phase: %w", err)
	}
	return nil
}

// RecordJob upserts a job row. Duration is derived from the two timestamps.
func (j *Journal) RecordJob(ctx context.Context, job JobRun) error {
	if job.Handle == "" {
		return fmt.Errorf("job handle is empty")
	}
	var finished sql.NullString
	var duration sql.NullFloat64
	if job.FinishedAt != nil {
		finished = sql.NullString{String: formatTime(*job.FinishedAt), Valid: true}
		duration = sql.NullFloat64{Float64: job.FinishedAt.Sub(job.SubmittedAt).Seconds(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO job_runs(handle, batch_id, label, outcome, submitted_at, finished_at, duration_seconds)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(handle) DO UPDATE SET
  outcome = excluded.outcome,
  finished_at = excluded.finished_at,
  duration_seconds = excluded.duration_seconds;
`, job.Handle, job.BatchID, job.Label, job.Outcome, formatTime(job.SubmittedAt), finished, duration)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// RecordBatchEnd closes the run row with its terminal status.
func (j *Journal) RecordBatchEnd(ctx context.Context, batchID, status string, jobsSubmitted, jobsUnknown int, errMsg string) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var startedRaw string
	err = tx.QueryRowContext(ctx, `SELECT started_at FROM batch_runs WHERE batch_id = ?;`, batchID).Scan(&startedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record batch end: no run for %s", batchID)
	}
	if err != nil {
		return fmt.Errorf("read batch run: %w", err)
	}
	started, err := time.Parse(time.RFC3339Nano, startedRaw)
	if err != nil {
		return fmt.Errorf("parse started_at: %w", err)
	}

	now := j.now()
	var msg sql.NullString
	if errMsg != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
UPDATE batch_runs SET
  status = ?,
  completed_at = ?,
  duration_seconds = ?,
  jobs_submitted = ?,
  jobs_unknown = ?,
  error_message = ?
WHERE batch_id = ?;
`, status, formatTime(now), now.Sub(started).Seconds(), jobsSubmitted, jobsUnknown, msg, batchID)
	if err != nil {
		return fmt.Errorf("record batch end: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Recent returns the newest runs first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]BatchRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT batch_id, command, project, status, estimated_seconds, started_at,
       images_started_at, completed_at, duration_seconds, jobs_submitted, jobs_unknown, error_message
FROM batch_runs
ORDER BY started_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query batch runs: %w", err)
	}
	defer rows.Close()

	var out []BatchRun
	for rows.Next() {
		var (
			r                     BatchRun
			started               string
			imagesAt, completedAt sql.NullString
			duration              sql.NullFloat64
			errMsg                sql.NullString
		)
		if err := rows.Scan(&r.BatchID, &r.Command, &r.Project, &r.Status, &r.EstimatedSeconds, &started,
			&imagesAt, &completedAt, &duration, &r.JobsSubmitted, &r.JobsUnknown, &errMsg); err != nil {
			return nil, fmt.Errorf("scan batch run: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if r.ImagesStartedAt, err = parseTime(imagesAt); err != nil {
			return nil, fmt.Errorf("parse images_started_at: %w", err)
		}
		if r.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		r.DurationSeconds = duration.Float64
		r.ErrorMessage = errMsg.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch runs: %w", err)
	}
	return out, nil
}

// CommandStats aggregates finished runs per command. Job averages only count
// jobs the engine reported as completed.
func (j *Journal) CommandStats(ctx context.Context) ([]CommandStat, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT command,
       COUNT(*),
       SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
       AVG(CASE WHEN status = 'completed' THEN duration_seconds END),
       AVG(CASE WHEN status = 'completed' THEN estimated_seconds END)
FROM batch_runs
GROUP BY command
ORDER BY command;
`)
	if err != nil {
		return nil, fmt.Errorf("query command stats: %w", err)
	}
	defer rows.Close()

	var out []CommandStat
	index := map[string]int{}
	for rows.Next() {
		var (
			s           CommandStat
			avg, avgEst sql.NullFloat64
		)
		if err := rows.Scan(&s.Command, &s.Runs, &s.Completed, &s.Failed, &avg, &avgEst); err != nil {
			return nil, fmt.Errorf("scan command stats: %w", err)
		}
		s.AvgBatchSeconds = avg.Float64
		s.AvgEstimatedSeconds = avgEst.Float64
		if avg.Valid && avgEst.Valid && avgEst.Float64 > 0 {
			s.EstimateAccuracy = avg.Float64 / avgEst.Float64
		}
		index[s.Command] = len(out)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate command stats: %w", err)
	}

	jobRows, err := j.db.QueryContext(ctx, `
SELECT b.command, COUNT(jr.handle), AVG(jr.duration_seconds)
FROM job_runs jr
JOIN batch_runs b ON b.batch_id = jr.batch_id
WHERE jr.outcome = 'completed' AND jr.duration_seconds IS NOT NULL
GROUP BY b.command;
`)
	if err != nil {
		return nil, fmt.Errorf("query job stats: %w", err)
	}
	defer jobRows.Close()
	for jobRows.Next() {
		var (
			command string
			n       int
			avg     sql.NullFloat64
		)
		if err := jobRows.Scan(&command, &n, &avg); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		if i, ok := index[command]; ok {
			out[i].JobsMeasured = n
			out[i].AvgJobSeconds = avg.Float64
		}
	}
	if err := jobRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job stats: %w", err)
	}
	return out, nil
}
