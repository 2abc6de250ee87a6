package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voxweave/voxweave/internal/job"
)

// JobsSchema is the DDL for the jobs table. The work-item list lives in the
// segment_ids JSONB column as one ordered blob per job; writers
// read-modify-write it under the row lock so claim and progress stay atomic.
const JobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                 TEXT PRIMARY KEY,
    kind               TEXT NOT NULL,
    chapter_id         TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'pending',
    engine_id          TEXT NOT NULL DEFAULT '',
    model_name         TEXT NOT NULL DEFAULT '',
    segment_ids        JSONB NOT NULL DEFAULT '[]',
    total_segments     INTEGER NOT NULL DEFAULT 0,
    processed_segments INTEGER NOT NULL DEFAULT 0,
    failed_segments    INTEGER NOT NULL DEFAULT 0,
    current_segment_id TEXT NOT NULL DEFAULT '',
    trigger_source     TEXT NOT NULL DEFAULT 'user',
    error_message      TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at         TIMESTAMPTZ,
    completed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_kind_status_created ON jobs(kind, status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_chapter ON jobs(chapter_id);
`

// ErrNothingToResume is returned by Resume when the job has no pending
// work-items left; resuming it would be silent success otherwise.
var ErrNothingToResume = errors.New("store: job has no pending work-items to resume")

// ErrNotResumable is returned by Resume when the job is not cancelled.
var ErrNotResumable = errors.New("store: only cancelled jobs can be resumed")

// interruptedRestartMsg marks jobs that were running when the process died.
const interruptedRestartMsg = "interrupted restart"

// JobFilter narrows List results. Zero values mean "no filter".
type JobFilter struct {
	Kind      job.Kind
	Status    job.Status
	ChapterID string
	Limit     int
	Offset    int
}

// Jobs is the durable job queue.
type Jobs struct {
	db DB
}

// NewJobs creates the job repository. Call [Jobs.Migrate] before first use.
func NewJobs(db DB) *Jobs {
	return &Jobs{db: db}
}

// Migrate applies [JobsSchema].
func (s *Jobs) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, JobsSchema); err != nil {
		return fmt.Errorf("store: migrate jobs: %w", err)
	}
	return nil
}

// Create inserts one pending job whose work-items are all pending and whose
// total_segments is frozen at len(segmentIDs) for the life of the job.
func (s *Jobs) Create(ctx context.Context, kind job.Kind, chapterID, engineID, modelName string, segmentIDs []string, trigger job.Trigger) (*job.Job, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("store: invalid job kind %q", kind)
	}
	if len(segmentIDs) == 0 {
		return nil, errors.New("store: job needs at least one segment")
	}
	if trigger == "" {
		trigger = job.TriggerUser
	}

	items := make([]job.WorkItem, len(segmentIDs))
	for i, id := range segmentIDs {
		items[i] = job.WorkItem{SegmentID: id, Status: job.ItemPending}
	}
	blob, err := encodeItems(items)
	if err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:            uuid.NewString(),
		Kind:          kind,
		ChapterID:     chapterID,
		Status:        job.StatusPending,
		EngineID:      engineID,
		ModelName:     modelName,
		Items:         items,
		TotalSegments: len(segmentIDs),
		Trigger:       trigger,
	}

	const q = `
		INSERT INTO jobs (id, kind, chapter_id, status, engine_id, model_name, segment_ids, total_segments, trigger_source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`
	err = withRetry(ctx, func() error {
		return s.db.QueryRow(ctx, q,
			j.ID, j.Kind, j.ChapterID, j.Status, j.EngineID, j.ModelName, blob, j.TotalSegments, j.Trigger,
		).Scan(&j.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("store: create job: %w", err)
	}
	return j, nil
}

// ClaimNextPending atomically claims the oldest pending job of the given
// kind: it flips the job to running, stamps started_at, and returns it. The
// FOR UPDATE SKIP LOCKED subselect serialises claims against each other, so
// concurrent workers never receive the same job. Returns (nil, nil) when
// the queue is empty.
func (s *Jobs) ClaimNextPending(ctx context.Context, kind job.Kind) (*job.Job, error) {
	const q = `
		UPDATE jobs SET status = 'running', started_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE kind = $1 AND status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var j *job.Job
	err := withRetry(ctx, func() error {
		row := s.db.QueryRow(ctx, q, kind)
		var scanErr error
		j, scanErr = scanJob(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim next pending %s job: %w", kind, err)
	}
	return j, nil
}

// Get loads one job by ID.
func (s *Jobs) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job %q: %w", id, err)
	}
	return j, nil
}

// List returns jobs matching the filter, newest first.
func (s *Jobs) List(ctx context.Context, f JobFilter) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Kind != "" {
		q += ` AND kind = ` + arg(f.Kind)
	}
	if f.Status != "" {
		q += ` AND status = ` + arg(f.Status)
	}
	if f.ChapterID != "" {
		q += ` AND chapter_id = ` + arg(f.ChapterID)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list jobs: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkSegmentCompleted flips the matching work-item to completed and bumps
// processed_segments, all inside the job row's lock. A segment missing from
// the work-item list is logged as a warning, not an error — historical jobs
// can reference segments that were since re-split.
func (s *Jobs) MarkSegmentCompleted(ctx context.Context, jobID, segmentID string) error {
	err := withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			items, err := lockItems(ctx, tx, jobID)
			if err != nil {
				return err
			}
			found := false
			for i := range items {
				if items[i].SegmentID == segmentID && items[i].Status == job.ItemPending {
					items[i].Status = job.ItemCompleted
					found = true
					break
				}
			}
			if !found {
				slog.Warn("segment not in job work-items, skipping bookkeeping",
					"job_id", jobID, "segment_id", segmentID)
				return nil
			}
			blob, err := encodeItems(items)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`UPDATE jobs SET segment_ids = $2, processed_segments = processed_segments + 1 WHERE id = $1`,
				jobID, blob)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("store: mark segment %q completed in job %q: %w", segmentID, jobID, err)
	}
	return nil
}

// MarkSegmentFailed flips the matching work-item to completed (it has been
// dealt with) and bumps failed_segments instead of processed_segments.
func (s *Jobs) MarkSegmentFailed(ctx context.Context, jobID, segmentID string) error {
	err := withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			items, err := lockItems(ctx, tx, jobID)
			if err != nil {
				return err
			}
			for i := range items {
				if items[i].SegmentID == segmentID && items[i].Status == job.ItemPending {
					items[i].Status = job.ItemCompleted
					break
				}
			}
			blob, err := encodeItems(items)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`UPDATE jobs SET segment_ids = $2, failed_segments = failed_segments + 1 WHERE id = $1`,
				jobID, blob)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("store: mark segment %q failed in job %q: %w", segmentID, jobID, err)
	}
	return nil
}

// UpdateProgress applies the non-nil partial updates. Contention is retried
// with backoff like every other write.
func (s *Jobs) UpdateProgress(ctx context.Context, jobID string, processed, failed *int, currentSegmentID *string) error {
	q := `UPDATE jobs SET id = id`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if processed != nil {
		q += `, processed_segments = ` + arg(*processed)
	}
	if failed != nil {
		q += `, failed_segments = ` + arg(*failed)
	}
	if currentSegmentID != nil {
		q += `, current_segment_id = ` + arg(*currentSegmentID)
	}
	q += ` WHERE id = ` + arg(jobID)

	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx, q, args...)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: update progress for job %q: %w", jobID, err)
	}
	return nil
}

// RequestCancellation flips a running job to cancelling. Idempotent: jobs
// already cancelling or terminal are left untouched.
func (s *Jobs) RequestCancellation(ctx context.Context, jobID string) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx,
			`UPDATE jobs SET status = 'cancelling' WHERE id = $1 AND status = 'running'`, jobID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: request cancellation of job %q: %w", jobID, err)
	}
	return nil
}

// Cancel moves a pending job straight to cancelled. Only legal from
// pending; a running job must go through RequestCancellation instead.
func (s *Jobs) Cancel(ctx context.Context, jobID string) error {
	var tag string
	err := withRetry(ctx, func() error {
		return s.db.QueryRow(ctx,
			`UPDATE jobs SET status = 'cancelled', completed_at = now()
			 WHERE id = $1 AND status = 'pending' RETURNING status`, jobID).Scan(&tag)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("store: job %q is not pending", jobID)
	}
	if err != nil {
		return fmt.Errorf("store: cancel job %q: %w", jobID, err)
	}
	return nil
}

// MarkCompleted finishes a job successfully.
func (s *Jobs) MarkCompleted(ctx context.Context, jobID string) error {
	return s.terminal(ctx, jobID, job.StatusCompleted, "")
}

// MarkFailed finishes a job with an error message.
func (s *Jobs) MarkFailed(ctx context.Context, jobID, msg string) error {
	return s.terminal(ctx, jobID, job.StatusFailed, msg)
}

// MarkCancelled finishes a cancelling job.
func (s *Jobs) MarkCancelled(ctx context.Context, jobID string) error {
	return s.terminal(ctx, jobID, job.StatusCancelled, "")
}

func (s *Jobs) terminal(ctx context.Context, jobID string, status job.Status, msg string) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx,
			`UPDATE jobs SET status = $2, error_message = $3, completed_at = now(), current_segment_id = '' WHERE id = $1`,
			jobID, status, msg)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: mark job %q %s: %w", jobID, status, err)
	}
	return nil
}

// Resume re-queues a cancelled job. The work-item list is filtered down to
// the still-pending items, the status returns to pending, and the error is
// cleared; total_segments keeps its original value so progress displays
// stay stable. Fails with [ErrNotResumable] for non-cancelled jobs and
// [ErrNothingToResume] when no pending work-items remain.
func (s *Jobs) Resume(ctx context.Context, jobID string) (*job.Job, error) {
	var resumed *job.Job
	err := withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx,
				`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
			j, err := scanJob(row)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			if j.Status != job.StatusCancelled {
				return ErrNotResumable
			}
			pending := j.PendingItems()
			if len(pending) == 0 {
				return ErrNothingToResume
			}
			blob, err := encodeItems(pending)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				UPDATE jobs SET status = 'pending', segment_ids = $2, error_message = '',
				                completed_at = NULL, current_segment_id = ''
				WHERE id = $1`, jobID, blob)
			if err != nil {
				return err
			}
			j.Status = job.StatusPending
			j.Items = pending
			j.ErrorMessage = ""
			j.CompletedAt = nil
			resumed = j
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotResumable) || errors.Is(err, ErrNothingToResume) {
			return nil, err
		}
		return nil, fmt.Errorf("store: resume job %q: %w", jobID, err)
	}
	return resumed, nil
}

// Delete removes the job row. Callers that also need referenced queued or
// processing segments reset to pending use [Jobs.DeleteWithCleanup].
func (s *Jobs) Delete(ctx context.Context, jobID string) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: delete job %q: %w", jobID, err)
	}
	return nil
}

// DeleteWithCleanup deletes the job and, in the same transaction, resets
// its referenced segments that are still queued or processing back to
// pending.
func (s *Jobs) DeleteWithCleanup(ctx context.Context, jobID string) error {
	err := withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			items, err := lockItems(ctx, tx, jobID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil // already gone
				}
				return err
			}
			if err := resetSegments(ctx, tx, segmentIDsOf(items)); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("store: delete job %q with cleanup: %w", jobID, err)
	}
	return nil
}

// ResetStuck is called unconditionally at boot: every job still marked
// running belonged to a previous process, so it is failed with the
// "interrupted restart" reason and its queued/processing segments return to
// pending. Returns the IDs of the jobs it repaired.
func (s *Jobs) ResetStuck(ctx context.Context) ([]string, error) {
	var repaired []string
	err := withRetry(ctx, func() error {
		repaired = repaired[:0]
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
				UPDATE jobs SET status = 'failed', error_message = $1, completed_at = now(), current_segment_id = ''
				WHERE status = 'running' OR status = 'cancelling'
				RETURNING id, segment_ids`, interruptedRestartMsg)
			if err != nil {
				return err
			}
			type stuck struct {
				id    string
				items []job.WorkItem
			}
			var all []stuck
			for rows.Next() {
				var id string
				var blob []byte
				if err := rows.Scan(&id, &blob); err != nil {
					rows.Close()
					return err
				}
				items, err := decodeItems(blob)
				if err != nil {
					rows.Close()
					return err
				}
				all = append(all, stuck{id: id, items: items})
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			for _, st := range all {
				if err := resetSegments(ctx, tx, segmentIDsOf(st.items)); err != nil {
					return err
				}
				repaired = append(repaired, st.id)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: reset stuck jobs: %w", err)
	}
	return repaired, nil
}

// ---- work-item blob plumbing ----

const jobColumns = `id, kind, chapter_id, status, engine_id, model_name, segment_ids,
	total_segments, processed_segments, failed_segments, current_segment_id,
	trigger_source, error_message, created_at, started_at, completed_at`

// workItemJSON tolerates both the current camelCase encoding and the legacy
// snake_case one on read; writes are always camelCase.
type workItemJSON struct {
	ID          string `json:"id"`
	JobStatus   string `json:"jobStatus,omitempty"`
	LegacyState string `json:"job_status,omitempty"`
}

func encodeItems(items []job.WorkItem) ([]byte, error) {
	out := make([]workItemJSON, len(items))
	for i, it := range items {
		out[i] = workItemJSON{ID: it.SegmentID, JobStatus: string(it.Status)}
	}
	blob, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("store: encode work-items: %w", err)
	}
	return blob, nil
}

func decodeItems(blob []byte) ([]job.WorkItem, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var raw []workItemJSON
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("store: decode work-items: %w", err)
	}
	items := make([]job.WorkItem, len(raw))
	for i, r := range raw {
		status := r.JobStatus
		if status == "" {
			status = r.LegacyState
		}
		if status == "" {
			status = string(job.ItemPending)
		}
		items[i] = job.WorkItem{SegmentID: r.ID, Status: job.ItemStatus(status)}
	}
	return items, nil
}

// lockItems selects the job's work-item blob FOR UPDATE and decodes it.
func lockItems(ctx context.Context, tx pgx.Tx, jobID string) ([]job.WorkItem, error) {
	var blob []byte
	if err := tx.QueryRow(ctx,
		`SELECT segment_ids FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&blob); err != nil {
		return nil, err
	}
	return decodeItems(blob)
}

func segmentIDsOf(items []job.WorkItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.SegmentID
	}
	return ids
}

// resetSegments flips the given segments back to pending where they are
// still queued or processing.
func resetSegments(ctx context.Context, tx pgx.Tx, segmentIDs []string) error {
	if len(segmentIDs) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE segments SET status = 'pending', updated_at = now()
		WHERE id = ANY($1) AND status IN ('queued', 'processing')`, segmentIDs)
	return err
}

// scanJob reads one job row in jobColumns order.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		blob      []byte
		startedAt *time.Time
		doneAt    *time.Time
	)
	err := row.Scan(
		&j.ID, &j.Kind, &j.ChapterID, &j.Status, &j.EngineID, &j.ModelName, &blob,
		&j.TotalSegments, &j.ProcessedSegments, &j.FailedSegments, &j.CurrentSegmentID,
		&j.Trigger, &j.ErrorMessage, &j.CreatedAt, &startedAt, &doneAt,
	)
	if err != nil {
		return nil, err
	}
	j.StartedAt = startedAt
	j.CompletedAt = doneAt
	j.Items, err = decodeItems(blob)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
