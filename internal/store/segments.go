package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voxweave/voxweave/internal/job"
)

// SegmentsSchema is the DDL for the segments table.
const SegmentsSchema = `
CREATE TABLE IF NOT EXISTS segments (
    id                  TEXT PRIMARY KEY,
    chapter_id          TEXT NOT NULL,
    position            INTEGER NOT NULL DEFAULT 0,
    text_content        TEXT NOT NULL DEFAULT '',
    kind                TEXT NOT NULL DEFAULT 'standard',
    status              TEXT NOT NULL DEFAULT 'pending',
    audio_ref           TEXT NOT NULL DEFAULT '',
    frozen              BOOLEAN NOT NULL DEFAULT false,
    regenerate_attempts INTEGER NOT NULL DEFAULT 0,
    tts_params          JSONB NOT NULL DEFAULT '{}',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_segments_chapter_position ON segments(chapter_id, position);
CREATE INDEX IF NOT EXISTS idx_segments_status ON segments(status);
`

// Segments persists chapter segments.
type Segments struct {
	db DB
}

// NewSegments creates the segment repository. Call Migrate before first use.
func NewSegments(db DB) *Segments {
	return &Segments{db: db}
}

// Migrate applies [SegmentsSchema].
func (s *Segments) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, SegmentsSchema); err != nil {
		return fmt.Errorf("store: migrate segments: %w", err)
	}
	return nil
}

const segmentColumns = `id, chapter_id, position, text_content, kind, status,
	audio_ref, frozen, regenerate_attempts, tts_params, created_at, updated_at`

// Get loads one segment. Deleted segments return [ErrNotFound]; the worker
// treats that as "skip with bookkeeping", not a failure.
func (s *Segments) Get(ctx context.Context, id string) (*job.Segment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id = $1`, id)
	seg, err := scanSegment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get segment %q: %w", id, err)
	}
	return seg, nil
}

// Upsert inserts or fully replaces a segment row. Used by the ingestion
// edge, and by tests to seed fixtures.
func (s *Segments) Upsert(ctx context.Context, seg *job.Segment) error {
	params, err := json.Marshal(seg.TTS)
	if err != nil {
		return fmt.Errorf("store: marshal tts params: %w", err)
	}
	err = withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx, `
			INSERT INTO segments (id, chapter_id, position, text_content, kind, status, audio_ref, frozen, regenerate_attempts, tts_params)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET
				chapter_id = EXCLUDED.chapter_id, position = EXCLUDED.position,
				text_content = EXCLUDED.text_content, kind = EXCLUDED.kind,
				status = EXCLUDED.status, audio_ref = EXCLUDED.audio_ref,
				frozen = EXCLUDED.frozen, regenerate_attempts = EXCLUDED.regenerate_attempts,
				tts_params = EXCLUDED.tts_params, updated_at = now()`,
			seg.ID, seg.ChapterID, seg.Position, seg.Text, seg.Kind, seg.Status,
			seg.AudioRef, seg.Frozen, seg.RegenerateAttempts, params)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: upsert segment %q: %w", seg.ID, err)
	}
	return nil
}

// SetStatus moves a segment to the given status.
func (s *Segments) SetStatus(ctx context.Context, id string, status job.SegmentStatus) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx,
			`UPDATE segments SET status = $2, updated_at = now() WHERE id = $1`, id, status)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: set segment %q status %s: %w", id, status, err)
	}
	return nil
}

// SetQueued flips the given segments to queued. Called when a job is
// created over them.
func (s *Segments) SetQueued(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx,
			`UPDATE segments SET status = 'queued', updated_at = now() WHERE id = ANY($1)`, ids)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: queue segments: %w", err)
	}
	return nil
}

// ResetToPending flips the given segments back to pending where they are
// still queued or processing. Completed and failed segments are untouched.
func (s *Segments) ResetToPending(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			return resetSegments(ctx, tx, ids)
		})
	})
	if err != nil {
		return fmt.Errorf("store: reset segments to pending: %w", err)
	}
	return nil
}

// CompleteWithAudio stores the produced audio reference and marks the
// segment completed in one statement.
func (s *Segments) CompleteWithAudio(ctx context.Context, id, audioRef string) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx, `
			UPDATE segments SET status = 'completed', audio_ref = $2, updated_at = now()
			WHERE id = $1`, id, audioRef)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: complete segment %q: %w", id, err)
	}
	return nil
}

// IncrementRegenerateAttempts bumps the corrective-synthesis counter and
// returns the new value.
func (s *Segments) IncrementRegenerateAttempts(ctx context.Context, id string) (int, error) {
	var n int
	err := withRetry(ctx, func() error {
		return s.db.QueryRow(ctx, `
			UPDATE segments SET regenerate_attempts = regenerate_attempts + 1, updated_at = now()
			WHERE id = $1 RETURNING regenerate_attempts`, id).Scan(&n)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: increment regenerate attempts of %q: %w", id, err)
	}
	return n, nil
}

// SetFrozen toggles the frozen flag.
func (s *Segments) SetFrozen(ctx context.Context, id string, frozen bool) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx,
			`UPDATE segments SET frozen = $2, updated_at = now() WHERE id = $1`, id, frozen)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: set segment %q frozen=%t: %w", id, frozen, err)
	}
	return nil
}

// Reorder renumbers a chapter's segments to match the given ID order in a
// single transaction, so readers never observe duplicate positions.
func (s *Segments) Reorder(ctx context.Context, chapterID string, orderedIDs []string) error {
	err := withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			for pos, id := range orderedIDs {
				tag, err := tx.Exec(ctx, `
					UPDATE segments SET position = $3, updated_at = now()
					WHERE id = $1 AND chapter_id = $2`, id, chapterID, pos)
				if err != nil {
					return err
				}
				if tag.RowsAffected() == 0 {
					return fmt.Errorf("segment %q not in chapter %q", id, chapterID)
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("store: reorder chapter %q: %w", chapterID, err)
	}
	return nil
}

func scanSegment(row pgx.Row) (*job.Segment, error) {
	var (
		seg    job.Segment
		params []byte
	)
	err := row.Scan(
		&seg.ID, &seg.ChapterID, &seg.Position, &seg.Text, &seg.Kind, &seg.Status,
		&seg.AudioRef, &seg.Frozen, &seg.RegenerateAttempts, &params,
		&seg.CreatedAt, &seg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &seg.TTS); err != nil {
			return nil, fmt.Errorf("decode tts params: %w", err)
		}
	}
	return &seg, nil
}
