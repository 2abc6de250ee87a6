package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voxweave/voxweave/internal/quality"
)

// AnalysisSchema is the DDL for per-segment analysis results. One row per
// segment; re-analysis replaces the row.
const AnalysisSchema = `
CREATE TABLE IF NOT EXISTS segments_analysis (
    segment_id  TEXT PRIMARY KEY,
    score       DOUBLE PRECISION NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'perfect',
    sub_results JSONB NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Analysis persists quality verdicts per segment.
type Analysis struct {
	db DB
}

// NewAnalysis creates the analysis repository. Call Migrate before first use.
func NewAnalysis(db DB) *Analysis {
	return &Analysis{db: db}
}

// Migrate applies [AnalysisSchema].
func (s *Analysis) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, AnalysisSchema); err != nil {
		return fmt.Errorf("store: migrate analysis: %w", err)
	}
	return nil
}

// Upsert stores or replaces the segment's analysis record.
func (s *Analysis) Upsert(ctx context.Context, r *quality.Result) error {
	subs, err := json.Marshal(r.SubResults)
	if err != nil {
		return fmt.Errorf("store: marshal sub-results: %w", err)
	}
	err = withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx, `
			INSERT INTO segments_analysis (segment_id, score, status, sub_results)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (segment_id) DO UPDATE SET
				score = EXCLUDED.score, status = EXCLUDED.status,
				sub_results = EXCLUDED.sub_results, created_at = now()`,
			r.SegmentID, r.Score, r.Status, subs)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: upsert analysis for %q: %w", r.SegmentID, err)
	}
	return nil
}

// Get loads the segment's analysis record, or [ErrNotFound].
func (s *Analysis) Get(ctx context.Context, segmentID string) (*quality.Result, error) {
	var (
		r    quality.Result
		subs []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT segment_id, score, status, sub_results, created_at
		FROM segments_analysis WHERE segment_id = $1`, segmentID).
		Scan(&r.SegmentID, &r.Score, &r.Status, &subs, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get analysis for %q: %w", segmentID, err)
	}
	if len(subs) > 0 {
		if err := json.Unmarshal(subs, &r.SubResults); err != nil {
			return nil, fmt.Errorf("store: decode sub-results: %w", err)
		}
	}
	return &r, nil
}

// Delete removes the segment's analysis record. A frozen segment's record
// is never touched by workers; this is for explicit user resets.
func (s *Analysis) Delete(ctx context.Context, segmentID string) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx, `DELETE FROM segments_analysis WHERE segment_id = $1`, segmentID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: delete analysis for %q: %w", segmentID, err)
	}
	return nil
}
