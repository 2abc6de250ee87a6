package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SettingsSchema is the DDL for the dotted-key settings table.
const SettingsSchema = `
CREATE TABLE IF NOT EXISTS global_settings (
    key        TEXT PRIMARY KEY,
    value      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Settings is the raw key/value settings repository. The read-through cache
// with dotted navigation and defaults lives in internal/settings; this type
// only moves JSON blobs in and out of the table.
type Settings struct {
	db DB
}

// NewSettings creates the settings repository. Call Migrate before first use.
func NewSettings(db DB) *Settings {
	return &Settings{db: db}
}

// Migrate applies [SettingsSchema].
func (s *Settings) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, SettingsSchema); err != nil {
		return fmt.Errorf("store: migrate settings: %w", err)
	}
	return nil
}

// Get returns the raw JSON value stored under key, or [ErrNotFound].
func (s *Settings) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM global_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get setting %q: %w", key, err)
	}
	return value, nil
}

// Set upserts the raw JSON value under key.
func (s *Settings) Set(ctx context.Context, key string, value []byte) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx, `
			INSERT INTO global_settings (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			key, value)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: set setting %q: %w", key, err)
	}
	return nil
}
