package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voxweave/voxweave/internal/engine"
)

// EnginesSchema is the DDL for engine variants and their models. The
// database owns the enabled/default/keep-warm flags and parameters; the
// manifest-derived columns (constraints, capabilities, launch) are a cache
// refreshed by discovery and invalidated via config_hash.
const EnginesSchema = `
CREATE TABLE IF NOT EXISTS engines (
    variant_id       TEXT PRIMARY KEY,
    base_name        TEXT NOT NULL,
    kind             TEXT NOT NULL,
    host_id          TEXT NOT NULL,
    source           TEXT NOT NULL DEFAULT 'bundled',
    installed        BOOLEAN NOT NULL DEFAULT false,
    enabled          BOOLEAN NOT NULL DEFAULT false,
    is_default       BOOLEAN NOT NULL DEFAULT false,
    keep_warm        BOOLEAN NOT NULL DEFAULT false,
    default_language TEXT NOT NULL DEFAULT '',
    parameters       JSONB NOT NULL DEFAULT '{}',
    languages        JSONB NOT NULL DEFAULT '[]',
    constraints      JSONB NOT NULL DEFAULT '{}',
    capabilities     JSONB NOT NULL DEFAULT '{}',
    launch           JSONB NOT NULL DEFAULT '{}',
    config_hash      TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_engines_kind ON engines(kind);

CREATE TABLE IF NOT EXISTS engine_models (
    variant_id TEXT NOT NULL REFERENCES engines(variant_id) ON DELETE CASCADE,
    model_name TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    languages  JSONB NOT NULL DEFAULT '[]',
    is_default BOOLEAN NOT NULL DEFAULT false,
    PRIMARY KEY (variant_id, model_name)
);
`

// ErrDefaultRequired is returned when disabling the default synthesis
// variant: a TTS default must always exist, so the caller has to promote
// another variant first. Other kinds may be left without a default.
var ErrDefaultRequired = errors.New("store: synthesis kind requires a default engine")

// Engines persists engine variants and their model catalogues.
type Engines struct {
	db DB
}

// NewEngines creates the engine repository. Call Migrate before first use.
func NewEngines(db DB) *Engines {
	return &Engines{db: db}
}

// Migrate applies [EnginesSchema].
func (s *Engines) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, EnginesSchema); err != nil {
		return fmt.Errorf("store: migrate engines: %w", err)
	}
	return nil
}

const engineColumns = `variant_id, base_name, kind, host_id, source, installed, enabled,
	is_default, keep_warm, default_language, parameters, languages, constraints,
	capabilities, launch, config_hash, created_at, updated_at`

// Upsert merges a discovered variant into the database. Manifest-derived
// fields are always refreshed; the user-owned flags (enabled, is_default,
// keep_warm, parameters, default_language) are preserved on conflict.
func (s *Engines) Upsert(ctx context.Context, v *engine.Variant) error {
	params, languages, constraints, capabilities, launch, err := marshalVariantBlobs(v)
	if err != nil {
		return err
	}
	err = withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx, `
			INSERT INTO engines (variant_id, base_name, kind, host_id, source, installed, enabled,
			                     is_default, keep_warm, default_language, parameters, languages,
			                     constraints, capabilities, launch, config_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (variant_id) DO UPDATE SET
				base_name = EXCLUDED.base_name, kind = EXCLUDED.kind, host_id = EXCLUDED.host_id,
				source = EXCLUDED.source, installed = EXCLUDED.installed,
				languages = EXCLUDED.languages, constraints = EXCLUDED.constraints,
				capabilities = EXCLUDED.capabilities, launch = EXCLUDED.launch,
				config_hash = EXCLUDED.config_hash, updated_at = now()`,
			v.ID, v.Base, v.Kind, v.Host, v.Source, v.Installed, v.Enabled,
			v.Default, v.KeepWarm, v.DefaultLanguage, params, languages,
			constraints, capabilities, launch, v.ConfigHash)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: upsert engine %q: %w", v.ID, err)
	}
	return nil
}

// Get loads one variant.
func (s *Engines) Get(ctx context.Context, variantID string) (*engine.Variant, error) {
	row := s.db.QueryRow(ctx, `SELECT `+engineColumns+` FROM engines WHERE variant_id = $1`, variantID)
	v, err := scanVariant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get engine %q: %w", variantID, err)
	}
	return v, nil
}

// ListByKind returns all variants of a kind ordered by variant ID.
func (s *Engines) ListByKind(ctx context.Context, kind engine.Kind) ([]*engine.Variant, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+engineColumns+` FROM engines WHERE kind = $1 ORDER BY variant_id`, kind)
	if err != nil {
		return nil, fmt.Errorf("store: list %s engines: %w", kind, err)
	}
	defer rows.Close()

	var out []*engine.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list %s engines: %w", kind, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetDefault returns the default enabled variant of a kind, or ErrNotFound.
func (s *Engines) GetDefault(ctx context.Context, kind engine.Kind) (*engine.Variant, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+engineColumns+` FROM engines WHERE kind = $1 AND is_default AND enabled`, kind)
	v, err := scanVariant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get default %s engine: %w", kind, err)
	}
	return v, nil
}

// SetEnabled toggles a variant and maintains the single-default invariant:
//
//   - enabling the first variant of a kind with no default makes it the
//     default;
//   - disabling a non-default variant changes nothing else;
//   - disabling the default clears the default for that kind — except for
//     synthesis, where a default must always exist and the call fails with
//     [ErrDefaultRequired].
func (s *Engines) SetEnabled(ctx context.Context, variantID string, enabled bool) (*engine.Variant, error) {
	var out *engine.Variant
	err := withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx,
				`SELECT `+engineColumns+` FROM engines WHERE variant_id = $1 FOR UPDATE`, variantID)
			v, err := scanVariant(row)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			makeDefault := v.Default
			if enabled && !v.Default {
				var defaults int
				if err := tx.QueryRow(ctx,
					`SELECT count(*) FROM engines WHERE kind = $1 AND is_default`, v.Kind).Scan(&defaults); err != nil {
					return err
				}
				if defaults == 0 {
					makeDefault = true
				}
			}
			if !enabled && v.Default {
				if v.Kind == engine.KindSynthesis {
					return ErrDefaultRequired
				}
				makeDefault = false
			}

			if _, err := tx.Exec(ctx, `
				UPDATE engines SET enabled = $2, is_default = $3, updated_at = now()
				WHERE variant_id = $1`, variantID, enabled, makeDefault); err != nil {
				return err
			}
			v.Enabled = enabled
			v.Default = makeDefault
			out = v
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDefaultRequired) {
			return nil, err
		}
		return nil, fmt.Errorf("store: set engine %q enabled=%t: %w", variantID, enabled, err)
	}
	return out, nil
}

// SetDefault makes variantID the sole default of its kind.
func (s *Engines) SetDefault(ctx context.Context, variantID string) error {
	err := withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			var kind engine.Kind
			if err := tx.QueryRow(ctx,
				`SELECT kind FROM engines WHERE variant_id = $1 FOR UPDATE`, variantID).Scan(&kind); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrNotFound
				}
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE engines SET is_default = false, updated_at = now() WHERE kind = $1 AND is_default`, kind); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`UPDATE engines SET is_default = true, enabled = true, updated_at = now() WHERE variant_id = $1`, variantID)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("store: set default engine %q: %w", variantID, err)
	}
	return nil
}

// SetKeepWarm toggles the auto-stop exemption flag.
func (s *Engines) SetKeepWarm(ctx context.Context, variantID string, keepWarm bool) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx,
			`UPDATE engines SET keep_warm = $2, updated_at = now() WHERE variant_id = $1`,
			variantID, keepWarm)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("store: set engine %q keep_warm=%t: %w", variantID, keepWarm, err)
	}
	return nil
}

// ListKeepWarm returns the IDs of all keep-warm variants, for re-syncing
// manager exemption sets.
func (s *Engines) ListKeepWarm(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT variant_id FROM engines WHERE keep_warm`)
	if err != nil {
		return nil, fmt.Errorf("store: list keep-warm engines: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list keep-warm engines: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReplaceModels swaps a variant's cached model catalogue, preserving the
// default-model selection where the model still exists.
func (s *Engines) ReplaceModels(ctx context.Context, variantID string, models []engine.Model) error {
	err := withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			var defaultModel string
			err := tx.QueryRow(ctx,
				`SELECT model_name FROM engine_models WHERE variant_id = $1 AND is_default`, variantID).Scan(&defaultModel)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM engine_models WHERE variant_id = $1`, variantID); err != nil {
				return err
			}
			for _, m := range models {
				langs, err := json.Marshal(m.Languages)
				if err != nil {
					return err
				}
				isDefault := m.Default || m.Name == defaultModel
				if _, err := tx.Exec(ctx, `
					INSERT INTO engine_models (variant_id, model_name, display_name, languages, is_default)
					VALUES ($1,$2,$3,$4,$5)`, variantID, m.Name, m.DisplayName, langs, isDefault); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("store: replace models of %q: %w", variantID, err)
	}
	return nil
}

// ListModels returns a variant's cached model catalogue.
func (s *Engines) ListModels(ctx context.Context, variantID string) ([]engine.Model, error) {
	rows, err := s.db.Query(ctx, `
		SELECT variant_id, model_name, display_name, languages, is_default
		FROM engine_models WHERE variant_id = $1 ORDER BY model_name`, variantID)
	if err != nil {
		return nil, fmt.Errorf("store: list models of %q: %w", variantID, err)
	}
	defer rows.Close()

	var out []engine.Model
	for rows.Next() {
		var (
			m     engine.Model
			langs []byte
		)
		if err := rows.Scan(&m.VariantID, &m.Name, &m.DisplayName, &langs, &m.Default); err != nil {
			return nil, fmt.Errorf("store: list models of %q: %w", variantID, err)
		}
		if len(langs) > 0 {
			if err := json.Unmarshal(langs, &m.Languages); err != nil {
				return nil, fmt.Errorf("store: decode model languages: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetDefaultModel marks modelName as the variant's sole default model. An
// empty modelName clears the default.
func (s *Engines) SetDefaultModel(ctx context.Context, variantID, modelName string) error {
	err := withRetry(ctx, func() error {
		return inTx(ctx, s.db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`UPDATE engine_models SET is_default = false WHERE variant_id = $1`, variantID); err != nil {
				return err
			}
			if modelName == "" {
				return nil
			}
			tag, err := tx.Exec(ctx,
				`UPDATE engine_models SET is_default = true WHERE variant_id = $1 AND model_name = $2`,
				variantID, modelName)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrNotFound
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("store: set default model %q of %q: %w", modelName, variantID, err)
	}
	return nil
}

// ---- scanning ----

func marshalVariantBlobs(v *engine.Variant) (params, languages, constraints, capabilities, launch []byte, err error) {
	if params, err = json.Marshal(orEmptyMap(v.Parameters)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("store: marshal parameters: %w", err)
	}
	langs := v.Languages
	if langs == nil {
		langs = []string{}
	}
	if languages, err = json.Marshal(langs); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("store: marshal languages: %w", err)
	}
	if constraints, err = json.Marshal(v.Constraints); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("store: marshal constraints: %w", err)
	}
	if capabilities, err = json.Marshal(v.Capabilities); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("store: marshal capabilities: %w", err)
	}
	if launch, err = json.Marshal(v.Launch); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("store: marshal launch: %w", err)
	}
	return params, languages, constraints, capabilities, launch, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func scanVariant(row pgx.Row) (*engine.Variant, error) {
	var (
		v                                               engine.Variant
		params, languages, constraints, capabilities, l []byte
	)
	err := row.Scan(
		&v.ID, &v.Base, &v.Kind, &v.Host, &v.Source, &v.Installed, &v.Enabled,
		&v.Default, &v.KeepWarm, &v.DefaultLanguage, &params, &languages,
		&constraints, &capabilities, &l, &v.ConfigHash, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	blobs := []struct {
		data []byte
		dst  any
	}{
		{params, &v.Parameters},
		{languages, &v.Languages},
		{constraints, &v.Constraints},
		{capabilities, &v.Capabilities},
		{l, &v.Launch},
	}
	for _, b := range blobs {
		if len(b.data) == 0 {
			continue
		}
		if err := json.Unmarshal(b.data, b.dst); err != nil {
			return nil, fmt.Errorf("decode engine blob: %w", err)
		}
	}
	return &v, nil
}
