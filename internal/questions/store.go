package questions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// Store is the Postgres-backed ItemRepository.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ── Loading ─────────────────────────────────────────────

func (s *Store) LoadItems(ctx context.Context) (int64, []Item, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM pool_versions`,
	).Scan(&version); err != nil {
		return 0, nil, fmt.Errorf("load pool version: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, discrimination, difficulty, guessing, tags, stem, options,
		        exposure_k, administrations, eligible_selections
		 FROM items
		 WHERE active = TRUE
		 ORDER BY id`,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var options []byte
		if err := rows.Scan(&it.ID, &it.Params.A, &it.Params.B, &it.Params.C,
			pq.Array(&it.Tags), &it.Stem, &options,
			&it.ExposureK, &it.Administrations, &it.EligibleSelections); err != nil {
			return 0, nil, fmt.Errorf("scan item: %w", err)
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &it.Options); err != nil {
				return 0, nil, fmt.Errorf("decode options for %s: %w", it.ID, err)
			}
		}
		items = append(items, it)
	}
	return version, items, rows.Err()
}

// ── Calibration Results ─────────────────────────────────

// SaveCalibration writes every item's exposure state and records the pool
// version in one transaction.
func (s *Store) SaveCalibration(ctx context.Context, snap *Snapshot, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE items
		 SET exposure_k = $1, administrations = $2, eligible_selections = $3, updated_at = NOW()
		 WHERE id = $4`,
	)
	if err != nil {
		return fmt.Errorf("prepare exposure update: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < snap.Len(); i++ {
		it := snap.At(i)
		if _, err := stmt.ExecContext(ctx, it.ExposureK, it.Administrations, it.EligibleSelections, it.ID); err != nil {
			return fmt.Errorf("update exposure for %s: %w", it.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pool_versions (version, calibration_run_id) VALUES ($1, $2)`,
		snap.Version(), nullString(runID),
	); err != nil {
		return fmt.Errorf("record pool version %d: %w", snap.Version(), err)
	}

	return tx.Commit()
}

// RecordVersion inserts a pool version with no calibration run behind it.
func (s *Store) RecordVersion(ctx context.Context, version int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO pool_versions (version) VALUES ($1)`, version,
	); err != nil {
		return fmt.Errorf("insert pool version %d: %w", version, err)
	}
	return nil
}

// ── Import ──────────────────────────────────────────────

// UpsertItems inserts or replaces calibrated items and records a new pool
// version so replicas pick the change up on their next reload. Exposure state
// is only written for new rows so a re-import never undoes a calibration.
func (s *Store) UpsertItems(ctx context.Context, items []Item) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	written := 0
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return 0, err
		}
		options, err := json.Marshal(it.Options)
		if err != nil {
			return 0, fmt.Errorf("encode options for %s: %w", it.ID, err)
		}
		tags := it.Tags
		if tags == nil {
			tags = []string{}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO items (id, discrimination, difficulty, guessing, tags, stem, options, exposure_k)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE SET
			     discrimination = EXCLUDED.discrimination,
			     difficulty = EXCLUDED.difficulty,
			     guessing = EXCLUDED.guessing,
			     tags = EXCLUDED.tags,
			     stem = EXCLUDED.stem,
			     options = EXCLUDED.options,
			     active = TRUE,
			     updated_at = NOW()`,
			it.ID, it.Params.A, it.Params.B, it.Params.C, pq.Array(tags), it.Stem, options, it.ExposureK,
		)
		if err != nil {
			return 0, fmt.Errorf("upsert item %s: %w", it.ID, err)
		}
		written++
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pool_versions (version)
		 SELECT COALESCE(MAX(version), 0) + 1 FROM pool_versions`,
	); err != nil {
		return 0, fmt.Errorf("record pool version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit items: %w", err)
	}
	return written, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
