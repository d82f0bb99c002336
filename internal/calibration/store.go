package calibration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store records calibration runs in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateRun(ctx context.Context, rep Report) error {
	cfg, err := json.Marshal(rep.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calibration_runs (id, status, config, base_version, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rep.RunID, rep.Status, cfg, rep.BaseVersion, rep.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert calibration run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, rep Report) error {
	trajectory, err := json.Marshal(rep.Trajectory)
	if err != nil {
		return fmt.Errorf("encode trajectory: %w", err)
	}
	items, err := json.Marshal(rep.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	var published *int64
	if rep.PublishedVersion > 0 {
		published = &rep.PublishedVersion
	}
	var errMsg *string
	if rep.Error != "" {
		errMsg = &rep.Error
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE calibration_runs
		 SET status = $2, finished_at = $3, converged = $4, iterations = $5,
		     trajectory = $6, items = $7, published_version = $8, error = $9
		 WHERE id = $1`,
		rep.RunID, rep.Status, rep.FinishedAt, rep.Converged, len(rep.Trajectory),
		trajectory, items, published, errMsg,
	)
	if err != nil {
		return fmt.Errorf("update calibration run %s: %w", rep.RunID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Report, error) {
	var (
		rep        Report
		cfg        []byte
		trajectory []byte
		items      []byte
		finishedAt sql.NullTime
		published  sql.NullInt64
		errMsg     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, config, base_version, started_at, finished_at,
		        converged, trajectory, items, published_version, error
		 FROM calibration_runs WHERE id = $1`,
		runID,
	).Scan(&rep.RunID, &rep.Status, &cfg, &rep.BaseVersion, &rep.StartedAt, &finishedAt,
		&rep.Converged, &trajectory, &items, &published, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get calibration run %s: %w", runID, err)
	}

	if err := json.Unmarshal(cfg, &rep.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(trajectory) > 0 {
		if err := json.Unmarshal(trajectory, &rep.Trajectory); err != nil {
			return nil, fmt.Errorf("decode trajectory: %w", err)
		}
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &rep.Items); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		rep.FinishedAt = &t
	}
	rep.PublishedVersion = published.Int64
	rep.Error = errMsg.String
	return &rep, nil
}

// MarkAbandoned fails runs left "running" by a process that exited.
func (s *Store) MarkAbandoned(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calibration_runs
		 SET status = $1, finished_at = $2, error = 'process exited before the run finished'
		 WHERE status = $3`,
		StatusFailed, time.Now().UTC(), StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned runs: %w", err)
	}
	return res.RowsAffected()
}
