package session

import (
	"context"
	"database/sql"
	"fmt"
)

// Store is the Postgres ResponseLog.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record writes the session result and its responses in one transaction.
func (s *Store) Record(ctx context.Context, o Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var fallbackReason *string
	if o.Estimate.FallbackReason != "" {
		fallbackReason = &o.Estimate.FallbackReason
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_results
		     (id, candidate_id, status, reason, complete, theta, standard_error,
		      method, converged, outcome, fallback_reason, items_answered,
		      pool_version, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO NOTHING`,
		o.SessionID, o.CandidateID, o.Status, o.Reason, o.Complete,
		o.Estimate.Theta, o.Estimate.StandardError, o.Estimate.Method,
		o.Estimate.Converged, o.Estimate.Outcome, fallbackReason, len(o.Responses),
		o.PoolVersion, o.StartedAt, o.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session result %s: %w", o.SessionID, err)
	}

	if len(o.Responses) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO session_responses (session_id, position, item_id, correct, latency_ms, answered_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (session_id, position) DO NOTHING`,
		)
		if err != nil {
			return fmt.Errorf("prepare response insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range o.Responses {
			if _, err := stmt.ExecContext(ctx, o.SessionID, r.Position, r.ItemID, r.Correct, r.LatencyMs, r.AnsweredAt); err != nil {
				return fmt.Errorf("insert response %d for %s: %w", r.Position, o.SessionID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session %s: %w", o.SessionID, err)
	}
	return nil
}

// CountResponses returns how many responses are stored for a session.
func (s *Store) CountResponses(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_responses WHERE session_id = $1`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count responses: %w", err)
	}
	return n, nil
}
