package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/abtree/abtree/internal/model"
)

// RecordAssignment stores which variation a visitor was served, once.
// Repeat visits hit the conflict path and leave the original row (variation,
// served_at, completed flag) untouched — assignment is deterministic, so the
// variation cannot have changed while the experiment stayed live.
func (db *DB) RecordAssignment(ctx context.Context, a model.Assignment) error {
	if a.ServedAt.IsZero() {
		a.ServedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO experiment_assignments (experiment_id, visitor_token, variation_page_id, completed, served_at)
		 VALUES ($1, $2, $3, FALSE, $4)
		 ON CONFLICT (experiment_id, visitor_token) DO NOTHING`,
		a.ExperimentID, a.VisitorToken, a.VariationPageID, a.ServedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record assignment: %w", err)
	}
	return nil
}

// GetAssignment retrieves the stored assignment for one visitor and
// experiment. Returns ErrNotFound when the visitor never participated.
func (db *DB) GetAssignment(ctx context.Context, experimentID uuid.UUID, visitorToken string) (model.Assignment, error) {
	var a model.Assignment
	err := db.pool.QueryRow(ctx,
		`SELECT experiment_id, visitor_token, variation_page_id, completed, served_at
		 FROM experiment_assignments WHERE experiment_id = $1 AND visitor_token = $2`,
		experimentID, visitorToken,
	).Scan(&a.ExperimentID, &a.VisitorToken, &a.VariationPageID, &a.Completed, &a.ServedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Assignment{}, ErrNotFound
		}
		return model.Assignment{}, fmt.Errorf("storage: get assignment: %w", err)
	}
	return a, nil
}

// MarkAssignmentCompleted flips the completed flag, at most once per
// (experiment, visitor). Returns true only for the call that performed the
// flip; concurrent duplicate signals see false and must not touch the
// ledger. The guard lives in the WHERE clause so the check-and-set is a
// single atomic statement.
func (db *DB) MarkAssignmentCompleted(ctx context.Context, experimentID uuid.UUID, visitorToken string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE experiment_assignments SET completed = TRUE
		 WHERE experiment_id = $1 AND visitor_token = $2 AND completed = FALSE`,
		experimentID, visitorToken,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark assignment completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
