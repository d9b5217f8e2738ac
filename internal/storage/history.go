package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/abtree/abtree/internal/model"
)

// IncrementParticipant atomically bumps the participant count for one
// (experiment, variation) ledger row, creating the row on first contact.
// The upsert form makes concurrent increments on the same key serialize in
// Postgres rather than race in Go. Returns the new count.
func (db *DB) IncrementParticipant(ctx context.Context, experimentID, variationPageID uuid.UUID) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO experiment_history (experiment_id, variation_page_id, participant_count, completion_count)
		 VALUES ($1, $2, 1, 0)
		 ON CONFLICT (experiment_id, variation_page_id)
		 DO UPDATE SET participant_count = experiment_history.participant_count + 1
		 RETURNING participant_count`,
		experimentID, variationPageID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: increment participant: %w", err)
	}
	return count, nil
}

// IncrementCompletion atomically bumps the completion count for one
// (experiment, variation) ledger row. Out-of-order completions (no prior
// participant row) still count: the row is created with a zero participant
// count rather than rejected. Returns the new count.
func (db *DB) IncrementCompletion(ctx context.Context, experimentID, variationPageID uuid.UUID) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO experiment_history (experiment_id, variation_page_id, participant_count, completion_count)
		 VALUES ($1, $2, 0, 1)
		 ON CONFLICT (experiment_id, variation_page_id)
		 DO UPDATE SET completion_count = experiment_history.completion_count + 1
		 RETURNING completion_count`,
		experimentID, variationPageID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: increment completion: %w", err)
	}
	return count, nil
}

// GetHistory returns all ledger rows for an experiment. Variations that have
// never been served have no row.
func (db *DB) GetHistory(ctx context.Context, experimentID uuid.UUID) ([]model.ExperimentHistory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT experiment_id, variation_page_id, participant_count, completion_count
		 FROM experiment_history WHERE experiment_id = $1`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get history: %w", err)
	}
	defer rows.Close()

	var history []model.ExperimentHistory
	for rows.Next() {
		var h model.ExperimentHistory
		if err := rows.Scan(&h.ExperimentID, &h.VariationPageID, &h.ParticipantCount, &h.CompletionCount); err != nil {
			return nil, fmt.Errorf("storage: scan history: %w", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}
