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

const experimentColumns = `id, slug, status, control_page_id, winning_page_id, goal_page_id, created_at, updated_at`

// CreateExperiment inserts an experiment and its ordered alternatives in one
// transaction. The experiment is stored in whatever status it carries
// (normally draft); Validate is the caller's responsibility.
func (db *DB) CreateExperiment(ctx context.Context, exp model.Experiment) (model.Experiment, error) {
	if exp.ID == uuid.Nil {
		exp.ID = uuid.New()
	}
	now := time.Now().UTC()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = now
	}
	exp.UpdatedAt = now

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("storage: begin create experiment tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO experiments (id, slug, status, control_page_id, winning_page_id, goal_page_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		exp.ID, exp.Slug, exp.Status, exp.ControlPageID, exp.WinningPageID, exp.GoalPageID,
		exp.CreatedAt, exp.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Experiment{}, ErrConflict
		}
		return model.Experiment{}, fmt.Errorf("storage: create experiment: %w", err)
	}

	for i, pageID := range exp.AlternativeIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO experiment_alternatives (experiment_id, position, page_id) VALUES ($1, $2, $3)`,
			exp.ID, i+1, pageID,
		); err != nil {
			return model.Experiment{}, fmt.Errorf("storage: create experiment alternative %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Experiment{}, fmt.Errorf("storage: commit create experiment tx: %w", err)
	}
	return exp, nil
}

// GetExperimentBySlug retrieves an experiment with its alternatives.
// Returns ErrNotFound if no such experiment exists.
func (db *DB) GetExperimentBySlug(ctx context.Context, slug string) (model.Experiment, error) {
	return db.getExperiment(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE slug = $1`, slug)
}

// GetExperimentByControlPage retrieves the experiment whose control is the
// given page, with its alternatives. Returns ErrNotFound when the page is
// not under any experiment.
func (db *DB) GetExperimentByControlPage(ctx context.Context, pageID uuid.UUID) (model.Experiment, error) {
	return db.getExperiment(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE control_page_id = $1`, pageID)
}

// GetLiveExperimentByGoalPage retrieves the live experiment whose goal page
// is the given page. Returns ErrNotFound when the page is no live
// experiment's goal.
func (db *DB) GetLiveExperimentByGoalPage(ctx context.Context, pageID uuid.UUID) (model.Experiment, error) {
	return db.getExperiment(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE goal_page_id = $1 AND status = 'live'`, pageID)
}

// ListExperiments returns all experiments with alternatives, newest first.
func (db *DB) ListExperiments(ctx context.Context) ([]model.Experiment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list experiments: %w", err)
	}
	defer rows.Close()

	var exps []model.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list experiments: %w", err)
	}

	for i := range exps {
		alts, err := db.loadAlternatives(ctx, exps[i].ID)
		if err != nil {
			return nil, err
		}
		exps[i].AlternativeIDs = alts
	}
	return exps, nil
}

// UpdateExperimentStatus transitions an experiment's lifecycle state and,
// when completing, records the winning variation. Clears the winner on any
// non-completed status so stale winners never leak into later completions.
// Returns ErrNotFound if the slug does not exist.
func (db *DB) UpdateExperimentStatus(ctx context.Context, slug string, status model.ExperimentStatus, winningPageID *uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE experiments SET status = $1, winning_page_id = $2, updated_at = now() WHERE slug = $3`,
		status, winningPageID, slug,
	)
	if err != nil {
		return fmt.Errorf("storage: update experiment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) getExperiment(ctx context.Context, query string, arg any) (model.Experiment, error) {
	row := db.pool.QueryRow(ctx, query, arg)
	exp, err := scanExperiment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Experiment{}, ErrNotFound
		}
		return model.Experiment{}, err
	}

	exp.AlternativeIDs, err = db.loadAlternatives(ctx, exp.ID)
	if err != nil {
		return model.Experiment{}, err
	}
	return exp, nil
}

func (db *DB) loadAlternatives(ctx context.Context, experimentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT page_id FROM experiment_alternatives WHERE experiment_id = $1 ORDER BY position ASC`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load alternatives: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan alternative: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanExperiment(row pgx.Row) (model.Experiment, error) {
	var exp model.Experiment
	err := row.Scan(&exp.ID, &exp.Slug, &exp.Status, &exp.ControlPageID,
		&exp.WinningPageID, &exp.GoalPageID, &exp.CreatedAt, &exp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Experiment{}, pgx.ErrNoRows
		}
		return model.Experiment{}, fmt.Errorf("storage: scan experiment: %w", err)
	}
	return exp, nil
}
