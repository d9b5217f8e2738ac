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

// CreatePage inserts a page and returns it with ID and timestamps populated.
func (db *DB) CreatePage(ctx context.Context, page model.Page) (model.Page, error) {
	if page.ID == uuid.Nil {
		page.ID = uuid.New()
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO pages (id, path, title, breadcrumb, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		page.ID, page.Path, page.Title, page.Breadcrumb, page.Body, page.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Page{}, ErrConflict
		}
		return model.Page{}, fmt.Errorf("storage: create page: %w", err)
	}
	return page, nil
}

// GetPageByID retrieves a page by primary key.
// Returns ErrNotFound if no such page exists.
func (db *DB) GetPageByID(ctx context.Context, id uuid.UUID) (model.Page, error) {
	var p model.Page
	err := db.pool.QueryRow(ctx,
		`SELECT id, path, title, breadcrumb, body, created_at FROM pages WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Path, &p.Title, &p.Breadcrumb, &p.Body, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Page{}, ErrNotFound
		}
		return model.Page{}, fmt.Errorf("storage: get page by id: %w", err)
	}
	return p, nil
}

// GetPageByPath retrieves a page by its URL path.
// Returns ErrNotFound if no such page exists.
func (db *DB) GetPageByPath(ctx context.Context, path string) (model.Page, error) {
	var p model.Page
	err := db.pool.QueryRow(ctx,
		`SELECT id, path, title, breadcrumb, body, created_at FROM pages WHERE path = $1`,
		path,
	).Scan(&p.ID, &p.Path, &p.Title, &p.Breadcrumb, &p.Body, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Page{}, ErrNotFound
		}
		return model.Page{}, fmt.Errorf("storage: get page by path: %w", err)
	}
	return p, nil
}

// GetPagePaths returns a path lookup for the given page IDs. Missing IDs are
// simply absent from the result.
func (db *DB) GetPagePaths(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, path FROM pages WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get page paths: %w", err)
	}
	defer rows.Close()

	paths := make(map[uuid.UUID]string, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("storage: scan page path: %w", err)
		}
		paths[id] = path
	}
	return paths, rows.Err()
}
