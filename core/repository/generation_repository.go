package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
)

const generationColumns = `g.id, g.created_at, g.updated_at, g.finished_at, g.parent_id, g.request, g.metadata,
	g.status, g.result, g.reason, (SELECT COUNT(*) FROM manifests m WHERE m.generation_id = g.id)`

const generationEventsQuery = `SELECT event_id FROM event_generations WHERE generation_id = $1 ORDER BY event_id`

// GetGeneration loads the generation header, its history and owning event ids
func (s *PostgresStore) GetGeneration(ctx context.Context, id string) (*models.Generation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations g WHERE g.id = $1`, id)
	g, err := scanGeneration(row, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadGenerationRelations(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// UpdateGeneration locks the generation row, applies fn and persists the header,
// new history rows and new manifests
func (s *PostgresStore) UpdateGeneration(ctx context.Context, id string, fn func(*models.Generation) error) (*models.Generation, error) {
	var g *models.Generation
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if g, err = lockGenerationTx(ctx, tx, id); err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}
		return saveGenerationTx(ctx, tx, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ClaimGenerations locks the oldest NEW generations with SKIP LOCKED so that
// concurrent claimers never receive the same row
func (s *PostgresStore) ClaimGenerations(ctx context.Context, limit int, fn func(*models.Generation) error) ([]*models.Generation, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id FROM generations
		WHERE status = $1
		ORDER BY created_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`
	var claimed []*models.Generation
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, tx, query, models.GenerationStatusNew, limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			row := tx.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations g WHERE g.id = $1`, id)
			g, err := scanGeneration(row, id)
			if err != nil {
				return err
			}
			if err := fn(g); err != nil {
				return err
			}
			if err := saveGenerationTx(ctx, tx, g); err != nil {
				return err
			}
			claimed = append(claimed, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CountGenerations counts generations matching the filter
func (s *PostgresStore) CountGenerations(ctx context.Context, filter GenerationFilter) (int, error) {
	where, args := filterClause(filter)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations g`+where, args...).Scan(&count)
	return count, err
}

// ListGenerations lists generations matching the filter, oldest first
func (s *PostgresStore) ListGenerations(ctx context.Context, filter GenerationFilter) ([]*models.Generation, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + generationColumns + ` FROM generations g` + where + ` ORDER BY g.created_at, g.id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryGenerations(ctx, query, args...)
}

// EventGenerations lists the generations owned by an event
func (s *PostgresStore) EventGenerations(ctx context.Context, eventID string) ([]*models.Generation, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, eventID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.NewNotFoundError("event", eventID)
	}

	query := `
		SELECT ` + generationColumns + `
		FROM generations g
		JOIN event_generations eg ON eg.generation_id = g.id
		WHERE eg.event_id = $1
		ORDER BY g.created_at, g.id
	`
	return s.queryGenerations(ctx, query, eventID)
}

func (s *PostgresStore) queryGenerations(ctx context.Context, query string, args ...any) ([]*models.Generation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gens []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows, "")
		if err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, g := range gens {
		if err := s.loadGenerationRelations(ctx, g); err != nil {
			return nil, err
		}
	}
	return gens, nil
}

func (s *PostgresStore) loadGenerationRelations(ctx context.Context, g *models.Generation) error {
	var err error
	if g.History, err = loadHistory(ctx, s.db, g.ID); err != nil {
		return err
	}
	g.Events, err = loadLinks(ctx, s.db, generationEventsQuery, g.ID)
	return err
}

// filterClause builds a WHERE clause over the generations alias g
func filterClause(filter GenerationFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Status != "" {
		add("g.status = $%d", filter.Status)
	}
	if filter.Result != "" {
		add("g.result = $%d", filter.Result)
	}
	if filter.Generator != "" {
		add("g.request -> 'generator' ->> 'name' = $%d", filter.Generator)
	}
	if filter.MetadataKey != "" {
		args = append(args, filter.MetadataKey, filter.MetadataValue)
		conds = append(conds, fmt.Sprintf("g.metadata ->> $%d = $%d", len(args)-1, len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func lockGenerationTx(ctx context.Context, tx *sql.Tx, id string) (*models.Generation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations g WHERE g.id = $1 FOR UPDATE OF g`, id)
	return scanGeneration(row, id)
}

func insertGenerationTx(ctx context.Context, tx *sql.Tx, g *models.Generation) error {
	request, err := json.Marshal(g.Request)
	if err != nil {
		return err
	}
	metadata, err := marshalMetadata(g.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO generations (
			id, created_at, updated_at, finished_at, parent_id, request, metadata, status, result, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = tx.ExecContext(ctx, query,
		g.ID,
		g.CreatedAt,
		g.UpdatedAt,
		nullTime(g.FinishedAt),
		g.ParentID,
		request,
		metadata,
		g.Status,
		g.Result,
		g.Reason,
	)
	if err != nil {
		return err
	}
	if err := insertHistoryTx(ctx, tx, g.History); err != nil {
		return err
	}
	return insertManifestsTx(ctx, tx, g.Manifests)
}

func saveGenerationTx(ctx context.Context, tx *sql.Tx, g *models.Generation) error {
	metadata, err := marshalMetadata(g.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE generations
		SET updated_at = $1, finished_at = $2, metadata = $3, status = $4, result = $5, reason = $6
		WHERE id = $7
	`
	_, err = tx.ExecContext(ctx, query,
		g.UpdatedAt,
		nullTime(g.FinishedAt),
		metadata,
		g.Status,
		g.Result,
		g.Reason,
		g.ID,
	)
	if err != nil {
		return err
	}
	if err := insertHistoryTx(ctx, tx, g.History); err != nil {
		return err
	}
	return insertManifestsTx(ctx, tx, g.Manifests)
}

func scanGeneration(row scanner, id string) (*models.Generation, error) {
	var g models.Generation
	var finishedAt sql.NullTime
	var request, metadata []byte

	err := row.Scan(
		&g.ID,
		&g.CreatedAt,
		&g.UpdatedAt,
		&finishedAt,
		&g.ParentID,
		&request,
		&metadata,
		&g.Status,
		&g.Result,
		&g.Reason,
		&g.ManifestCount,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("generation", id)
	}
	if err != nil {
		return nil, err
	}

	g.FinishedAt = timePtr(finishedAt)
	if err := json.Unmarshal(request, &g.Request); err != nil {
		return nil, fmt.Errorf("generation %s: invalid request: %w", g.ID, err)
	}
	if g.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &g, nil
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
