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

const eventColumns = `id, created_at, updated_at, finished_at, parent_id, metadata, request, status, reason`

const eventGenerationsQuery = `
	SELECT eg.generation_id
	FROM event_generations eg
	JOIN generations g ON g.id = eg.generation_id
	WHERE eg.event_id = $1
	ORDER BY g.created_at, g.id
`

// CreateEvent inserts the event and its initial history rows
func (s *PostgresStore) CreateEvent(ctx context.Context, event *models.Event) error {
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			event.ID,
			event.CreatedAt,
			event.UpdatedAt,
			nullTime(event.FinishedAt),
			event.ParentID,
			metadata,
			string(event.Request),
			event.Status,
			event.Reason,
		)
		if err != nil {
			return err
		}
		return insertHistoryTx(ctx, tx, event.History)
	})
}

// GetEvent loads the event header, its history and linked generation ids
func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	event, err := scanEvent(row, id)
	if err != nil {
		return nil, err
	}
	if event.History, err = loadHistory(ctx, s.db, id); err != nil {
		return nil, err
	}
	if event.Generations, err = loadLinks(ctx, s.db, eventGenerationsQuery, id); err != nil {
		return nil, err
	}
	return event, nil
}

// UpdateEvent locks the event row, applies fn and persists the result
func (s *PostgresStore) UpdateEvent(ctx context.Context, id string, fn func(*models.Event) error) (*models.Event, error) {
	var event *models.Event
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if event, err = lockEventTx(ctx, tx, id); err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
		return saveEventTx(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListEvents lists events matching the filter, least recently updated first
func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, error) {
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		conds = append(conds, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY updated_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows, "")
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, event := range events {
		if event.History, err = loadHistory(ctx, s.db, event.ID); err != nil {
			return nil, err
		}
		if event.Generations, err = loadLinks(ctx, s.db, eventGenerationsQuery, event.ID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// InitializeEvent inserts gens, links them to the event and applies fn to the event
func (s *PostgresStore) InitializeEvent(ctx context.Context, eventID string, gens []*models.Generation, fn func(*models.Event) error) (*models.Event, error) {
	var event *models.Event
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if event, err = lockEventTx(ctx, tx, eventID); err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
		for _, g := range gens {
			if err := insertGenerationTx(ctx, tx, g); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO event_generations (event_id, generation_id) VALUES ($1, $2)`, eventID, g.ID)
			if err != nil {
				return err
			}
			g.Events = append(g.Events, eventID)
			event.Generations = append(event.Generations, g.ID)
		}
		return saveEventTx(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func lockEventTx(ctx context.Context, tx *sql.Tx, id string) (*models.Event, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, id)
	return scanEvent(row, id)
}

func saveEventTx(ctx context.Context, tx *sql.Tx, event *models.Event) error {
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE events
		SET updated_at = $1, finished_at = $2, metadata = $3, status = $4, reason = $5
		WHERE id = $6
	`
	_, err = tx.ExecContext(ctx, query,
		event.UpdatedAt,
		nullTime(event.FinishedAt),
		metadata,
		event.Status,
		event.Reason,
		event.ID,
	)
	if err != nil {
		return err
	}
	return insertHistoryTx(ctx, tx, event.History)
}

func scanEvent(row scanner, id string) (*models.Event, error) {
	var event models.Event
	var finishedAt sql.NullTime
	var metadata []byte
	var request string

	err := row.Scan(
		&event.ID,
		&event.CreatedAt,
		&event.UpdatedAt,
		&finishedAt,
		&event.ParentID,
		&metadata,
		&request,
		&event.Status,
		&event.Reason,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("event", id)
	}
	if err != nil {
		return nil, err
	}

	event.FinishedAt = timePtr(finishedAt)
	event.Request = json.RawMessage(request)
	if event.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &event, nil
}
