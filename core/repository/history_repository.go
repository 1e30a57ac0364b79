package repository

import (
	"context"
	"database/sql"

	"sbom-orchestrator/core/models"
)

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, rows []models.StatusHistory) error {
	query := `
		INSERT INTO status_history (id, owner_id, at, status, reason, changed_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, h := range rows {
		if _, err := tx.ExecContext(ctx, query, h.ID, h.OwnerID, h.At, h.Status, h.Reason, h.ChangedBy); err != nil {
			return err
		}
	}
	return nil
}

func loadHistory(ctx context.Context, q querier, ownerID string) ([]models.StatusHistory, error) {
	query := `
		SELECT id, owner_id, at, status, reason, changed_by
		FROM status_history
		WHERE owner_id = $1
		ORDER BY seq
	`
	rows, err := q.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.StatusHistory
	for rows.Next() {
		var h models.StatusHistory
		if err := rows.Scan(&h.ID, &h.OwnerID, &h.At, &h.Status, &h.Reason, &h.ChangedBy); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func loadLinks(ctx context.Context, q querier, query, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var linked string
		if err := rows.Scan(&linked); err != nil {
			return nil, err
		}
		ids = append(ids, linked)
	}
	return ids, rows.Err()
}
