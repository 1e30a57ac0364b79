package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
)

const manifestColumns = `id, created_at, generation_id, bom, metadata`

// ListManifests lists the manifests of a generation in creation order
func (s *PostgresStore) ListManifests(ctx context.Context, generationID string) ([]*models.Manifest, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM generations WHERE id = $1)`, generationID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.NewNotFoundError("generation", generationID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+manifestColumns+` FROM manifests WHERE generation_id = $1 ORDER BY created_at, id`, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []*models.Manifest
	for rows.Next() {
		m, err := scanManifest(rows, "")
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// GetManifest retrieves a manifest by ID
func (s *PostgresStore) GetManifest(ctx context.Context, id string) (*models.Manifest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE id = $1`, id)
	return scanManifest(row, id)
}

func insertManifestsTx(ctx context.Context, tx *sql.Tx, manifests []*models.Manifest) error {
	query := `
		INSERT INTO manifests (` + manifestColumns + `)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, m := range manifests {
		metadata, err := marshalMetadata(m.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, m.ID, m.CreatedAt, m.GenerationID, string(m.BOM), metadata); err != nil {
			return err
		}
	}
	return nil
}

func scanManifest(row scanner, id string) (*models.Manifest, error) {
	var m models.Manifest
	var bom string
	var metadata []byte

	err := row.Scan(&m.ID, &m.CreatedAt, &m.GenerationID, &bom, &metadata)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("manifest", id)
	}
	if err != nil {
		return nil, err
	}

	m.BOM = json.RawMessage(bom)
	if m.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &m, nil
}
