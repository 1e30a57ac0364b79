package repository

import (
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore implements Store on Postgres
type PostgresStore struct {
	db *DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres-backed store
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func unmarshalMetadata(data []byte) (map[string]string, error) {
	m := map[string]string{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
