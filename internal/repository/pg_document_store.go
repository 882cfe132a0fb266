package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/research-orchestrator/internal/domain"
)

var _ DocumentStore = (*PgDocumentStore)(nil)

// PgDocumentStore keeps stage artifacts in the documents table.
type PgDocumentStore struct {
	db DBTX
}

// NewPgDocumentStore creates a PgDocumentStore.
func NewPgDocumentStore(db DBTX) *PgDocumentStore {
	return &PgDocumentStore{db: db}
}

func (s *PgDocumentStore) Put(ctx context.Context, projectID uuid.UUID, kind, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", kind, key, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO documents (project_id, kind, key, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, kind, key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		projectID, kind, key, payload, time.Now().UTC())
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return domain.NewNotFoundError("project", projectID.String())
		}
		return fmt.Errorf("failed to put document %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *PgDocumentStore) Get(ctx context.Context, projectID uuid.UUID, kind, key string, dst any) error {
	var payload []byte
	err := s.db.QueryRow(ctx,
		`SELECT payload FROM documents WHERE project_id = $1 AND kind = $2 AND key = $3`,
		projectID, kind, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError(kind, key)
		}
		return fmt.Errorf("failed to get document %s/%s: %w", kind, key, err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("failed to decode document %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *PgDocumentStore) List(ctx context.Context, projectID uuid.UUID, kind string) ([]Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key, payload, updated_at FROM documents WHERE project_id = $1 AND kind = $2 ORDER BY key`,
		projectID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s documents: %w", kind, err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var (
			d       Document
			payload []byte
		)
		if err := rows.Scan(&d.Key, &payload, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.Payload = payload
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

func (s *PgDocumentStore) DeleteKind(ctx context.Context, projectID uuid.UUID, kind string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM documents WHERE project_id = $1 AND kind = $2`, projectID, kind); err != nil {
		return fmt.Errorf("failed to delete %s documents: %w", kind, err)
	}
	return nil
}
