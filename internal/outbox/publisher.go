package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/helixir/research-orchestrator/internal/database"
	"github.com/helixir/research-orchestrator/internal/domain"
)

const insertEventSQL = `INSERT INTO outbox_events
	(event_id, event_version, event_type, aggregate_id, aggregate_type, project_id, payload, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (event_id) DO NOTHING`

// Publisher stores events in the outbox table.
type Publisher struct {
	db database.DBTX
}

// NewPublisher creates a Publisher writing through db. Passing a pgx.Tx
// makes the insert part of that transaction.
func NewPublisher(db database.DBTX) *Publisher {
	return &Publisher{db: db}
}

// Publish inserts event. Inserting an event ID twice is a no-op.
func (p *Publisher) Publish(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return fmt.Errorf("outbox: nil event")
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("outbox: marshal metadata: %w", err)
	}
	payload := []byte(event.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err = p.db.Exec(ctx, insertEventSQL,
		event.EventID, event.EventVersion, event.EventType,
		event.AggregateID, event.AggregateType, event.ProjectID,
		payload, metadataJSON, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("outbox: insert event %s: %w", event.EventID, err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by the caller.
func (p *Publisher) Close() error { return nil }
