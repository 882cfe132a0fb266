package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/helixir/research-orchestrator/internal/database"
	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/observability"
)

// Relay defaults.
const (
	DefaultRelayInterval = time.Second
	DefaultBatchSize     = 100
	DefaultMaxAttempts   = 10
)

const (
	selectPendingSQL = `SELECT event_id, event_version, event_type, aggregate_id, aggregate_type,
	project_id, payload, metadata, created_at
	FROM outbox_events
	WHERE published_at IS NULL AND attempts < $1
	ORDER BY created_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED`

	markPublishedSQL = `UPDATE outbox_events SET published_at = now(), attempts = attempts + 1, last_error = NULL
	WHERE event_id = $1`

	markFailedSQL = `UPDATE outbox_events SET attempts = attempts + 1, last_error = $2
	WHERE event_id = $1`
)

// Downstream receives relayed events. events.KafkaPublisher satisfies it.
type Downstream interface {
	Publish(ctx context.Context, event *domain.Event) error
	Close() error
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	// Interval is the pause between passes that found nothing to relay.
	Interval time.Duration
	// BatchSize caps the rows claimed per pass.
	BatchSize int
	// MaxAttempts is the number of delivery attempts after which a row is
	// left in the table for inspection.
	MaxAttempts int
}

// Relay forwards pending outbox rows to a downstream publisher. Several
// relays may run against one table; rows are claimed with SKIP LOCKED.
type Relay struct {
	db         database.TxBeginner
	downstream Downstream
	config     RelayConfig
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// NewRelay creates a Relay, filling unset config fields with defaults.
func NewRelay(db database.TxBeginner, downstream Downstream, cfg RelayConfig, metrics *observability.Metrics, logger zerolog.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRelayInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Relay{
		db:         db,
		downstream: downstream,
		config:     cfg,
		metrics:    metrics,
		logger:     logger.With().Str("component", "outbox_relay").Logger(),
	}
}

// Run relays until ctx is cancelled. A full batch is followed immediately by
// the next pass.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.config.Interval).Msg("starting outbox relay")
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("outbox relay pass failed")
		}

		wait := r.config.Interval
		if err == nil && n == r.config.BatchSize {
			wait = 0
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// Close closes the downstream publisher.
func (r *Relay) Close() error {
	return r.downstream.Close()
}

// RunOnce claims one batch of pending rows, forwards them in order and
// records the outcome of each. It returns the number of rows published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	published, failed := 0, 0
	err := database.WithTransaction(ctx, r.db, func(tx pgx.Tx) error {
		batch, err := claim(ctx, tx, r.config.MaxAttempts, r.config.BatchSize)
		if err != nil {
			return err
		}

		for _, event := range batch {
			if pubErr := r.downstream.Publish(ctx, event); pubErr != nil {
				failed++
				r.logger.Warn().Err(pubErr).
					Str("event_id", event.EventID).
					Str("event_type", event.EventType).
					Msg("failed to relay outbox event")
				if _, err := tx.Exec(ctx, markFailedSQL, event.EventID, pubErr.Error()); err != nil {
					return fmt.Errorf("mark event %s failed: %w", event.EventID, err)
				}
				continue
			}
			published++
			if _, err := tx.Exec(ctx, markPublishedSQL, event.EventID); err != nil {
				return fmt.Errorf("mark event %s published: %w", event.EventID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("outbox relay: %w", err)
	}
	r.metrics.RecordOutboxRelayed(published, failed)
	return published, nil
}

func claim(ctx context.Context, tx pgx.Tx, maxAttempts, limit int) ([]*domain.Event, error) {
	rows, err := tx.Query(ctx, selectPendingSQL, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			payload  []byte
			metadata []byte
		)
		if err := rows.Scan(&e.EventID, &e.EventVersion, &e.EventType, &e.AggregateID,
			&e.AggregateType, &e.ProjectID, &payload, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %s: %w", e.EventID, err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
