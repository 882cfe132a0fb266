package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/research-orchestrator/internal/domain"
)

// StageCommand asks the orchestrator to start a stage, as an alternative to
// the HTTP dispatch endpoint.
type StageCommand struct {
	ProjectID       uuid.UUID       `json:"project_id"`
	Stage           string          `json:"stage"`
	Params          json.RawMessage `json:"params,omitempty"`
	DeadlineSeconds int             `json:"deadline_seconds,omitempty"`
	RequestedBy     string          `json:"requested_by,omitempty"`
}

// CommandHandler starts the stage a command names.
type CommandHandler func(ctx context.Context, cmd StageCommand) (*domain.Task, error)

// messageReader is the subset of *kafka.Reader used by Listener.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ListenerConfig holds configuration for the command listener.
type ListenerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Listener consumes stage commands from Kafka.
type Listener struct {
	reader  messageReader
	handler CommandHandler
	logger  zerolog.Logger
}

// NewListener creates a command listener.
func NewListener(cfg ListenerConfig, handler CommandHandler, logger zerolog.Logger) *Listener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})
	return newListener(reader, handler, logger)
}

func newListener(reader messageReader, handler CommandHandler, logger zerolog.Logger) *Listener {
	return &Listener{
		reader:  reader,
		handler: handler,
		logger:  logger.With().Str("component", "stage_command_listener").Logger(),
	}
}

// Run consumes commands until ctx is cancelled. A command that cannot be
// decoded or is refused is logged and skipped; there is no redelivery.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting stage command listener")

	for {
		msg, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("stage command listener stopped via context cancellation")
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			l.logger.Error().Err(err).Msg("failed to read message from Kafka")
			continue
		}

		l.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received stage command")

		if err := l.handle(ctx, msg.Value); err != nil {
			l.logger.Warn().Err(err).
				Str("raw_value", string(msg.Value)).
				Msg("stage command not applied")
		}
	}
}

func (l *Listener) handle(ctx context.Context, value []byte) error {
	var cmd StageCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if cmd.ProjectID == uuid.Nil {
		return domain.NewValidationError("project_id", "is required")
	}

	task, err := l.handler(ctx, cmd)
	if err != nil {
		return fmt.Errorf("start %s for project %s: %w", cmd.Stage, cmd.ProjectID, err)
	}
	l.logger.Info().
		Str("project_id", cmd.ProjectID.String()).
		Str("task_id", task.ID.String()).
		Str("stage", string(task.Type)).
		Str("requested_by", cmd.RequestedBy).
		Msg("stage started from command")
	return nil
}

// Close closes the Kafka reader.
func (l *Listener) Close() error {
	l.logger.Info().Msg("closing stage command listener")
	return l.reader.Close()
}
