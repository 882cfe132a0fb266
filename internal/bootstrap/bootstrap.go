// Package bootstrap builds the components shared by the server and worker
// binaries from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/helixir/research-orchestrator/internal/config"
	"github.com/helixir/research-orchestrator/internal/database"
	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/events"
	"github.com/helixir/research-orchestrator/internal/llm"
	"github.com/helixir/research-orchestrator/internal/observability"
	"github.com/helixir/research-orchestrator/internal/outbox"
	"github.com/helixir/research-orchestrator/internal/papersources"
	"github.com/helixir/research-orchestrator/internal/papersources/arxiv"
	"github.com/helixir/research-orchestrator/internal/papersources/semanticscholar"
	"github.com/helixir/research-orchestrator/internal/repository"
	"github.com/helixir/research-orchestrator/internal/stages"
)

// Store holds the repositories of the configured storage backend. DB is nil
// for the memory backend.
type Store struct {
	Tasks     repository.TaskRepository
	Projects  repository.ProjectRepository
	Documents repository.DocumentStore
	DB        *database.DB
}

// Close releases the database pool, if any.
func (s *Store) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
}

// OpenStore connects the configured storage backend. With postgres it runs
// pending migrations when database.migration_auto_run is set; with memory it
// loads storage.seed_path when given.
func OpenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Storage.Backend == config.StorageBackendMemory {
		mem := repository.NewMemoryStore()
		store := &Store{Tasks: mem.Tasks(), Projects: mem.Projects(), Documents: mem.Documents()}
		if cfg.Storage.SeedPath != "" {
			if err := seed(ctx, store.Projects, cfg.Storage.SeedPath, logger); err != nil {
				return nil, err
			}
		}
		logger.Warn().Msg("using in-memory storage; state is lost on restart")
		return store, nil
	}

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("database connection established")

	if cfg.Database.MigrationAutoRun {
		if err := migrate(db, cfg.Database.MigrationPath, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{
		Tasks:     repository.NewPgTaskRepository(db),
		Projects:  repository.NewPgProjectRepository(db),
		Documents: repository.NewPgDocumentStore(db),
		DB:        db,
	}, nil
}

func migrate(db *database.DB, path string, logger zerolog.Logger) error {
	migrator, err := database.NewMigrator(db, path, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func seed(ctx context.Context, projects repository.ProjectRepository, path string, logger zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	n, err := repository.SeedProjects(ctx, projects, f)
	if err != nil {
		return err
	}
	logger.Info().Int("projects", n).Str("path", path).Msg("seeded projects")
	return nil
}

// NewStageRunner builds the stage dispatcher with its literature sources and
// language model.
func NewStageRunner(cfg *config.Config, docs repository.DocumentStore, metrics *observability.Metrics, logger zerolog.Logger) (*stages.Dispatcher, error) {
	completer, err := llm.NewCompleter(llm.FactoryConfig{
		Provider:    cfg.LLM.Provider,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		MaxRetries:  cfg.LLM.MaxRetries,
		OpenAI: llm.OpenAIConfig{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			Model:   cfg.LLM.OpenAI.Model,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
		},
		Anthropic: llm.AnthropicConfig{
			APIKey:  cfg.LLM.Anthropic.APIKey,
			Model:   cfg.LLM.Anthropic.Model,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}

	federation := papersources.NewFederation(NewSources(cfg.PaperSources, metrics), metrics, logger)
	for _, src := range federation.Enabled() {
		logger.Info().Str("source", src.Name()).Msg("registered paper source")
	}
	return stages.NewDispatcher(federation, llm.NewInstrumented(completer, metrics, logger), docs, logger), nil
}

// NewSources creates the literature sources in the order their results are
// merged.
func NewSources(cfg config.PaperSourcesConfig, metrics *observability.Metrics) []papersources.Source {
	s2 := cfg.SemanticScholar
	ax := cfg.ArXiv
	return []papersources.Source{
		semanticscholar.NewClient(semanticscholar.Config{
			BaseURL:    s2.BaseURL,
			APIKey:     s2.APIKey,
			Timeout:    s2.Timeout,
			RateLimit:  s2.RateLimit,
			MaxResults: s2.MaxResults,
			Enabled:    s2.Enabled,
			OnThrottled: func() {
				metrics.RecordSourceRateLimited(string(domain.SourceTypeSemanticScholar))
			},
		}, nil),
		arxiv.New(arxiv.Config{
			BaseURL:    ax.BaseURL,
			Timeout:    ax.Timeout,
			RateLimit:  ax.RateLimit,
			MaxResults: ax.MaxResults,
			Enabled:    ax.Enabled,
		}, nil),
	}
}

// NewEventPublisher picks where lifecycle events go: nowhere when Kafka is
// disabled, the events topic directly, or the outbox table. In outbox mode a
// Relay forwarding the table to Kafka is returned when withRelay is set;
// processes that only write events pass false.
func NewEventPublisher(cfg *config.Config, store *Store, withRelay bool, metrics *observability.Metrics, logger zerolog.Logger) (events.Publisher, *outbox.Relay, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil, nil
	}
	newKafka := func() *events.KafkaPublisher {
		return events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.EventsTopic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
	}
	if !cfg.Kafka.Outbox {
		return newKafka(), nil, nil
	}
	if store.DB == nil {
		return nil, nil, errors.New("the kafka outbox requires a database")
	}

	var relay *outbox.Relay
	if withRelay {
		relay = outbox.NewRelay(store.DB, newKafka(), outbox.RelayConfig{
			Interval: cfg.Kafka.OutboxInterval,
		}, metrics, logger)
	}
	return outbox.NewPublisher(store.DB), relay, nil
}
