package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-orchestrator/internal/config"
	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/events"
)

func TestOpenStore_Memory(t *testing.T) {
	seedPath := filepath.Join(t.TempDir(), "projects.json")
	require.NoError(t, os.WriteFile(seedPath,
		[]byte(`[{"id": "5d1c7f0a-9a2e-4d7e-8b31-0c6f4a2e9b15", "title": "Sparse attention"}]`), 0o600))

	cfg := &config.Config{Storage: config.StorageConfig{Backend: config.StorageBackendMemory, SeedPath: seedPath}}
	store, err := OpenStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	assert.Nil(t, store.DB)
	status, err := store.Projects.Status(context.Background(), uuid.MustParse("5d1c7f0a-9a2e-4d7e-8b31-0c6f4a2e9b15"))
	require.NoError(t, err)
	assert.Equal(t, "Sparse attention", status.Project.Title)
	assert.Equal(t, domain.StageDiscover, status.NextStage)
}

func TestOpenStore_MissingSeedFile(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{
		Backend:  config.StorageBackendMemory,
		SeedPath: filepath.Join(t.TempDir(), "absent.json"),
	}}
	_, err := OpenStore(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open seed file")
}

func TestNewSources(t *testing.T) {
	sources := NewSources(config.PaperSourcesConfig{
		SemanticScholar: config.PaperSourceConfig{Enabled: true},
		ArXiv:           config.PaperSourceConfig{Enabled: false},
	}, nil)

	require.Len(t, sources, 2)
	assert.Equal(t, domain.SourceTypeSemanticScholar, sources[0].SourceType())
	assert.True(t, sources[0].IsEnabled())
	assert.Equal(t, domain.SourceTypeArXiv, sources[1].SourceType())
	assert.False(t, sources[1].IsEnabled())
}

func TestNewStageRunner(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{Provider: "openai"}}
	runner, err := NewStageRunner(cfg, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, runner)

	cfg.LLM.Provider = "cohere"
	_, err = NewStageRunner(cfg, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewEventPublisher(t *testing.T) {
	memory := &Store{}

	t.Run("kafka disabled", func(t *testing.T) {
		pub, relay, err := NewEventPublisher(&config.Config{}, memory, true, nil, zerolog.Nop())
		require.NoError(t, err)
		assert.Nil(t, pub)
		assert.Nil(t, relay)
	})

	t.Run("direct kafka", func(t *testing.T) {
		cfg := &config.Config{Kafka: config.KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}, EventsTopic: "events"}}
		pub, relay, err := NewEventPublisher(cfg, memory, true, nil, zerolog.Nop())
		require.NoError(t, err)
		assert.IsType(t, &events.KafkaPublisher{}, pub)
		assert.Nil(t, relay)
		assert.NoError(t, pub.Close())
	})

	t.Run("outbox without database", func(t *testing.T) {
		cfg := &config.Config{Kafka: config.KafkaConfig{Enabled: true, Outbox: true}}
		_, _, err := NewEventPublisher(cfg, memory, true, nil, zerolog.Nop())
		assert.Error(t, err)
	})
}
