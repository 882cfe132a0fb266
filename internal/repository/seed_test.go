package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-orchestrator/internal/domain"
)

func TestSeedProjects(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := uuid.MustParse("0b7a3c8e-2f64-4b1e-9d7c-5a1f0e2d3c4b")

	seed := `[
		{"id": "0b7a3c8e-2f64-4b1e-9d7c-5a1f0e2d3c4b", "title": "Graph neural networks",
		 "params": {"keywords": ["gnn", "molecules"], "year_start": 2019}},
		{"title": "Protein folding", "current_step": "analysis", "params": {"keywords": ["alphafold"]}}
	]`

	n, err := SeedProjects(ctx, store.Projects(), strings.NewReader(seed))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := store.Projects().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Graph neural networks", p.Title)
	assert.Equal(t, domain.StepInit, p.CurrentStep)
	assert.Equal(t, []string{"gnn", "molecules"}, p.Params.Keywords)
	assert.Equal(t, 2019, p.Params.YearStart)

	t.Run("existing projects are skipped", func(t *testing.T) {
		n, err := SeedProjects(ctx, store.Projects(), strings.NewReader(`[{"id": "`+id.String()+`", "title": "again"}]`))
		require.NoError(t, err)
		assert.Zero(t, n)

		p, err := store.Projects().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Graph neural networks", p.Title)
	})

	t.Run("invalid input", func(t *testing.T) {
		tests := []struct {
			name    string
			input   string
			wantErr error
		}{
			{name: "malformed json", input: `{"title":`},
			{name: "missing title", input: `[{"params": {}}]`, wantErr: domain.ErrInvalidInput},
			{name: "unknown step", input: `[{"title": "x", "current_step": "review"}]`, wantErr: domain.ErrDataIntegrity},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := SeedProjects(ctx, NewMemoryStore().Projects(), strings.NewReader(tt.input))
				require.Error(t, err)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
			})
		}
	})
}
