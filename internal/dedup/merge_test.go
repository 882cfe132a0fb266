package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-orchestrator/internal/domain"
)

func TestMerge_ByIdentifier(t *testing.T) {
	arxiv := []*domain.Paper{{
		Identifiers: domain.PaperIdentifiers{ArXivID: "2301.1"},
		CanonicalID: "arxiv:2301.1",
		Title:       "Graph Retrieval",
		Source:      domain.SourceTypeArXiv,
		OpenAccess:  true,
	}}
	s2 := []*domain.Paper{{
		Identifiers:   domain.PaperIdentifiers{ArXivID: "2301.1", DOI: "10.1/X", SemanticScholarID: "s"},
		CanonicalID:   "doi:10.1/x",
		Title:         "Graph retrieval (extended)",
		Abstract:      "abstract",
		Venue:         "ICML",
		CitationCount: 7,
		Source:        domain.SourceTypeSemanticScholar,
	}}

	got := Merge(arxiv, s2)
	require.Len(t, got, 1)

	p := got[0]
	assert.Equal(t, domain.SourceTypeArXiv, p.Source, "arXiv record is preferred")
	assert.Equal(t, "Graph Retrieval", p.Title)
	assert.Equal(t, "doi:10.1/x", p.CanonicalID, "canonical ID recomputed from merged identifiers")
	assert.Equal(t, "abstract", p.Abstract)
	assert.Equal(t, "ICML", p.Venue)
	assert.Equal(t, 7, p.CitationCount)
	assert.True(t, p.OpenAccess)
}

func TestMerge_ByTitle(t *testing.T) {
	a := &domain.Paper{Title: "Deep Learning: A Survey!", Authors: authors("Jane Doe", "Bo Chen"), Source: domain.SourceTypeSemanticScholar}
	b := &domain.Paper{Title: "deep learning a survey", Authors: authors("J. Doe"), Source: domain.SourceTypeArXiv}
	c := &domain.Paper{Title: "Deep Learning - a Survey", Authors: authors("Max Mustermann"), Source: domain.SourceTypeArXiv}
	d := &domain.Paper{Title: "Deep learning, a survey", Source: domain.SourceTypeSemanticScholar}

	got := Merge([]*domain.Paper{a}, []*domain.Paper{b, c, d})
	require.Len(t, got, 2, "different authors under the same title are kept apart")

	assert.Equal(t, domain.SourceTypeArXiv, got[0].Source)
	assert.Equal(t, authors("J. Doe"), got[0].Authors)
	assert.Equal(t, authors("Max Mustermann"), got[1].Authors)
}

func TestMerge_SetsCanonicalIDOnSinglePapers(t *testing.T) {
	got := Merge([]*domain.Paper{
		{Identifiers: domain.PaperIdentifiers{ArXivID: "2401.7", SemanticScholarID: "abc"}, Title: "Only on arXiv"},
		{Identifiers: domain.PaperIdentifiers{SemanticScholarID: "def"}, Title: "Only on S2"},
		{Title: "No identifiers"},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "arxiv:2401.7", got[0].CanonicalID)
	assert.Equal(t, "s2:def", got[1].CanonicalID)
	assert.Empty(t, got[2].CanonicalID)
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	in := &domain.Paper{Title: "T", Source: domain.SourceTypeSemanticScholar}
	other := &domain.Paper{Title: "T", Abstract: "filled", Source: domain.SourceTypeSemanticScholar}

	got := Merge([]*domain.Paper{in, nil}, []*domain.Paper{other})
	require.Len(t, got, 1)
	assert.Equal(t, "filled", got[0].Abstract)
	assert.Empty(t, in.Abstract)
}

func TestMerge_Empty(t *testing.T) {
	assert.Empty(t, Merge())
	assert.Empty(t, Merge(nil, []*domain.Paper{}))
}
