package semanticscholar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/papersources"
)

func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL
	cfg.Enabled = true
	hc := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		RateLimit:    1000,
		BurstSize:    10,
		MaxRetries:   1,
		RetryDelay:   time.Millisecond,
		APIKey:       cfg.APIKey,
		APIKeyHeader: apiKeyHeader,
		OnThrottled:  cfg.OnThrottled,
	})
	return NewClient(cfg, hc)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{}, nil)
	assert.Equal(t, DefaultBaseURL, c.config.BaseURL)
	assert.Equal(t, DefaultMaxResults, c.config.MaxResults)
	assert.False(t, c.IsEnabled())
	assert.Equal(t, domain.SourceTypeSemanticScholar, c.SourceType())
	assert.Equal(t, "Semantic Scholar", c.Name())
}

func TestClient_Search(t *testing.T) {
	var gotKey string
	client := newTestClient(t, Config{APIKey: "k", MaxResults: 50}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/paper/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "graph retrieval", q.Get("query"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.Equal(t, "2019-2023", q.Get("year"))
		gotKey = r.Header.Get(apiKeyHeader)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"total": 2,
			"data": [
				{
					"paperId": "abc",
					"title": "Graph Retrieval",
					"abstract": "We retrieve graphs.",
					"year": 2022,
					"publicationDate": "2022-05-01",
					"venue": "NeurIPS",
					"authors": [{"name": "Jane Doe"}, {"name": ""}],
					"citationCount": 12,
					"isOpenAccess": true,
					"openAccessPdf": {"url": "https://example.com/a.pdf"},
					"externalIds": {"DOI": "10.1/ABC", "ArXiv": "2205.00001"}
				},
				{"paperId": "", "title": "No identifiers"}
			]
		}`))
	})

	res, err := client.Search(context.Background(), papersources.Query{
		Keywords:   []string{"graph", "retrieval"},
		YearStart:  2019,
		YearEnd:    2023,
		MaxResults: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, "k", gotKey)
	assert.Equal(t, 2, res.TotalResults)
	require.Len(t, res.Papers, 1)

	p := res.Papers[0]
	assert.Equal(t, "doi:10.1/abc", p.CanonicalID)
	assert.Equal(t, "2205.00001", p.Identifiers.ArXivID)
	assert.Equal(t, "abc", p.Identifiers.SemanticScholarID)
	assert.Equal(t, 12, p.CitationCount)
	assert.Equal(t, "https://example.com/a.pdf", p.PDFURL)
	require.NotNil(t, p.PublicationDate)
	assert.Equal(t, time.May, p.PublicationDate.Month())
	assert.Equal(t, []domain.Author{{Name: "Jane Doe"}}, p.Authors)
	assert.Equal(t, domain.SourceTypeSemanticScholar, p.Source)
}

func TestClient_SearchErrorBody(t *testing.T) {
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Forbidden"}`))
	})

	_, err := client.Search(context.Background(), papersources.Query{Keywords: []string{"x"}})
	var apiErr *domain.ExternalAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "Forbidden", apiErr.Message)
}

func TestClient_SearchThrottled(t *testing.T) {
	var throttled atomic.Int32
	client := newTestClient(t, Config{OnThrottled: func() { throttled.Add(1) }}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Search(context.Background(), papersources.Query{Keywords: []string{"x"}})
	require.Error(t, err)
	assert.Equal(t, int32(2), throttled.Load())
}

func TestYearRange(t *testing.T) {
	assert.Equal(t, "", yearRange(0, 0))
	assert.Equal(t, "2019-", yearRange(2019, 0))
	assert.Equal(t, "-2021", yearRange(0, 2021))
	assert.Equal(t, "2019-2021", yearRange(2019, 2021))
}
