// Package semanticscholar searches the Semantic Scholar Graph API.
//
// API documentation: https://api.semanticscholar.org/api-docs/
package semanticscholar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/papersources"
)

const (
	// DefaultBaseURL is the Graph API base URL.
	DefaultBaseURL = "https://api.semanticscholar.org/graph/v1"

	// DefaultRateLimit is the unauthenticated allowance of roughly one
	// request per second.
	DefaultRateLimit = 1.0

	DefaultTimeout    = 30 * time.Second
	DefaultMaxResults = 100

	apiKeyHeader = "x-api-key"
	paperFields  = "paperId,externalIds,title,abstract,year,publicationDate,venue,authors,citationCount,isOpenAccess,openAccessPdf"
	sourceName   = "Semantic Scholar"
)

// Config contains configuration options for the Semantic Scholar client.
type Config struct {
	BaseURL string
	// APIKey raises the rate limit granted by the API.
	APIKey     string
	Timeout    time.Duration
	RateLimit  float64
	MaxResults int
	Enabled    bool
	// OnThrottled is invoked when the API answers 429.
	OnThrottled func()
}

// Client implements papersources.Source for Semantic Scholar.
type Client struct {
	httpClient *papersources.HTTPClient
	config     Config
}

var _ papersources.Source = (*Client)(nil)

// NewClient creates a Semantic Scholar client. If httpClient is nil one is
// built from cfg.
func NewClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if httpClient == nil {
		httpClient = papersources.NewHTTPClient(papersources.HTTPClientConfig{
			Timeout:      cfg.Timeout,
			RateLimit:    cfg.RateLimit,
			BurstSize:    1,
			APIKey:       cfg.APIKey,
			APIKeyHeader: apiKeyHeader,
			OnThrottled:  cfg.OnThrottled,
		})
	}
	return &Client{httpClient: httpClient, config: cfg}
}

// Search queries the paper search endpoint.
func (c *Client) Search(ctx context.Context, q papersources.Query) (*papersources.Result, error) {
	start := time.Now()

	searchURL, err := c.searchURL(q)
	if err != nil {
		return nil, fmt.Errorf("building search URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semantic scholar search: %w", err)
	}
	defer resp.Body.Close()

	if err := errorFromResponse(resp); err != nil {
		return nil, err
	}

	var sr searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	papers := make([]*domain.Paper, 0, len(sr.Data))
	for _, r := range sr.Data {
		if p := toPaper(r); p != nil {
			papers = append(papers, p)
		}
	}

	return &papersources.Result{
		Papers:       papers,
		TotalResults: sr.Total,
		Source:       domain.SourceTypeSemanticScholar,
		Duration:     time.Since(start),
	}, nil
}

func (c *Client) SourceType() domain.SourceType { return domain.SourceTypeSemanticScholar }
func (c *Client) Name() string                  { return sourceName }
func (c *Client) IsEnabled() bool               { return c.config.Enabled }

func (c *Client) searchURL(q papersources.Query) (string, error) {
	text := q.Text()
	if text == "" {
		return "", domain.NewValidationError("keywords", "at least one keyword is required")
	}
	base, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", err
	}
	u := base.JoinPath("paper", "search")

	limit := q.MaxResults
	if limit <= 0 || limit > c.config.MaxResults {
		limit = c.config.MaxResults
	}

	v := u.Query()
	v.Set("query", text)
	v.Set("fields", paperFields)
	v.Set("limit", strconv.Itoa(limit))
	if years := yearRange(q.YearStart, q.YearEnd); years != "" {
		v.Set("year", years)
	}
	u.RawQuery = v.Encode()
	return u.String(), nil
}

// yearRange renders the API's "2019-2023", "2019-" or "-2023" syntax.
func yearRange(from, to int) string {
	switch {
	case from > 0 && to > 0:
		return fmt.Sprintf("%d-%d", from, to)
	case from > 0:
		return fmt.Sprintf("%d-", from)
	case to > 0:
		return fmt.Sprintf("-%d", to)
	}
	return ""
}

func errorFromResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, "failed to read error response", err)
	}

	message := strings.TrimSpace(string(body))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		if er.Error != "" {
			message = er.Error
		} else if er.Message != "" {
			message = er.Message
		}
	}
	return domain.NewExternalAPIError(sourceName, resp.StatusCode, message, nil)
}

func toPaper(r paperResult) *domain.Paper {
	ids := domain.PaperIdentifiers{SemanticScholarID: r.PaperID}
	if r.ExternalIDs != nil {
		ids.DOI = r.ExternalIDs.DOI
		ids.ArXivID = r.ExternalIDs.ArXiv
	}
	canonical := domain.GenerateCanonicalID(ids)
	if canonical == "" || strings.TrimSpace(r.Title) == "" {
		return nil
	}

	p := &domain.Paper{
		CanonicalID:     canonical,
		Identifiers:     ids,
		Title:           strings.TrimSpace(r.Title),
		Abstract:        r.Abstract,
		PublicationYear: r.Year,
		Venue:           r.Venue,
		CitationCount:   r.CitationCount,
		OpenAccess:      r.IsOpenAccess,
		Source:          domain.SourceTypeSemanticScholar,
	}
	if r.PublicationDate != "" {
		if d, err := time.Parse("2006-01-02", r.PublicationDate); err == nil {
			p.PublicationDate = &d
		}
	}
	if r.OpenAccessPDF != nil {
		p.PDFURL = r.OpenAccessPDF.URL
	}
	for _, a := range r.Authors {
		if a.Name != "" {
			p.Authors = append(p.Authors, domain.Author{Name: a.Name})
		}
	}
	return p
}
