// Package arxiv searches the arXiv preprint server through its Atom query API.
package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/papersources"
)

const (
	// DefaultBaseURL is the arXiv API base URL.
	DefaultBaseURL = "https://export.arxiv.org/api"

	// DefaultRateLimit follows arXiv's guidance of one request every three seconds.
	DefaultRateLimit = 1.0 / 3

	DefaultTimeout    = 30 * time.Second
	DefaultMaxResults = 50

	sourceName = "arXiv"
)

var idPattern = regexp.MustCompile(`arxiv\.org/abs/(.+?)(?:v\d+)?$`)

// Config holds configuration for the arXiv client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  float64
	MaxResults int
	Enabled    bool
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
}

// Client implements papersources.Source for arXiv.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
}

var _ papersources.Source = (*Client)(nil)

// New creates an arXiv client. If httpClient is nil one is built from cfg.
func New(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = papersources.NewHTTPClient(papersources.HTTPClientConfig{
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			BurstSize: 1,
		})
	}
	return &Client{config: cfg, httpClient: httpClient}
}

// Search queries arXiv, newest submissions first.
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
		return nil, fmt.Errorf("arxiv search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, domain.NewExternalAPIError(sourceName, resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	var f feed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding arxiv feed: %w", err)
	}

	papers := make([]*domain.Paper, 0, len(f.Entries))
	for i := range f.Entries {
		if p := toPaper(&f.Entries[i]); p != nil {
			papers = append(papers, p)
		}
	}

	return &papersources.Result{
		Papers:       papers,
		TotalResults: f.TotalResults,
		Source:       domain.SourceTypeArXiv,
		Duration:     time.Since(start),
	}, nil
}

func (c *Client) SourceType() domain.SourceType { return domain.SourceTypeArXiv }
func (c *Client) Name() string                  { return sourceName }
func (c *Client) IsEnabled() bool               { return c.config.Enabled }

func (c *Client) searchURL(q papersources.Query) (string, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/query"

	terms := make([]string, 0, len(q.Keywords)+1)
	for _, k := range q.Keywords {
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		if strings.ContainsRune(k, ' ') {
			k = `"` + k + `"`
		}
		terms = append(terms, "all:"+k)
	}
	if len(terms) == 0 {
		return "", domain.NewValidationError("keywords", "at least one keyword is required")
	}
	if f := dateFilter(q.YearStart, q.YearEnd); f != "" {
		terms = append(terms, f)
	}

	limit := q.MaxResults
	if limit <= 0 || limit > c.config.MaxResults {
		limit = c.config.MaxResults
	}

	v := url.Values{}
	v.Set("search_query", strings.Join(terms, " AND "))
	v.Set("max_results", strconv.Itoa(limit))
	v.Set("sortBy", "submittedDate")
	v.Set("sortOrder", "descending")
	u.RawQuery = v.Encode()
	return u.String(), nil
}

// dateFilter renders a submittedDate range. Zero years are open ends.
func dateFilter(from, to int) string {
	if from == 0 && to == 0 {
		return ""
	}
	lo, hi := "*", "*"
	if from > 0 {
		lo = fmt.Sprintf("%04d01010000", from)
	}
	if to > 0 {
		hi = fmt.Sprintf("%04d12312359", to)
	}
	return fmt.Sprintf("submittedDate:[%s TO %s]", lo, hi)
}

func toPaper(e *entry) *domain.Paper {
	arxivID := extractID(e.ID)
	if arxivID == "" {
		return nil
	}
	ids := domain.PaperIdentifiers{ArXivID: arxivID, DOI: strings.TrimSpace(e.DOI)}

	p := &domain.Paper{
		CanonicalID: domain.GenerateCanonicalID(ids),
		Identifiers: ids,
		Title:       collapse(e.Title),
		Abstract:    collapse(e.Summary),
		Venue:       collapse(e.JournalRef),
		OpenAccess:  true,
		Source:      domain.SourceTypeArXiv,
	}
	if t, err := time.Parse(time.RFC3339, e.Published); err == nil {
		p.PublicationDate = &t
		p.PublicationYear = t.Year()
	}
	for _, a := range e.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			p.Authors = append(p.Authors, domain.Author{Name: name, Affiliation: strings.TrimSpace(a.Affiliation)})
		}
	}
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			p.PDFURL = l.Href
			break
		}
	}
	if p.PDFURL == "" {
		p.PDFURL = "https://arxiv.org/pdf/" + arxivID
	}
	return p
}

// extractID turns "http://arxiv.org/abs/2301.12345v1" into "2301.12345".
func extractID(entryURL string) string {
	m := idPattern.FindStringSubmatch(strings.TrimSpace(entryURL))
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
