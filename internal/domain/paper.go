package domain

import (
	"strings"
	"time"
	"unicode"
)

// SourceType represents the literature source that provided paper data.
type SourceType string

// Supported literature sources.
const (
	SourceTypeSemanticScholar SourceType = "semantic_scholar"
	SourceTypeArXiv           SourceType = "arxiv"
)

// PaperIdentifiers holds all possible identifiers for an academic paper.
type PaperIdentifiers struct {
	DOI               string `json:"doi,omitempty"`
	ArXivID           string `json:"arxiv_id,omitempty"`
	SemanticScholarID string `json:"semantic_scholar_id,omitempty"`
}

// GenerateCanonicalID generates a canonical identifier from paper identifiers.
// Priority order: DOI > ArXiv > SemanticScholar. Returns empty string if no
// identifiers are available.
func GenerateCanonicalID(ids PaperIdentifiers) string {
	if doi := strings.TrimSpace(ids.DOI); doi != "" {
		return "doi:" + strings.ToLower(doi)
	}
	if arxiv := strings.TrimSpace(ids.ArXivID); arxiv != "" {
		return "arxiv:" + arxiv
	}
	if s2 := strings.TrimSpace(ids.SemanticScholarID); s2 != "" {
		return "s2:" + s2
	}
	return ""
}

// Author represents a paper author.
type Author struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
}

// Paper is a discovered paper as stored in the project's document store.
type Paper struct {
	CanonicalID     string           `json:"canonical_id"`
	Identifiers     PaperIdentifiers `json:"identifiers"`
	Title           string           `json:"title"`
	Abstract        string           `json:"abstract,omitempty"`
	Authors         []Author         `json:"authors,omitempty"`
	PublicationDate *time.Time       `json:"publication_date,omitempty"`
	PublicationYear int              `json:"publication_year,omitempty"`
	Venue           string           `json:"venue,omitempty"`
	CitationCount   int              `json:"citation_count,omitempty"`
	PDFURL          string           `json:"pdf_url,omitempty"`
	OpenAccess      bool             `json:"open_access,omitempty"`
	Source          SourceType       `json:"source"`
	RelevanceScore  float64          `json:"relevance_score"`
}

// StorageKey returns the key a paper is stored under: its identifiers in
// DOI > arXiv > Semantic Scholar order, then CanonicalID, then the
// normalized title.
func (p *Paper) StorageKey() string {
	if id := GenerateCanonicalID(p.Identifiers); id != "" {
		return id
	}
	if p.CanonicalID != "" {
		return p.CanonicalID
	}
	if t := NormalizeTitle(p.Title); t != "" {
		return "title:" + t
	}
	return ""
}

// Summary returns the compact form carried in stage results.
func (p *Paper) Summary() PaperSummary {
	return PaperSummary{
		CanonicalID:    p.CanonicalID,
		Title:          p.Title,
		Year:           p.PublicationYear,
		Source:         string(p.Source),
		RelevanceScore: p.RelevanceScore,
	}
}

// NormalizeTitle lowercases a title and keeps only letters, digits and
// single spaces.
func NormalizeTitle(title string) string {
	var sb strings.Builder
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		default:
			space = true
		}
	}
	return sb.String()
}
