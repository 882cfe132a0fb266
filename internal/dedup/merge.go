// Package dedup merges the papers several literature sources report for one
// search into a single list without duplicates.
package dedup

import (
	"strings"

	"github.com/helixir/research-orchestrator/internal/domain"
)

// MinAuthorOverlap is the author agreement required before two papers that
// share only a normalized title are treated as the same work.
const MinAuthorOverlap = 0.3

// sourcePriority decides which record survives a merge; higher wins.
var sourcePriority = map[domain.SourceType]int{
	domain.SourceTypeArXiv:           2,
	domain.SourceTypeSemanticScholar: 1,
}

// Merge flattens batches into one list in first-seen order. Papers are the
// same work when they share a DOI or arXiv ID, or when their normalized
// titles match and their author lists overlap (or either list is empty).
// The record from the higher priority source is kept and missing fields are
// filled from the other.
func Merge(batches ...[]*domain.Paper) []*domain.Paper {
	var out []*domain.Paper
	byID := make(map[string]int)
	byTitle := make(map[string][]int)

	for _, batch := range batches {
		for _, p := range batch {
			if p == nil {
				continue
			}
			idx := find(out, byID, byTitle, p)
			if idx < 0 {
				idx = len(out)
				cp := *p
				if cp.CanonicalID == "" {
					cp.CanonicalID = domain.GenerateCanonicalID(cp.Identifiers)
				}
				out = append(out, &cp)
			} else {
				out[idx] = combine(out[idx], p)
			}
			index(out[idx], idx, byID, byTitle)
		}
	}
	return out
}

func find(out []*domain.Paper, byID map[string]int, byTitle map[string][]int, p *domain.Paper) int {
	for _, key := range idKeys(p) {
		if i, ok := byID[key]; ok {
			return i
		}
	}
	title := domain.NormalizeTitle(p.Title)
	if title == "" {
		return -1
	}
	for _, i := range byTitle[title] {
		other := out[i]
		if len(p.Authors) == 0 || len(other.Authors) == 0 || AuthorOverlap(p.Authors, other.Authors) >= MinAuthorOverlap {
			return i
		}
	}
	return -1
}

func index(p *domain.Paper, idx int, byID map[string]int, byTitle map[string][]int) {
	for _, key := range idKeys(p) {
		byID[key] = idx
	}
	if title := domain.NormalizeTitle(p.Title); title != "" {
		for _, i := range byTitle[title] {
			if i == idx {
				return
			}
		}
		byTitle[title] = append(byTitle[title], idx)
	}
}

func idKeys(p *domain.Paper) []string {
	var keys []string
	if doi := strings.ToLower(strings.TrimSpace(p.Identifiers.DOI)); doi != "" {
		keys = append(keys, "doi:"+doi)
	}
	if id := strings.TrimSpace(p.Identifiers.ArXivID); id != "" {
		keys = append(keys, "arxiv:"+id)
	}
	if id := strings.TrimSpace(p.Identifiers.SemanticScholarID); id != "" {
		keys = append(keys, "s2:"+id)
	}
	return keys
}

// combine returns the preferred of a and b with gaps filled from the other.
func combine(a, b *domain.Paper) *domain.Paper {
	keep, other := a, b
	if sourcePriority[b.Source] > sourcePriority[a.Source] {
		keep, other = b, a
	}
	m := *keep

	if m.Identifiers.DOI == "" {
		m.Identifiers.DOI = other.Identifiers.DOI
	}
	if m.Identifiers.ArXivID == "" {
		m.Identifiers.ArXivID = other.Identifiers.ArXivID
	}
	if m.Identifiers.SemanticScholarID == "" {
		m.Identifiers.SemanticScholarID = other.Identifiers.SemanticScholarID
	}
	m.CanonicalID = domain.GenerateCanonicalID(m.Identifiers)

	if m.Abstract == "" {
		m.Abstract = other.Abstract
	}
	if m.Venue == "" {
		m.Venue = other.Venue
	}
	if m.PDFURL == "" {
		m.PDFURL = other.PDFURL
	}
	if m.PublicationYear == 0 {
		m.PublicationYear = other.PublicationYear
		m.PublicationDate = other.PublicationDate
	}
	if len(m.Authors) == 0 {
		m.Authors = other.Authors
	}
	if other.CitationCount > m.CitationCount {
		m.CitationCount = other.CitationCount
	}
	m.OpenAccess = m.OpenAccess || other.OpenAccess
	return &m
}
