package dedup

import (
	"strings"
	"unicode"

	"github.com/helixir/research-orchestrator/internal/domain"
)

// AuthorOverlap scores how much two author lists agree, from 0 (disjoint or
// either list empty) to 1 (same people). Each name in the shorter list is
// greedily paired with its most similar unpaired name in the longer one and
// the summed similarity is divided by the size of the union. The score is
// symmetric.
func AuthorOverlap(a, b []domain.Author) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	short, long := normalizeAll(a), normalizeAll(b)
	if len(short) > len(long) {
		short, long = long, short
	}

	used := make([]bool, len(long))
	total, pairs := 0.0, 0
	for _, name := range short {
		best, bestIdx := 0.0, -1
		for j, other := range long {
			if used[j] {
				continue
			}
			if s := nameSimilarity(name, other); s > best {
				best, bestIdx = s, j
			}
		}
		if bestIdx >= 0 {
			used[bestIdx] = true
			total += best
			pairs++
		}
	}

	union := len(short) + len(long) - pairs
	if union == 0 {
		return 0
	}
	return total / float64(union)
}

// NormalizeName lowercases a name, turns "Last, First" into "First Last",
// drops everything that is not a letter or a space and collapses spaces.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if last, first, ok := strings.Cut(name, ","); ok {
		last, first = strings.TrimSpace(last), strings.TrimSpace(first)
		name = last
		if first != "" {
			name = first + " " + last
		}
	}

	var sb strings.Builder
	sb.Grow(len(name))
	space := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return sb.String()
}

// nameSimilarity compares normalized names:
//
//	same last name, same given names   1.0
//	same last name, matching initial   0.9
//	same last name, a given name missing 0.7
//	same last name, different given    0.3
//	different last names               0.0
func nameSimilarity(a, b string) float64 {
	pa, pb := strings.Fields(a), strings.Fields(b)
	if len(pa) == 0 || len(pb) == 0 {
		return 0
	}
	if pa[len(pa)-1] != pb[len(pb)-1] {
		return 0
	}

	ga, gb := pa[:len(pa)-1], pb[:len(pb)-1]
	switch {
	case len(ga) == 0 || len(gb) == 0:
		return 0.7
	case strings.Join(ga, " ") == strings.Join(gb, " "):
		return 1
	case initialOf(ga[0], gb[0]) || initialOf(gb[0], ga[0]):
		return 0.9
	default:
		return 0.3
	}
}

func initialOf(initial, name string) bool {
	return len(initial) == 1 && len(name) > 1 && initial[0] == name[0]
}

func normalizeAll(authors []domain.Author) []string {
	out := make([]string, len(authors))
	for i, a := range authors {
		out[i] = NormalizeName(a.Name)
	}
	return out
}
