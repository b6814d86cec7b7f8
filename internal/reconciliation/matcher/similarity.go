package matcher

import (
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

const (
	containmentScore     = 0.9
	containmentMinLength = 4
)

// Unit-cost edits so a single wrong character costs one, not two.
var editOptions = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// Similarity compares two normalized strings and returns a value in [0,1].
//
// The base measure is the Levenshtein ratio 1 - dist(a,b)/max(len(a), len(b))
// counted in runes. When the shorter string has at least four runes and appears
// verbatim inside the longer one ("ord001" inside "pagoord001mesa4") the result is
// raised to 0.9. Empty input scores 0.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	distance := levenshtein.DistanceForStrings(ra, rb, editOptions)
	ratio := 1 - float64(distance)/float64(longest)
	if ratio < 0 {
		ratio = 0
	}

	shorter, longer := a, b
	if len(rb) < len(ra) {
		shorter, longer = b, a
	}
	if len([]rune(shorter)) >= containmentMinLength && strings.Contains(longer, shorter) && ratio < containmentScore {
		return containmentScore
	}
	return ratio
}

func bestSimilarity(sources, targets []string) float64 {
	best := 0.0
	for _, source := range sources {
		for _, target := range targets {
			if score := Similarity(source, target); score > best {
				best = score
			}
		}
	}
	return best
}
