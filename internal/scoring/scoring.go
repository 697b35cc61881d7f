// Package scoring rates completion output with a deterministic confidence
// heuristic. The score is a pure function of the text and the number of
// sources behind it:
//
//	0.30 base
//	+ min(len, 2000)/2000 * 0.30    length, in bytes
//	+ 0.10                          structure, when >= 3 bulleted or numbered lines
//	+ min(sources, 5)/5 * 0.20      corroboration
//	- 0.05 per distinct hedge marker present, at most 0.15
//
// clamped to [0.05, 0.95]. Hedge markers are matched case-insensitively as
// substrings: might, maybe, possibly, perhaps, unclear, uncertain,
// "not sure", "it depends".
package scoring

import "strings"

const (
	base = 0.30

	lengthMax    = 2000
	lengthWeight = 0.30

	structureMin   = 3
	structureBonus = 0.10

	sourcesMax    = 5
	sourcesWeight = 0.20

	hedgePenalty = 0.05
	hedgeCap     = 0.15

	floor   = 0.05
	ceiling = 0.95
)

var hedgeMarkers = []string{
	"might", "maybe", "possibly", "perhaps",
	"unclear", "uncertain", "not sure", "it depends",
}

// Func scores a completion. Agents take one at construction so the
// heuristic can be swapped without touching the runtime.
type Func func(text string, sources int) float64

// Score rates text per the package formula. Same input, same output.
func Score(text string, sources int) float64 {
	s := base

	n := len(text)
	if n > lengthMax {
		n = lengthMax
	}
	s += float64(n) / lengthMax * lengthWeight

	if structuredLines(text) >= structureMin {
		s += structureBonus
	}

	if sources < 0 {
		sources = 0
	}
	if sources > sourcesMax {
		sources = sourcesMax
	}
	s += float64(sources) / sourcesMax * sourcesWeight

	penalty := float64(distinctHedges(text)) * hedgePenalty
	if penalty > hedgeCap {
		penalty = hedgeCap
	}
	s -= penalty

	return clamp(s)
}

// structuredLines counts lines that read as list items: "- ", "* ", "• "
// or a number followed by "." or ")".
func structuredLines(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") || strings.HasPrefix(line, "• ") {
			n++
			continue
		}
		if numbered(line) {
			n++
		}
	}
	return n
}

func numbered(line string) bool {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) {
		return false
	}
	return line[i] == '.' || line[i] == ')'
}

func distinctHedges(text string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, m := range hedgeMarkers {
		if strings.Contains(lower, m) {
			n++
		}
	}
	return n
}

func clamp(s float64) float64 {
	if s < floor {
		return floor
	}
	if s > ceiling {
		return ceiling
	}
	return s
}
