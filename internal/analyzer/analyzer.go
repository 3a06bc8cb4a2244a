// Package analyzer provides the text segmentation behind the keyword
// index. Two variants exist: "default" (unicode word splitting) and
// "segmented" (dictionary-based CJK segmentation via gse). The store
// indexes analyzer output, so both variants share one FTS schema; if the
// segmented dictionary fails to load, callers degrade to the default
// variant instead of failing initialization.
package analyzer

import (
	"strings"
	"unicode"

	"github.com/go-ego/gse"
)

// Variant names.
const (
	Default   = "default"
	Segmented = "segmented"
)

// Analyzer turns text into index tokens. Implementations must be safe
// for concurrent use.
type Analyzer interface {
	Name() string
	Tokenize(text string) []string
}

// Load returns the analyzer for the given variant name. Unknown names
// and a failed segmented-dictionary load both return the default
// analyzer; the error (if any) is returned alongside so the caller can
// log the fallback.
func Load(name string) (Analyzer, error) {
	switch name {
	case Segmented:
		var seg gse.Segmenter
		if err := seg.LoadDict(); err != nil {
			return defaultAnalyzer{}, err
		}
		return &segmentedAnalyzer{seg: seg}, nil
	default:
		return defaultAnalyzer{}, nil
	}
}

// defaultAnalyzer splits on unicode letter/digit boundaries and
// lower-cases, matching FTS5 unicode61 behavior closely enough that the
// default and segmented variants index through the same code path.
type defaultAnalyzer struct{}

func (defaultAnalyzer) Name() string { return Default }

func (defaultAnalyzer) Tokenize(text string) []string {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, t := range tokens {
		tokens[i] = strings.ToLower(t)
	}
	return tokens
}

// segmentedAnalyzer uses gse dictionary segmentation, which splits CJK
// text into words instead of single characters.
type segmentedAnalyzer struct {
	seg gse.Segmenter
}

func (a *segmentedAnalyzer) Name() string { return Segmented }

func (a *segmentedAnalyzer) Tokenize(text string) []string {
	cut := a.seg.Cut(text, true)
	tokens := make([]string, 0, len(cut))
	for _, t := range cut {
		t = strings.TrimFunc(t, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if t != "" {
			tokens = append(tokens, strings.ToLower(t))
		}
	}
	return tokens
}

// matchReplacer removes FTS5 special characters from query tokens.
var matchReplacer = strings.NewReplacer(
	"*", "", "\"", "", "'", "", "(", "", ")", "",
	":", "", "^", "", "{", "", "}", "",
)

// SanitizeQuery strips quotes and control characters from raw query text
// and collapses whitespace.
func SanitizeQuery(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		if r == '"' || r == '\'' || r == '`' {
			return ' '
		}
		return r
	}, query)
	return strings.Join(strings.Fields(cleaned), " ")
}

// MatchQuery builds an FTS5 MATCH expression from query text: the text
// is run through the analyzer, each token is stripped of FTS operators,
// quoted, and OR-joined for broad matching. Returns "" when nothing
// searchable remains.
func MatchQuery(a Analyzer, query string) string {
	var quoted []string
	for _, t := range a.Tokenize(SanitizeQuery(query)) {
		t = strings.TrimSpace(matchReplacer.Replace(t))
		if t != "" {
			quoted = append(quoted, "\""+t+"\"")
		}
	}
	return strings.Join(quoted, " OR ")
}

// IndexText renders text the way the keyword index stores it: analyzer
// tokens joined by single spaces.
func IndexText(a Analyzer, text string) string {
	return strings.Join(a.Tokenize(text), " ")
}
