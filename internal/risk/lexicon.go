package risk

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var curatedLexicon []byte

// Tier groups lexicon terms by weight.
type Tier string

const (
	TierIntent   Tier = "intent"
	TierHigh     Tier = "high"
	TierModerate Tier = "moderate"
)

var tierWeight = map[Tier]float64{
	TierIntent:   1.0,
	TierHigh:     0.35,
	TierModerate: 0.15,
}

// tierOrder lists tiers from most to least severe.
var tierOrder = []Tier{TierIntent, TierHigh, TierModerate}

type lexiconFile struct {
	Version int               `yaml:"version"`
	Tiers   map[Tier][]string `yaml:"tiers"`
}

type term struct {
	text    string
	tier    Tier
	pattern *regexp.Regexp
}

// Lexicon is an immutable set of compiled terms.
type Lexicon struct {
	terms []term
}

// DefaultLexicon returns the curated lexicon.
func DefaultLexicon() (*Lexicon, error) {
	return LoadLexicon("")
}

// LoadLexicon compiles the curated lexicon and merges the operator file at
// path, if any. Operator terms are added; a term listed in several tiers is
// kept in the most severe one.
func LoadLexicon(path string) (*Lexicon, error) {
	files := [][]byte{curatedLexicon}
	if path != "" {
		extra, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read operator lexicon: %w", err)
		}
		files = append(files, extra)
	}

	assigned := make(map[string]Tier)
	for i, raw := range files {
		var lf lexiconFile
		if err := yaml.Unmarshal(raw, &lf); err != nil {
			return nil, fmt.Errorf("parse lexicon %d: %w", i, err)
		}
		for tier, words := range lf.Tiers {
			if _, ok := tierWeight[tier]; !ok {
				return nil, fmt.Errorf("unknown lexicon tier %q", tier)
			}
			for _, w := range words {
				text := normalizeTerm(w)
				if text == "" {
					continue
				}
				if prev, ok := assigned[text]; !ok || tierWeight[tier] > tierWeight[prev] {
					assigned[text] = tier
				}
			}
		}
	}

	texts := make([]string, 0, len(assigned))
	for text := range assigned {
		texts = append(texts, text)
	}
	sort.Strings(texts)

	lex := &Lexicon{terms: make([]term, 0, len(texts))}
	for _, text := range texts {
		pattern, err := compileTerm(text)
		if err != nil {
			return nil, fmt.Errorf("compile term %q: %w", text, err)
		}
		lex.terms = append(lex.terms, term{text: text, tier: assigned[text], pattern: pattern})
	}
	return lex, nil
}

// Size is the number of distinct terms.
func (l *Lexicon) Size() int {
	return len(l.terms)
}

// Contains reports whether text is a term and in which tier.
func (l *Lexicon) Contains(text string) (Tier, bool) {
	text = normalizeTerm(text)
	for _, t := range l.terms {
		if t.text == text {
			return t.tier, true
		}
	}
	return "", false
}

// match sums the weight of every distinct term found in texts and reports
// whether an intent term matched. A term counts once however often it occurs.
func (l *Lexicon) match(texts []string) (sum float64, intent bool) {
	if len(texts) == 0 {
		return 0, false
	}
	normalized := make([]string, len(texts))
	for i, t := range texts {
		normalized[i] = normalizeText(t)
	}
	for _, t := range l.terms {
		for _, text := range normalized {
			if !t.pattern.MatchString(text) {
				continue
			}
			sum += tierWeight[t.tier]
			if t.tier == TierIntent {
				intent = true
			}
			break
		}
	}
	return sum, intent
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'", "`", "'")

func normalizeText(s string) string {
	return strings.ToLower(apostrophes.Replace(s))
}

func normalizeTerm(s string) string {
	return strings.Join(strings.Fields(normalizeText(s)), " ")
}

// compileTerm builds a whole-word pattern that tolerates any whitespace run
// between words.
func compileTerm(text string) (*regexp.Regexp, error) {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.Compile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`)
}
