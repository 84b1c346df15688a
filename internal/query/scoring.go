// Package query implements per-keystroke dispatch to matching plugins,
// result aggregation, composite scoring, and diversity-aware interleaving.
package query

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/launchkitd/launchkitd/internal/frecency"
	"github.com/launchkitd/launchkitd/internal/model"
)

// Composite score weights. Learned-shortcut bonuses dominate frecency,
// which dominates the plugin ranking bonus, so exact-learned beats
// prefix-learned beats pure fuzzy.
const (
	fuzzyWeight        = 1000.0
	exactLearnedBonus  = 500.0
	prefixLearnedBonus = 200.0
	frecencyWeight     = 5.0
	frecencyCap        = 300.0
)

// MatchType classifies a candidate's relationship to its frecency entry's
// recent terms.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
	MatchFuzzy  MatchType = "fuzzy"
	MatchNone   MatchType = "none"
)

// Candidate is one scoreable item, gathered from either the always-on
// index search or a plugin's direct search response.
type Candidate struct {
	Item       model.ResultItem
	ScopeKey   string // frecency scope_key: pluginID:itemID
	Keywords   []string
	Bonus      float64 // plugin RankingBonus plus the item's own Priority
}

// searchable is the text fuzzy-matching runs against: name, description,
// and keywords concatenated.
func searchable(c Candidate) string {
	parts := []string{c.Item.Name, c.Item.Description}
	parts = append(parts, c.Keywords...)
	return strings.Join(parts, " ")
}

// candidateSource adapts a []Candidate slice to sahilm/fuzzy.Source so
// FindFrom can score every candidate in one pass without building an
// intermediate []string.
type candidateSource []Candidate

func (s candidateSource) String(i int) string { return searchable(s[i]) }
func (s candidateSource) Len() int            { return len(s) }

// Score computes the composite score for every candidate against query
// and each one's frecency entry, returning candidates with Item.Score
// set: normalized fuzzy x 1000, plus the learned-shortcut match bonus,
// plus min(freq_score x 5, 300), plus the candidate's Bonus. fetch
// and freqScore let callers control frecency lookups (and tests avoid a
// real store).
func Score(candidates []Candidate, query string, fetch func(scopeKey string) frecency.Entry, freqScore func(frecency.Entry) float64) []model.ResultItem {
	fuzzyScores := make(map[int]float64, len(candidates))
	if query != "" {
		matches := fuzzy.FindFrom(query, candidateSource(candidates))
		maxScore := 0
		for _, m := range matches {
			if m.Score > maxScore {
				maxScore = m.Score
			}
		}
		for _, m := range matches {
			normalized := 0.0
			if maxScore > 0 {
				normalized = float64(m.Score) / float64(maxScore)
			}
			fuzzyScores[m.Index] = normalized
		}
	}

	out := make([]model.ResultItem, 0, len(candidates))
	for i, c := range candidates {
		entry := fetch(c.ScopeKey)
		_, matchBonus := classifyMatch(entry, query)

		score := fuzzyScores[i]*fuzzyWeight + matchBonus + c.Bonus
		score += min(freqScore(entry)*frecencyWeight, frecencyCap)

		item := c.Item
		item.Score = score
		out = append(out, item)
	}
	return out
}

// classifyMatch determines the match type and its additive bonus: an
// exact recent-term hit outranks a prefix hit.
func classifyMatch(e frecency.Entry, query string) (MatchType, float64) {
	if query == "" {
		return MatchNone, 0
	}
	q := strings.ToLower(query)
	for _, term := range e.RecentTerms {
		if strings.ToLower(term) == q {
			return MatchExact, exactLearnedBonus
		}
	}
	for _, term := range e.RecentTerms {
		if strings.HasPrefix(strings.ToLower(term), q) {
			return MatchPrefix, prefixLearnedBonus
		}
	}
	return MatchFuzzy, 0
}
