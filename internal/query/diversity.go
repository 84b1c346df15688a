package query

import (
	"sort"

	"github.com/launchkitd/launchkitd/internal/model"
)

// DefaultDecay is the default per-pick decay factor.
const DefaultDecay = 0.7

// group is one plugin's already-score-sorted remaining candidates.
type group struct {
	pluginID string
	items    []model.ResultItem // sorted score descending, head first
	taken    int
	cap      int // 0 means uncapped
}

func (g *group) headScore(decay float64) (float64, bool) {
	if len(g.items) == 0 {
		return 0, false
	}
	if g.cap > 0 && g.taken >= g.cap {
		return 0, false
	}
	return g.items[0].Score * pow(decay, g.taken), true
}

func (g *group) pop() model.ResultItem {
	item := g.items[0]
	g.items = g.items[1:]
	g.taken++
	return item
}

func pow(base float64, n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= base
	}
	return result
}

// PluginCaps maps plugin_id to an optional hard cap on results taken from
// that plugin; zero means uncapped.
type PluginCaps map[string]int

// Interleave re-selects scored candidates to avoid one plugin dominating
// the result list: group by plugin_id, sort
// each group by score descending, then repeatedly take
// argmax(head_score * decay^count) across groups until all are empty.
func Interleave(items []model.ResultItem, decay float64, caps PluginCaps) []model.ResultItem {
	if decay <= 0 {
		decay = DefaultDecay
	}

	byPlugin := make(map[string][]model.ResultItem)
	var order []string
	for _, it := range items {
		if _, seen := byPlugin[it.PluginID]; !seen {
			order = append(order, it.PluginID)
		}
		byPlugin[it.PluginID] = append(byPlugin[it.PluginID], it)
	}

	groups := make([]*group, 0, len(order))
	for _, pluginID := range order {
		g := &group{pluginID: pluginID, items: byPlugin[pluginID]}
		sort.SliceStable(g.items, func(i, j int) bool { return g.items[i].Score > g.items[j].Score })
		if caps != nil {
			g.cap = caps[pluginID]
		}
		groups = append(groups, g)
	}

	out := make([]model.ResultItem, 0, len(items))
	for {
		bestIdx := -1
		bestScore := 0.0
		for i, g := range groups {
			score, ok := g.headScore(decay)
			if !ok {
				continue
			}
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		if bestIdx == -1 {
			break
		}
		out = append(out, groups[bestIdx].pop())
	}
	return out
}
