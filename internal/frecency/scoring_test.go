package frecency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFreqScoreRecencyMultiplier(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"under an hour", 30 * time.Minute, multiplierHour},
		{"under a day", 12 * time.Hour, multiplierDay},
		{"under a week", 3 * 24 * time.Hour, multiplierWeek},
		{"over a week", 30 * 24 * time.Hour, multiplierOlder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := Entry{Count: 3, LastUsedMs: now.Add(-tc.age).UnixMilli()}
			assert.Equal(t, 3*tc.want, FreqScore(e, now))
		})
	}
}

func TestFreqScoreZeroCountIsZero(t *testing.T) {
	assert.Zero(t, FreqScore(Entry{}, time.Now()))
}

func TestLearnedBoostExactMatchBeatsPrefix(t *testing.T) {
	e := Entry{RecentTerms: []string{"fire", "firefox"}}
	assert.Equal(t, ExactLearnedBonus, LearnedBoost(e, "fire"))
}

func TestLearnedBoostCaseInsensitive(t *testing.T) {
	e := Entry{RecentTerms: []string{"Fire"}}
	assert.Equal(t, ExactLearnedBonus, LearnedBoost(e, "fire"))
}

func TestLearnedBoostPrefixMatch(t *testing.T) {
	e := Entry{RecentTerms: []string{"firefox browser"}}
	assert.Equal(t, PrefixLearnedBonus, LearnedBoost(e, "fire"))
}

func TestLearnedBoostNoMatch(t *testing.T) {
	e := Entry{RecentTerms: []string{"calculator"}}
	assert.Zero(t, LearnedBoost(e, "fire"))
}

func TestLearnedBoostEmptyQuery(t *testing.T) {
	e := Entry{RecentTerms: []string{"fire"}}
	assert.Zero(t, LearnedBoost(e, ""))
}
