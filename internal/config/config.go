// Package config loads launchkitd's recognized options from a well-known
// path and keeps a live snapshot of them for the rest of the daemon to
// read.
package config

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/launchkitd/launchkitd/internal/logger"
)

// Snapshot is the immutable, versioned configuration in effect at a point
// in time. Callers read fields directly; a new Snapshot is produced and swapped in
// whole on every reload, never mutated in place.
type Snapshot struct {
	Version int `yaml:"-"`

	MaxDisplayedResults int               `yaml:"maxDisplayedResults"`
	MaxResultsPerPlugin int               `yaml:"maxResultsPerPlugin"`
	PluginDebounceMs    int               `yaml:"pluginDebounceMs"`
	DebounceMs          int               `yaml:"debounceMs"`
	DiversityDecay      float64           `yaml:"diversityDecay"`
	PluginRankingBonus  map[string]float64 `yaml:"pluginRankingBonus"`
	ExcludedSites       []string          `yaml:"excludedSites"`
	PrefixMap           map[string]string `yaml:"prefixMap"`
	ActionBarHints      map[string]string `yaml:"actionBarHints"`

	// FrecencyRetentionDays and FrecencyCountFloor tune the decay sweep:
	// entries older than the retention window with a count at or below
	// the floor are pruned. Zero selects the built-in defaults.
	FrecencyRetentionDays int   `yaml:"frecencyRetentionDays"`
	FrecencyCountFloor    int64 `yaml:"frecencyCountFloor"`

	// unknown carries every top-level key this version didn't recognize,
	// so Load can warn about it exactly once and otherwise ignore it.
	unknown []string
}

// recognizedKeys mirrors the yaml tags above; used to detect unknown
// top-level keys during Load.
var recognizedKeys = map[string]bool{
	"maxDisplayedResults": true,
	"maxResultsPerPlugin": true,
	"pluginDebounceMs":    true,
	"debounceMs":          true,
	"diversityDecay":      true,
	"pluginRankingBonus":  true,
	"excludedSites":         true,
	"prefixMap":             true,
	"actionBarHints":        true,
	"frecencyRetentionDays": true,
	"frecencyCountFloor":    true,
}

// EffectiveDebounceMs resolves pluginDebounceMs / debounceMs (either name
// selects the query_changed debounce window); the more specific
// pluginDebounceMs wins when both are set.
func (s *Snapshot) EffectiveDebounceMs() int {
	if s.PluginDebounceMs > 0 {
		return s.PluginDebounceMs
	}
	return s.DebounceMs
}

// DefaultPath resolves the well-known config path: $XDG_CONFIG_HOME or
// ~/.config, joined with launchkitd/config.yaml.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "launchkitd", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "launchkitd", "config.yaml")
}

// Load reads and parses path. A missing file yields an empty, all-zero
// Snapshot rather than an error: the daemon starts with defaults.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	for key := range raw {
		if !recognizedKeys[key] {
			snap.unknown = append(snap.unknown, key)
		}
	}
	return &snap, nil
}

// Store holds the current Snapshot behind an atomic pointer so readers
// never observe a partially-applied reload.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore loads path once and returns a Store primed with the result.
func NewStore(path string) (*Store, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(snap)
	s.warnUnknown(snap)
	return s, nil
}

// Current returns the presently active Snapshot.
func (s *Store) Current() *Snapshot { return s.current.Load() }

// Reload re-reads path and atomically swaps in the new Snapshot, bumping
// Version so callers can detect the transition.
func (s *Store) Reload(path string) (*Snapshot, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	prev := s.current.Load()
	if prev != nil {
		snap.Version = prev.Version + 1
	}
	s.current.Store(snap)
	s.warnUnknown(snap)
	return snap, nil
}

// SetPluginRankingBonus live-edits pluginRankingBonus for pluginID,
// persists the change back to path, then reloads. The rewrite serializes
// the full recognized-option set; unknown keys previously ignored by Load
// are not round-tripped.
func (s *Store) SetPluginRankingBonus(path, pluginID string, bonus float64) error {
	cur := s.Current()
	next := *cur
	next.PluginRankingBonus = make(map[string]float64, len(cur.PluginRankingBonus)+1)
	for k, v := range cur.PluginRankingBonus {
		next.PluginRankingBonus[k] = v
	}
	next.PluginRankingBonus[pluginID] = bonus

	data, err := yaml.Marshal(&next)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	_, err = s.Reload(path)
	return err
}

func (s *Store) warnUnknown(snap *Snapshot) {
	for _, key := range snap.unknown {
		logger.WarnUnknownOption(key)
	}
}
