// Package pluginapi defines the wire shapes shared between launchkitd and
// plugin processes: the on-disk manifest format and the request/response
// protocol.
package pluginapi

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Transport identifies how the daemon talks to a plugin process.
type Transport string

const (
	ShortLived Transport = "short_lived"
	LongLived  Transport = "long_lived"
)

// FrecencyPolicy selects what scope_key a plugin's selections are recorded
// against in the frecency store.
type FrecencyPolicy string

const (
	FrecencyItem   FrecencyPolicy = "item"
	FrecencyPlugin FrecencyPolicy = "plugin"
	FrecencyNone   FrecencyPolicy = "none"
)

// DaemonConfig configures a LongLived plugin's persistent child process.
type DaemonConfig struct {
	// Background starts the plugin at daemon start rather than on first use.
	Background bool `yaml:"background"`
	// Socket selects the long-lived wire: "stdio" (default, framed JSON
	// over the child's stdin/stdout) or "ws" (a dedicated local WebSocket
	// listener the child dials back into).
	Socket string `yaml:"socket"`
}

// IndexConfig controls whether a plugin participates in the always-on
// indexed search.
type IndexConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Manifest is the static descriptor loaded from a plugin directory.
type Manifest struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Icon     string   `yaml:"icon"`
	Prefix   string   `yaml:"prefix,omitempty"`
	Patterns []string `yaml:"patterns,omitempty"`
	Priority int      `yaml:"priority"`

	Transport Transport `yaml:"transport"`
	Command   []string  `yaml:"command"`

	Index  IndexConfig  `yaml:"index"`
	Daemon DaemonConfig `yaml:"daemon"`

	Frecency FrecencyPolicy `yaml:"frecency"`

	// Exclusive, when true, cancels the always-on indexed search for
	// queries this plugin claims via prefix/pattern.
	Exclusive bool `yaml:"exclusive,omitempty"`

	// RankingBonus is the plugin's default additive score bonus,
	// overridable live via config or the Control RPC.
	RankingBonus float64 `yaml:"rankingBonus,omitempty"`

	// compiledPatterns is populated by Validate.
	compiledPatterns []*regexp.Regexp
}

// ParseManifest parses and validates a manifest from YAML bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields and compiles Patterns. It is re-run
// whenever a manifest is (re)loaded, including on fsnotify-triggered
// rescans.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest missing id")
	}
	if m.Name == "" {
		return fmt.Errorf("manifest %q missing name", m.ID)
	}
	switch m.Transport {
	case ShortLived, LongLived:
	default:
		return fmt.Errorf("manifest %q has invalid transport %q", m.ID, m.Transport)
	}
	if len(m.Command) == 0 {
		return fmt.Errorf("manifest %q missing command", m.ID)
	}
	switch m.Daemon.Socket {
	case "", "stdio", "ws":
	default:
		return fmt.Errorf("manifest %q has invalid daemon socket %q", m.ID, m.Daemon.Socket)
	}
	switch m.Frecency {
	case "", FrecencyItem, FrecencyPlugin, FrecencyNone:
	default:
		return fmt.Errorf("manifest %q has invalid frecency policy %q", m.ID, m.Frecency)
	}
	m.compiledPatterns = m.compiledPatterns[:0]
	for _, p := range m.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("manifest %q has invalid pattern %q: %w", m.ID, p, err)
		}
		m.compiledPatterns = append(m.compiledPatterns, re)
	}
	return nil
}

// MatchesPattern reports whether query matches any of the manifest's
// compiled Patterns.
func (m *Manifest) MatchesPattern(query string) bool {
	for _, re := range m.compiledPatterns {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

// Equal reports whether two manifests are equivalent in every field the
// wire format carries, which is how a reload decides "changed".
func (m *Manifest) Equal(other *Manifest) bool {
	if other == nil {
		return false
	}
	if m.Name != other.Name || m.Icon != other.Icon || m.Prefix != other.Prefix ||
		m.Priority != other.Priority || m.Transport != other.Transport ||
		m.Index.Enabled != other.Index.Enabled || m.Daemon.Background != other.Daemon.Background ||
		m.Daemon.Socket != other.Daemon.Socket || m.Frecency != other.Frecency ||
		m.Exclusive != other.Exclusive || m.RankingBonus != other.RankingBonus {
		return false
	}
	if len(m.Command) != len(other.Command) || len(m.Patterns) != len(other.Patterns) {
		return false
	}
	for i := range m.Command {
		if m.Command[i] != other.Command[i] {
			return false
		}
	}
	for i := range m.Patterns {
		if m.Patterns[i] != other.Patterns[i] {
			return false
		}
	}
	return true
}
