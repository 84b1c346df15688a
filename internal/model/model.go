// Package model holds the core-owned runtime types shared across the
// index, frecency, and query packages.
package model

import "encoding/json"

// IndexedItem is one searchable row owned by a plugin.
type IndexedItem struct {
	PluginID    string          `json:"pluginId"`
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Icon        string          `json:"icon,omitempty"`
	IconType    string          `json:"iconType,omitempty"`
	Keywords    []string        `json:"keywords,omitempty"`
	EntryPoint  json.RawMessage `json:"entryPoint,omitempty"`
	Execute     json.RawMessage `json:"execute,omitempty"`
	Preview     json.RawMessage `json:"preview,omitempty"`
}

// Key returns the (plugin_id, item.id) uniqueness key.
func (i IndexedItem) Key() string { return i.PluginID + "\x00" + i.ID }

// Fingerprint is the (plugin_id, query, context) in-flight request key;
// a duplicate in-flight request with the same fingerprint is coalesced.
type Fingerprint struct {
	PluginID string
	Query    string
	Context  string
}

// ResultItem is one result delivered to the UI.
type ResultItem struct {
	PluginID    string          `json:"pluginId"`
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Icon        string          `json:"icon,omitempty"`
	Actions     json.RawMessage `json:"actions,omitempty"`
	Widgets     json.RawMessage `json:"widgets,omitempty"`
	Preview     json.RawMessage `json:"preview,omitempty"`

	// Score is the internal ranking annotation; never serialized to the UI.
	Score float64 `json:"-"`

	// Priority is a plugin-asserted additive score, carried from match
	// responses; internal like Score.
	Priority float64 `json:"-"`

	// Suggestion marks an item surfaced on an empty query from frecency
	// signals rather than a match.
	Suggestion bool `json:"suggestion,omitempty"`
}

// AmbientItem is a plugin-owned persistent indicator shown outside query
// results. Ownership is the emitting plugin; the core keeps
// only the latest snapshot per plugin.
type AmbientItem struct {
	PluginID    string          `json:"pluginId"`
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Icon        string          `json:"icon,omitempty"`
	Actions     json.RawMessage `json:"actions,omitempty"`
}
