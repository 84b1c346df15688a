// Package sanitize strips unsafe markup from plugin-supplied text before
// it reaches the UI. Plugins run as unsandboxed external processes, and a
// description or preview field handed straight to the UI's renderer is an
// XSS vector.
package sanitize

import "github.com/microcosm-cc/bluemonday"

// policy strips all HTML from plain-text fields.
var policy = bluemonday.StrictPolicy()

// Text strips any HTML markup from a plugin-supplied plain-text field
// (name, description) before it is stored or forwarded to the UI.
func Text(s string) string {
	return policy.Sanitize(s)
}

// HTMLFragment sanitizes a plugin-supplied rich preview fragment with a
// permissive-but-safe policy: basic formatting and links survive, script
// and event-handler content does not.
func HTMLFragment(s string) string {
	return previewPolicy.Sanitize(s)
}

// previewPolicy allows the handful of formatting elements a plugin
// "preview" card plausibly uses, built from bluemonday's UGC baseline.
var previewPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").OnElements("span", "div")
	return p
}()
