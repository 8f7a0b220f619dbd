// Package templates substitutes {{variable}} tokens into reply bodies.
// Missing variables render as empty strings so a half-filled context never
// leaks raw tokens to a lead.
package templates

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render replaces every {{token}} in body with its context value.
func Render(body string, context map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(body, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		return context[name]
	})
}

// Variables lists the distinct token names referenced by body, in order of
// first appearance.
func Variables(body string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range tokenPattern.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// FormatSlotOptions renders a candidate list into the slot_options variable:
// one line per option.
func FormatSlotOptions(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	var b strings.Builder
	for i, label := range labels {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(label)
	}
	return b.String()
}
