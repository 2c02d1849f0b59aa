// Package util provides shared helpers for the control surface.
package util

import (
	"regexp"
	"strings"
)

var (
	// disallowedChars matches anything not in [a-z0-9-_].
	disallowedChars = regexp.MustCompile(`[^a-z0-9\-_]`)
	// multiHyphen collapses consecutive hyphens.
	multiHyphen = regexp.MustCompile(`-{2,}`)
)

// SanitizeForFilename converts a run title or session name to a
// filesystem-safe name, used when naming per-run diagnostic logs.
//   - Lowercases
//   - Replaces spaces with hyphens
//   - Strips all characters not in [a-z0-9-_]
//   - Collapses consecutive hyphens
//   - Trims leading/trailing hyphens
//
// Example: "Warm Cache (staging)" → "warm-cache-staging"
func SanitizeForFilename(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "-")
	s = disallowedChars.ReplaceAllString(s, "")
	s = multiHyphen.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	return s
}
