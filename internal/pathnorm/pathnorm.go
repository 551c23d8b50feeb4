// Package pathnorm normalizes project paths so that comparisons made for
// target resolution and project indexing are deterministic across platforms.
package pathnorm

import "strings"

// Normalize replaces backslashes with forward slashes, strips trailing
// separators, and case-folds to lowercase. Implementations that only ever
// see POSIX paths can skip the backslash step, but the semantics must stay
// equivalent for ASCII inputs.
func Normalize(path string) string {
	if path == "" {
		return ""
	}
	p := strings.ReplaceAll(path, `\`, "/")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return strings.ToLower(p)
}
