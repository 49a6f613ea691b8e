// Package utils holds small parsing helpers with no domain knowledge.
// Today that is query-parameter parsing for the audit-trail paging
// endpoint; the handlers own the clamping rules.
package utils

import "strconv"

// AtoiDefault parses s as a base-10 int, returning def when s is empty
// or not a plain integer. Callers pass raw query parameters, so garbage
// falls back to the default rather than erroring.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
