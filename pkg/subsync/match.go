package subsync

import "strings"

// CustomerIDsMatch is the tolerant customer id comparator used when an exact lookup
// finds nothing: case-insensitive, whitespace-trimmed, and accepting substring
// containment in either direction. Empty ids never match.
//
// The containment rule can yield false positives on short ids; it is kept to absorb
// data-entry drift in stored ids and is the single place to tighten it.
func CustomerIDsMatch(stored, incoming string) bool {
	a := strings.ToLower(strings.TrimSpace(stored))
	b := strings.ToLower(strings.TrimSpace(incoming))
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}
