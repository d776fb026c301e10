package normalize

import "strings"

// Username returns the canonical form of a username used for storage,
// lookups and comparisons. Normalization trims surrounding whitespace
// and lower-cases the name.
func Username(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}
