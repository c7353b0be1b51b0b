package policy

import "strings"

// LegacyTable is the flat role→permission map kept for actors that
// predate role assignments. No conditions, no priorities, no expiry.
type LegacyTable struct {
	grants map[string][]string
}

// NewLegacyTable builds a table from role → permission slugs.
func NewLegacyTable(grants map[string][]string) *LegacyTable {
	normalized := make(map[string][]string, len(grants))
	for role, slugs := range grants {
		normalized[strings.ToLower(role)] = slugs
	}
	return &LegacyTable{grants: normalized}
}

// HasPermission reports whether the legacy role covers the slug.
// Wildcard grants ("resource:*", "*:*") are honoured.
func (t *LegacyTable) HasPermission(role, slug string) bool {
	if t == nil {
		return false
	}
	resource, action, err := SplitSlug(slug)
	if err != nil {
		return false
	}
	for _, granted := range t.grants[strings.ToLower(role)] {
		p := Permission{Slug: granted}
		if p.Matches(resource, action) {
			return true
		}
	}
	return false
}
