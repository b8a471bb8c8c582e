package templates

import "strings"

// Filter returns the templates matching a search term and a category. The
// term matches case-insensitively against title and description; an empty
// term or category means no constraint on that axis.
func Filter(ts []Template, term, category string) []Template {
	term = strings.ToLower(strings.TrimSpace(term))

	out := make([]Template, 0, len(ts))
	for _, t := range ts {
		if term != "" &&
			!strings.Contains(strings.ToLower(t.Title), term) &&
			!strings.Contains(strings.ToLower(t.Description), term) {
			continue
		}
		if category != "" && t.Category != category {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Categories returns the distinct categories in first-appearance order.
func Categories(ts []Template) []string {
	seen := make(map[string]bool, len(ts))
	var out []string
	for _, t := range ts {
		if t.Category == "" || seen[t.Category] {
			continue
		}
		seen[t.Category] = true
		out = append(out, t.Category)
	}
	return out
}
