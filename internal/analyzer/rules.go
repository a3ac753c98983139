package analyzer

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jxucoder/autopatch/internal/model"
)

// SortRules orders rules by priority (highest first), then creation time,
// then ID, so the first match is the same on every evaluation.
func SortRules(rules []*model.FixRule) []*model.FixRule {
	sorted := make([]*model.FixRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sorted
}

// MatchRule returns the first enabled rule whose pattern matches text, or nil.
// A pattern that is not a valid regular expression matches as a literal.
func MatchRule(rules []*model.FixRule, text string) *model.FixRule {
	for _, r := range SortRules(rules) {
		if !r.Enabled || r.Pattern == "" {
			continue
		}
		if Matches(r.Pattern, text) {
			return r
		}
	}
	return nil
}

// Matches reports whether pattern matches text.
func Matches(pattern, text string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return strings.Contains(text, pattern)
	}
	return re.MatchString(text)
}
