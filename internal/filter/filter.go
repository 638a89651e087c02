// Package filter holds the stateless line predicates shared by the query and
// streaming paths: bracketed severity tags and regular-expression matches.
package filter

import (
	"regexp"
	"strings"

	"logtail/internal/logerr"
)

// Predicate reports whether a line should be kept.
type Predicate func(line string) bool

// All accepts every line.
func All(string) bool { return true }

// Severity matches lines carrying the bracketed level tag, e.g. "[ERROR]".
// An empty level accepts every line.
func Severity(level string) Predicate {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" || level == "ALL" {
		return All
	}
	level = strings.Trim(level, "[]")
	tag := "[" + level + "]"
	return func(line string) bool {
		if strings.Contains(line, tag) {
			return true
		}
		return strings.Contains(strings.ToUpper(line), tag)
	}
}

// Pattern compiles expr into a predicate using unanchored regexp search.
// A blank expression accepts every line.
func Pattern(expr string) (Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return All, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, logerr.Wrap(logerr.ErrInvalidArgument, "filter", "compile pattern", err)
	}
	return re.MatchString, nil
}

// And combines predicates; nil entries are skipped.
func And(preds ...Predicate) Predicate {
	kept := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return All
	case 1:
		return kept[0]
	}
	return func(line string) bool {
		for _, p := range kept {
			if !p(line) {
				return false
			}
		}
		return true
	}
}
