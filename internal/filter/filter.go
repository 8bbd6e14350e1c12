// Package filter narrows workflow definitions to a subset of jobs.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/conveyorci/conveyor/internal/workflow"
)

// Pattern represents a compiled filter condition supporting substring
// and regex matching.
type Pattern struct {
	raw   string
	regex *regexp.Regexp
	lower string
}

// Compile transforms raw pattern strings into Pattern values. Patterns
// wrapped in slashes compile as regular expressions, anything else
// matches as a case-insensitive substring.
func Compile(patterns []string) ([]Pattern, error) {
	result := make([]Pattern, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") && len(raw) >= 2 {
			expr := raw[1 : len(raw)-1]
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("compile regexp %q: %w", raw, err)
			}
			result = append(result, Pattern{raw: raw, regex: re})
			continue
		}
		result = append(result, Pattern{raw: raw, lower: strings.ToLower(raw)})
	}
	return result, nil
}

// Match reports whether the pattern matches the supplied string.
func (p Pattern) Match(s string) bool {
	if s == "" {
		return false
	}
	if p.regex != nil {
		return p.regex.MatchString(s)
	}
	return strings.Contains(strings.ToLower(s), p.lower)
}

// Jobs returns a copy of the definition keeping only jobs whose name
// matches some pattern, together with their transitive dependencies so
// the remaining graph stays buildable. An empty pattern list keeps
// everything.
func Jobs(def workflow.Definition, patterns []Pattern) workflow.Definition {
	if len(patterns) == 0 {
		return def
	}

	keep := make(map[string]bool)
	var retain func(name string)
	retain = func(name string) {
		if keep[name] {
			return
		}
		keep[name] = true
		for _, need := range def.Jobs[name].Needs {
			retain(need)
		}
	}
	for _, name := range def.JobOrder {
		for _, p := range patterns {
			if p.Match(name) {
				retain(name)
				break
			}
		}
	}

	out := workflow.Definition{
		Path:     def.Path,
		Name:     def.Name,
		Triggers: def.Triggers,
		Jobs:     make(map[string]workflow.JobTemplate, len(keep)),
	}
	for _, name := range def.JobOrder {
		if keep[name] {
			out.JobOrder = append(out.JobOrder, name)
			out.Jobs[name] = def.Jobs[name]
		}
	}
	return out
}
