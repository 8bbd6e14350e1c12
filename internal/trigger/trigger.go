// Package trigger decides whether a repository event starts a workflow run.
package trigger

import (
	"path"

	"github.com/conveyorci/conveyor/internal/workflow"
)

// ShouldRun reports whether the event matches at least one trigger rule
// of the definition. An event without a kind is a configuration error
// and never starts a run.
func ShouldRun(event workflow.Event, def workflow.Definition) (bool, error) {
	if event.Kind == "" {
		return false, workflow.Configf("event is missing a kind")
	}
	for _, rule := range def.Triggers {
		if rule.Event != event.Kind {
			continue
		}
		if len(rule.Branches) == 0 {
			return true, nil
		}
		if matchesBranch(event.Branch, rule.Branches) {
			return true, nil
		}
	}
	return false, nil
}

func matchesBranch(branch string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}
