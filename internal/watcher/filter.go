package watcher

import "strings"

// terminalStates lists platform-specific terminal/cancelled workflow
// state names that mark a resource as no longer actionable, beyond the
// generic code-forge "closed" state (spec.md §4.3.2). Keyed lowercase;
// lookups fold case. Linear's workflow state type for a Done column is
// "completed", not the display name "Done".
var terminalStates = map[string]bool{
	"done":      true,
	"completed": true,
	"cancelled": true,
	"canceled":  true,
}

// pullLikeTypes is the set of resource types whose automated/metadata
// actions are filtered even though the action verb differs by
// provider.
var pullLikeTypes = map[string]bool{
	"pull_request":  true,
	"merge_request": true,
}

// automatedActions are pull/merge-request actions that are automated
// or metadata-only and therefore never worth reacting to.
var automatedActions = map[string]bool{
	"synchronize": true,
	"update":      true,
	"edited":      true,
	"labeled":     true,
	"unlabeled":   true,
	"assigned":    true,
	"unassigned":  true,
	"locked":      true,
	"unlocked":    true,
}

// shouldProcess applies the filtering rules of spec.md §4.3.2, uniformly
// across webhook and polled events, on the already-normalized event
// form. hasRecentHumanActivity is only meaningful for polled
// pull_request/merge_request events; pass true for every other shape.
func shouldProcess(e NormalizedEvent, hasRecentHumanActivity bool) bool {
	action := e.Action
	if action == "opened" || action == "open" {
		return false
	}

	if pullLikeTypes[e.Type] {
		if automatedActions[action] {
			return false
		}
		if action == "poll" && !hasRecentHumanActivity {
			return false
		}
	}

	if e.Resource.State == "closed" && action != "reopened" && action != "reopen" {
		return false
	}

	if terminalStates[strings.ToLower(e.Resource.State)] {
		return false
	}

	if e.Type == "message" {
		inner, _ := e.Metadata["inner_event_type"].(string)
		if inner != "app_mention" {
			return false
		}
	}

	return true
}
