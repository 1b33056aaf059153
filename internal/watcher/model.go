// Package watcher implements the event-watcher dispatcher: multi-source
// ingestion (webhook + polling) from code-forge, issue-tracker, and chat
// platforms, normalization into a single event shape, idempotency
// enforcement via the source platform's own comment stream, and
// orchestrated invocation of an operator-configured command.
package watcher

import "time"

// Comment carries the conversation note that triggered a webhook
// delivery. The tail of a resource's comment thread is reported
// separately, as the LastComment type returned by Reactor.LastComment.
type Comment struct {
	// Body is the raw comment text.
	Body string
	// Author is the platform username that posted the comment.
	Author string
	// URL is the web URL of the comment, when the platform exposes one.
	URL string
}

// Resource describes the item a NormalizedEvent is about: an issue, a
// pull/merge request, or a threaded chat message.
type Resource struct {
	// Number is a small integer handle local to Repository. Zero when
	// the platform has no numbering scheme (e.g., chat messages).
	Number int
	// Title is the resource's title or, for messages, a short excerpt.
	Title string
	// Description is the resource body/description text.
	Description string
	// URL is the resource's web URL.
	URL string
	// State is the resource's lifecycle state (e.g. "open", "closed",
	// or a platform-specific workflow state name).
	State string
	// Repository is the logical container key: a repo full name, a
	// project path, a team key, or a channel id. Never empty.
	Repository string

	// Author is the username of the resource's creator, when known.
	Author string
	// Assignees lists usernames assigned to the resource.
	Assignees []string
	// Labels lists label names applied to the resource.
	Labels []string
	// Branch is the source branch for pull/merge requests.
	Branch string
	// MergeTo is the target branch for pull/merge requests.
	MergeTo string
	// Comment carries the triggering conversation note, when the event
	// is a comment/note creation rather than a resource state change.
	Comment *Comment
}

// Actor identifies who caused a NormalizedEvent.
type Actor struct {
	// Username is the platform display handle.
	Username string
	// ID is the platform-internal, numeric-or-opaque user identifier.
	ID string
}

// NormalizedEvent is the common record every Provider produces and the
// Dispatcher consumes uniformly, regardless of source platform. See
// SPEC_FULL.md §3 for the full field semantics.
type NormalizedEvent struct {
	// ID is globally unique and stable within the source delivery:
	// "{provider}:{resource-key}:{action}:{native-id}:{delivery-or-ts}".
	// Used only for logging and EVENT_SHORT_ID derivation.
	ID string
	// Provider is the source name ("github", "gitlab", "linear", "slack").
	Provider string
	// Type is the resource kind ("issue", "pull_request", "merge_request",
	// "message", ...).
	Type string
	// Action is the verb: a native action ("opened", "closed",
	// "reopened", "edited", "assigned", "commented", "synchronize",
	// "update", "merged", "created") or the sentinel "poll" for items
	// surfaced by polling rather than delivered via webhook.
	Action string
	// Resource carries the mandatory and optional resource facts.
	Resource Resource
	// Actor identifies who caused the event.
	Actor Actor
	// Metadata is an extensible provenance bag. Timestamp is always
	// present and ISO-8601 formatted.
	Metadata map[string]any
	// Raw is the source payload, retained verbatim for template
	// rendering. Never inspected by the Dispatcher.
	Raw any
}

// Timestamp returns the event's metadata timestamp, or the zero time
// when absent.
func (e NormalizedEvent) Timestamp() time.Time {
	v, ok := e.Metadata["timestamp"]
	if !ok {
		return time.Time{}
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Polled reports whether the event was surfaced by a poller rather than
// a webhook delivery.
func (e NormalizedEvent) Polled() bool {
	v, ok := e.Metadata["polled"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Valid checks the invariants every NormalizedEvent must satisfy
// (SPEC_FULL.md §3): non-empty id, provider, and resource.repository.
func (e NormalizedEvent) Valid() error {
	if e.ID == "" {
		return errEmptyField("id")
	}
	if e.Provider == "" {
		return errEmptyField("provider")
	}
	if e.Resource.Repository == "" {
		return errEmptyField("resource.repository")
	}
	return nil
}
