package watcher

import "context"

// LastComment is the result of Reactor.LastComment: the tail of a
// resource's comment thread, or nil when the thread is empty.
type LastComment struct {
	Author string
	Body   string
}

// Reactor is the sole conduit the Dispatcher uses to inspect and
// mutate the thread of conversation on a resource. It is the clearest
// interface-abstraction seat in this design: every provider's native
// threading/resource model collapses into three operations
// (SPEC_FULL.md §4.4, §9). A Reactor is created immediately before
// emission inside Provider.HandleWebhook / Provider.Poll, consumed by
// the Dispatcher on exactly one event, and discarded afterward — it
// never outlives its handler invocation and therefore never needs to
// hold anything beyond a borrowed reference to the Provider's platform
// client.
type Reactor interface {
	// LastComment returns the most recent comment on the resource, or
	// nil if the thread is empty or the lookup failed (retrieval
	// errors are logged by the implementation and reported as a nil
	// result, never as an error, per spec.md §4.4).
	LastComment(ctx context.Context) *LastComment

	// PostComment posts body to the resource's thread and returns an
	// opaque handle. Threading semantics for messaging providers: the
	// comment is written into the thread keyed by the known thread
	// timestamp, or a new thread anchored at the originating message
	// timestamp when none is known yet.
	PostComment(ctx context.Context, body string) (handle string, err error)

	// IsBotAuthor reports whether name matches one of the identities
	// the watcher's own comments may appear under. Pure; no I/O.
	IsBotAuthor(name string) bool
}
