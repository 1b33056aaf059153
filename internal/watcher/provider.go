package watcher

import (
	"context"
	"net/http"
)

// EmitFunc is the per-provider event-handler closure the Dispatcher
// hands to every Provider. Providers call it once per actionable
// normalized event, with the Reactor scoped to that one event.
type EmitFunc func(ctx context.Context, event NormalizedEvent, reactor Reactor)

// Metadata describes a Provider's identity and static capabilities.
type Metadata struct {
	// Name is the provider identifier ("github", "gitlab", "linear",
	// "slack") matched against NormalizedEvent.Provider.
	Name string
	// Pollable reports whether this provider supports Poll (some
	// providers may be webhook-only).
	Pollable bool
}

// Provider is the polymorphic interface every platform adapter
// implements. Each concrete provider owns its signature envelope, API
// client, poller cursor, normalizer, and reactor factory exclusively —
// the Dispatcher never reaches into a provider's internals
// (SPEC_FULL.md §3 "Ownership", §9).
type Provider interface {
	// Metadata returns the provider's static identity.
	Metadata() Metadata

	// Init prepares the provider for use: validates credentials,
	// constructs the platform API client, and optionally resolves the
	// bot's own identity. An error here aborts the Dispatcher's start
	// sequence.
	Init(ctx context.Context) error

	// ValidateWebhook checks a webhook request's signature envelope
	// against this provider's configured secret.
	ValidateWebhook(headers http.Header, body, rawBody []byte) error

	// HandleWebhook parses a validated webhook body, applies the
	// shared event filter, normalizes actionable events, builds a
	// Reactor for each, and invokes emit. Called asynchronously after
	// the WebhookHandler has already acknowledged the HTTP request.
	HandleWebhook(ctx context.Context, headers http.Header, body []byte, emit EmitFunc) error

	// Poll fetches items updated since this provider's cursor, applies
	// the same filter as HandleWebhook, and invokes emit for each
	// actionable item. Called once per poller tick.
	Poll(ctx context.Context, emit EmitFunc) error

	// Shutdown releases any resources the provider holds. Errors are
	// logged by the caller, never propagated as fatal.
	Shutdown(ctx context.Context) error
}

// WebhookHandshake is implemented by providers whose webhook envelope
// includes a platform handshake (Slack's url_verification challenge).
// The WebhookHandler checks for this interface before calling
// ValidateWebhook, per SPEC_FULL.md §4.2 step 3: handshakes bypass
// signature validation and dispatch entirely.
type WebhookHandshake interface {
	// Handshake inspects body and, if it is a handshake request,
	// returns the response payload to echo back with HTTP 200 and ok
	// true. ok is false for ordinary event deliveries.
	Handshake(body []byte) (response map[string]string, ok bool)
}
