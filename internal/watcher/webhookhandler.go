package watcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// NewWebhookHandlerFunc adapts a Provider into the http.HandlerFunc the
// WebhookServer mounts at "POST {basePath}/webhook/{provider}"
// (spec.md §4.2). The handler acknowledges with HTTP 202 before any
// platform API call or subprocess execution — processing continues on
// a detached goroutine so that slow downstream work never risks the
// platform's own webhook delivery timeout.
func NewWebhookHandlerFunc(p Provider, emit EmitFunc, logger *slog.Logger) http.HandlerFunc {
	name := p.Metadata().Name
	if logger == nil {
		logger = slog.Default()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		rawBody, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Warn("webhook handler: failed to read body", "provider", name, "error", err)
			writeJSONError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		body, err := normalizeEnvelope(r.Header.Get("Content-Type"), rawBody)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unsupported content type")
			return
		}

		if hs, ok := p.(WebhookHandshake); ok {
			if resp, isHandshake := hs.Handshake(body); isHandshake {
				writeJSON(w, http.StatusOK, resp)
				return
			}
		}

		if err := p.ValidateWebhook(r.Header, body, rawBody); err != nil {
			logger.Warn("webhook handler: validation failed", "provider", name, "error", err)
			writeJSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

		headers := r.Header.Clone()
		go func() {
			ctx := context.Background()
			if err := p.HandleWebhook(ctx, headers, body, emit); err != nil {
				logger.Error("webhook handler: processing failed", "provider", name, "error", err)
			}
		}()
	}
}

// normalizeEnvelope returns the JSON payload bytes regardless of
// whether the body arrived as a raw JSON document or as a
// form-encoded request carrying the JSON in a "payload" field
// (spec.md §4.2 step 2).
func normalizeEnvelope(contentType string, rawBody []byte) ([]byte, error) {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))

	switch mediaType {
	case "", "application/json":
		return rawBody, nil
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(rawBody))
		if err != nil {
			return nil, err
		}
		return []byte(values.Get("payload")), nil
	default:
		return rawBody, nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
