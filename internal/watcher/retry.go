package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/thane-ai-agent/internal/httpkit"
)

// Retry defaults shared by every provider's reactor calls (SPEC_FULL.md
// §4.4 "Retry discipline" and §7 "Transport-transient").
const (
	DefaultRetryAttempts = 5
	DefaultRetryBaseDelay = 1 * time.Second
	DefaultRetryCapDelay  = 30 * time.Second
)

// RetryConfig controls exponential back-off retry on transient platform
// API rejections (HTTP 409 and 429).
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	CapDelay  time.Duration
	Logger    *slog.Logger
}

// DefaultRetryConfig returns the spec defaults: 5 attempts, 1s base,
// 30s cap.
func DefaultRetryConfig(logger *slog.Logger) RetryConfig {
	return RetryConfig{
		Attempts:  DefaultRetryAttempts,
		BaseDelay: DefaultRetryBaseDelay,
		CapDelay:  DefaultRetryCapDelay,
		Logger:    logger,
	}
}

// backoffDelay returns min(base * 2^(n-1), cap) for attempt n (1-based),
// the same derivation spec.md §3 specifies for poller back-off state.
func backoffDelay(n int, base, cap time.Duration) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// isRetryableStatus reports whether an HTTP status code represents a
// transient rejection that is worth retrying: 409 (conflict, common on
// code-forge APIs during concurrent writes) or 429 (rate limited).
func isRetryableStatus(code int) bool {
	return code == http.StatusConflict || code == http.StatusTooManyRequests
}

// NewAPIClient builds an *http.Client for outbound platform API calls
// on the shared httpkit transport (timeouts, connection pooling,
// User-Agent). httpkit's transport-level retry (WithRetry) is not
// enabled, so a failed dial or connection is returned to the caller.
// HTTP 409/429 retry happens one level up, in DoJSON, because a 409/429
// is a well-formed HTTP response rather than a transport error; every
// provider uses the DefaultRetryConfig schedule.
func NewAPIClient(userAgent string) *http.Client {
	return httpkit.NewClient(httpkit.WithUserAgent(userAgent), httpkit.WithTimeout(30*time.Second))
}

// DoJSON performs req, retrying on 409/429 responses with exponential
// back-off, and decodes a successful (2xx) JSON response body into out.
// out may be nil when the caller only cares about the status code
// (e.g., a bare POST). req.Body, if any, must support GetBody so it can
// be replayed across retries.
func DoJSON(ctx context.Context, client *http.Client, req *http.Request, cfg RetryConfig, out any) (*http.Response, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultRetryAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryBaseDelay
	}
	if cfg.CapDelay <= 0 {
		cfg.CapDelay = DefaultRetryCapDelay
	}

	var lastResp *http.Response
	var lastErr error

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}

		if !isRetryableStatus(resp.StatusCode) {
			return finishJSON(resp, out)
		}

		body := httpkit.ReadErrorBody(resp.Body, 4096)
		lastResp = resp
		lastErr = fmt.Errorf("transient status %d: %s", resp.StatusCode, body)

		if attempt == cfg.Attempts {
			break
		}

		if cfg.Logger != nil {
			cfg.Logger.Warn("retrying request after transient status",
				"url", req.URL.String(),
				"status", resp.StatusCode,
				"attempt", attempt,
				"maxAttempts", cfg.Attempts,
			)
		}

		delay := backoffDelay(attempt, cfg.BaseDelay, cfg.CapDelay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		if req.GetBody != nil {
			rewound, rewindErr := req.GetBody()
			if rewindErr != nil {
				return nil, fmt.Errorf("rewind request body for retry: %w", rewindErr)
			}
			req.Body = rewound
		}
	}

	return lastResp, lastErr
}

// finishJSON decodes a terminal (non-retried) response.
func finishJSON(resp *http.Response, out any) (*http.Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return resp, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if out == nil {
		return resp, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resp, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// JSONRequest builds an *http.Request with a JSON-encoded body and a
// GetBody func so DoJSON can replay it across retries.
func JSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var buf []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		buf = b
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
