package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// slackAPIBase is Slack's REST API root; no Slack SDK appears in the
// retrieved example corpus so this provider speaks the Web API
// directly over the shared httpkit-backed client.
const slackAPIBase = "https://slack.com/api"

// SlackConfig configures the Slack provider. Slack has no poll
// surface worth exercising here — channel history polling would
// duplicate events the Events API already pushes — so Pollable is
// false (spec.md §4.3, provider capability table).
type SlackConfig struct {
	BotToken      Secret
	SigningSecret Secret
	BotIdentities BotIdentities
}

// Slack implements Provider for Slack channel messages delivered via
// the Events API.
type Slack struct {
	cfg    SlackConfig
	logger *slog.Logger

	client   *http.Client
	botToken string
	secret   string
	botID    string
}

// NewSlack creates a Slack provider.
func NewSlack(cfg SlackConfig, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slack{cfg: cfg, logger: logger}
}

// Metadata implements Provider.
func (s *Slack) Metadata() Metadata {
	return Metadata{Name: "slack", Pollable: false}
}

// Init implements Provider.
func (s *Slack) Init(ctx context.Context) error {
	botToken, err := s.cfg.BotToken.Resolve()
	if err != nil {
		return fmt.Errorf("slack: resolve bot token: %w", err)
	}
	secret, err := s.cfg.SigningSecret.Resolve()
	if err != nil {
		return fmt.Errorf("slack: resolve signing secret: %w", err)
	}
	s.botToken = botToken
	s.secret = secret
	s.client = NewAPIClient("watcher-slack/1.0")

	botID, err := s.resolveBotID(ctx)
	if err != nil {
		s.logger.Warn("slack: failed to resolve bot identity via auth.test", "error", err)
	} else {
		s.botID = botID
	}
	return nil
}

type slackAuthTestResponse struct {
	OK     bool   `json:"ok"`
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

func (s *Slack) resolveBotID(ctx context.Context) (string, error) {
	req, err := JSONRequest(ctx, http.MethodPost, slackAPIBase+"/auth.test", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	var resp slackAuthTestResponse
	if _, err := DoJSON(ctx, s.client, req, DefaultRetryConfig(s.logger), &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("auth.test: %s", resp.Error)
	}
	return resp.UserID, nil
}

// ValidateWebhook implements Provider: replay-guarded HMAC envelope via
// X-Slack-Signature and X-Slack-Request-Timestamp (spec.md §6.2).
func (s *Slack) ValidateWebhook(headers http.Header, body, rawBody []byte) error {
	return verifyReplayGuarded(
		s.secret,
		headers.Get("X-Slack-Signature"),
		headers.Get("X-Slack-Request-Timestamp"),
		rawBody,
		time.Now(),
	)
}

type slackHandshakeRequest struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// Handshake implements WebhookHandshake: Slack's Events API subscribes
// a URL by POSTing {"type":"url_verification","challenge":"..."} once,
// before any signature secret need be honored.
func (s *Slack) Handshake(body []byte) (map[string]string, bool) {
	var req slackHandshakeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false
	}
	if req.Type != "url_verification" {
		return nil, false
	}
	return map[string]string{"challenge": req.Challenge}, true
}

type slackEventEnvelope struct {
	Type  string `json:"type"`
	Event struct {
		Type           string `json:"type"`
		SubType        string `json:"subtype"`
		User           string `json:"user"`
		Text           string `json:"text"`
		Channel        string `json:"channel"`
		Ts             string `json:"ts"`
		ThreadTs       string `json:"thread_ts"`
		BotID          string `json:"bot_id"`
	} `json:"event"`
}

// HandleWebhook implements Provider.
func (s *Slack) HandleWebhook(ctx context.Context, headers http.Header, body []byte, emit EmitFunc) error {
	var envelope slackEventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("slack: unmarshal payload: %w", err)
	}

	if envelope.Type != "event_callback" {
		return nil
	}
	if envelope.Event.BotID != "" {
		return nil
	}
	if envelope.Event.Type != "message" && envelope.Event.Type != "app_mention" {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	threadTs := envelope.Event.ThreadTs
	if threadTs == "" {
		threadTs = envelope.Event.Ts
	}

	event := NormalizedEvent{
		ID:       fmt.Sprintf("slack:%s:message:%s:%d", envelope.Event.Channel, envelope.Event.Ts, time.Now().Unix()),
		Provider: "slack",
		Type:     "message",
		Action:   "posted",
		Resource: Resource{
			Repository: envelope.Event.Channel,
			Comment: &Comment{
				Body:   envelope.Event.Text,
				Author: envelope.Event.User,
			},
		},
		Actor:    Actor{Username: envelope.Event.User},
		Metadata: map[string]any{"timestamp": now, "inner_event_type": envelope.Event.Type, "thread_ts": threadTs},
		Raw:      envelope,
	}

	if !shouldProcess(event, true) {
		return nil
	}

	reactor := s.newReactor(envelope.Event.Channel, threadTs)
	emit(ctx, event, reactor)
	return nil
}

// Poll implements Provider; Slack delivers events exclusively via the
// Events API push surface.
func (s *Slack) Poll(ctx context.Context, emit EmitFunc) error { return nil }

// Shutdown implements Provider.
func (s *Slack) Shutdown(ctx context.Context) error { return nil }

func (s *Slack) newReactor(channel, threadTs string) Reactor {
	return &slackReactor{slack: s, channel: channel, threadTs: threadTs}
}

type slackMessage struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	Ts       string `json:"ts"`
}

type slackConversationRepliesResponse struct {
	OK       bool           `json:"ok"`
	Messages []slackMessage `json:"messages"`
	Error    string         `json:"error"`
}

type slackReactor struct {
	slack    *Slack
	channel  string
	threadTs string
}

func (r *slackReactor) LastComment(ctx context.Context) *LastComment {
	endpoint := fmt.Sprintf("%s/conversations.replies?channel=%s&ts=%s",
		slackAPIBase, url.QueryEscape(r.channel), url.QueryEscape(r.threadTs))

	req, err := JSONRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+r.slack.botToken)

	var resp slackConversationRepliesResponse
	if _, err := DoJSON(ctx, r.slack.client, req, DefaultRetryConfig(r.slack.logger), &resp); err != nil || !resp.OK {
		if err == nil {
			r.slack.logger.Warn("slack reactor: conversations.replies failed", "channel", r.channel, "error", resp.Error)
		} else {
			r.slack.logger.Warn("slack reactor: last comment lookup failed", "channel", r.channel, "error", err)
		}
		return nil
	}
	if len(resp.Messages) == 0 {
		return nil
	}
	last := resp.Messages[len(resp.Messages)-1]
	author := last.User
	if last.BotID != "" {
		author = last.BotID
	}
	return &LastComment{Author: author, Body: last.Text}
}

type slackPostMessageResponse struct {
	OK    bool   `json:"ok"`
	Ts    string `json:"ts"`
	Error string `json:"error"`
}

func (r *slackReactor) PostComment(ctx context.Context, body string) (string, error) {
	endpoint := slackAPIBase + "/chat.postMessage"

	req, err := JSONRequest(ctx, http.MethodPost, endpoint, map[string]string{
		"channel":   r.channel,
		"text":      body,
		"thread_ts": r.threadTs,
	})
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+r.slack.botToken)

	var resp slackPostMessageResponse
	if _, err := DoJSON(ctx, r.slack.client, req, DefaultRetryConfig(r.slack.logger), &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPostFailed, err)
	}
	if !resp.OK {
		return "", fmt.Errorf("%w: %s", ErrPostFailed, resp.Error)
	}
	return resp.Ts, nil
}

func (r *slackReactor) IsBotAuthor(name string) bool {
	if r.slack.botID != "" && name == r.slack.botID {
		return true
	}
	return r.slack.cfg.BotIdentities.Is(name)
}
