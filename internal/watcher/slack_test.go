package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlack_Metadata(t *testing.T) {
	s := NewSlack(SlackConfig{}, nil)
	assert.Equal(t, Metadata{Name: "slack", Pollable: false}, s.Metadata())
}

func TestSlack_Poll_IsNoop(t *testing.T) {
	s := NewSlack(SlackConfig{}, nil)
	emit := func(ctx context.Context, e NormalizedEvent, r Reactor) { t.Fatal("should not emit") }
	require.NoError(t, s.Poll(context.Background(), emit))
}

func TestSlack_ValidateWebhook(t *testing.T) {
	s := NewSlack(SlackConfig{}, nil)
	s.secret = "slack-secret"

	body := []byte(`{"type":"event_callback"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	basestring := "v0:" + ts + ":" + string(body)
	sig := "v0=" + sign("slack-secret", []byte(basestring))

	require.NoError(t, s.ValidateWebhook(http.Header{
		"X-Slack-Signature":         {sig},
		"X-Slack-Request-Timestamp": {ts},
	}, body, body))

	assert.Error(t, s.ValidateWebhook(http.Header{
		"X-Slack-Signature":         {"v0=bad"},
		"X-Slack-Request-Timestamp": {ts},
	}, body, body))
}

func TestSlack_Handshake(t *testing.T) {
	s := NewSlack(SlackConfig{}, nil)

	resp, ok := s.Handshake([]byte(`{"type":"url_verification","challenge":"xyz"}`))
	require.True(t, ok)
	assert.Equal(t, "xyz", resp["challenge"])

	_, ok = s.Handshake([]byte(`{"type":"event_callback"}`))
	assert.False(t, ok)
}

func TestSlack_HandleWebhook_MessageEvent(t *testing.T) {
	s := NewSlack(SlackConfig{}, nil)

	payload := map[string]any{
		"type": "event_callback",
		"event": map[string]any{
			"type":    "app_mention",
			"user":    "U123",
			"text":    "hello team",
			"channel": "C456",
			"ts":      "1111.2222",
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	var got NormalizedEvent
	emitted := false
	emit := func(ctx context.Context, e NormalizedEvent, r Reactor) { emitted = true; got = e }

	require.NoError(t, s.HandleWebhook(context.Background(), http.Header{}, body, emit))
	require.True(t, emitted)
	assert.Equal(t, "message", got.Type)
	assert.Equal(t, "C456", got.Resource.Repository)
}

func TestSlack_HandleWebhook_IgnoresBotMessages(t *testing.T) {
	s := NewSlack(SlackConfig{}, nil)

	payload := map[string]any{
		"type": "event_callback",
		"event": map[string]any{
			"type":   "message",
			"bot_id": "B999",
		},
	}
	body, _ := json.Marshal(payload)

	emit := func(ctx context.Context, e NormalizedEvent, r Reactor) { t.Fatal("should not emit") }
	require.NoError(t, s.HandleWebhook(context.Background(), http.Header{}, body, emit))
}

func TestSlack_HandleWebhook_IgnoresNonEventCallback(t *testing.T) {
	s := NewSlack(SlackConfig{}, nil)
	body, _ := json.Marshal(map[string]any{"type": "url_verification"})

	emit := func(ctx context.Context, e NormalizedEvent, r Reactor) { t.Fatal("should not emit") }
	require.NoError(t, s.HandleWebhook(context.Background(), http.Header{}, body, emit))
}

func slackClientFor(t *testing.T, srv *httptest.Server) *http.Client {
	return linearClientFor(t, srv)
}

func TestSlack_ResolveBotID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"user_id":"UBOT1"}`)
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{}, nil)
	s.client = slackClientFor(t, srv)

	id, err := s.resolveBotID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "UBOT1", id)
}

func TestSlackReactor_PostCommentAndLastComment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/chat.postMessage":
			fmt.Fprint(w, `{"ok":true,"ts":"1234.5678"}`)
		case "/conversations.replies":
			fmt.Fprint(w, `{"ok":true,"messages":[{"user":"U1","text":"hi","ts":"1.1"},{"user":"UBOT1","bot_id":"BBOT","text":"ack","ts":"1.2"}]}`)
		}
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{}, nil)
	s.client = slackClientFor(t, srv)
	s.botID = "UBOT1"

	reactor := s.newReactor("C1", "1.1")

	handle, err := reactor.PostComment(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "1234.5678", handle)

	last := reactor.LastComment(context.Background())
	require.NotNil(t, last)
	assert.Equal(t, "BBOT", last.Author)
	assert.True(t, reactor.IsBotAuthor("UBOT1"))
	assert.False(t, reactor.IsBotAuthor("U1"))
}
