package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGitLab_Metadata(t *testing.T) {
	g := NewGitLab(GitLabConfig{}, nil)
	assert.Equal(t, Metadata{Name: "gitlab", Pollable: true}, g.Metadata())
}

func TestGitLab_DefaultBaseURL(t *testing.T) {
	g := NewGitLab(GitLabConfig{}, nil)
	assert.Equal(t, "https://gitlab.com", g.cfg.BaseURL)
}

func TestGitLab_ValidateWebhook(t *testing.T) {
	g := NewGitLab(GitLabConfig{}, nil)
	g.secret = "tok"

	require.NoError(t, g.ValidateWebhook(http.Header{"X-Gitlab-Token": {"tok"}}, nil, nil))
	assert.Error(t, g.ValidateWebhook(http.Header{"X-Gitlab-Token": {"wrong"}}, nil, nil))
}

func TestGitLab_HandleWebhook_NoteOnMergeRequest(t *testing.T) {
	g := NewGitLab(GitLabConfig{}, nil)

	payload := map[string]any{
		"object_kind": "note",
		"user":        map[string]any{"username": "bob"},
		"project":     map[string]any{"path_with_namespace": "acme/widgets"},
		"object_attributes": map[string]any{
			"id":   int64(5),
			"note": "looks good",
		},
		"merge_request": map[string]any{"iid": 9},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	var got NormalizedEvent
	emitted := false
	emit := func(ctx context.Context, e NormalizedEvent, r Reactor) { emitted = true; got = e }

	require.NoError(t, g.HandleWebhook(context.Background(), http.Header{}, body, emit))
	require.True(t, emitted)
	assert.Equal(t, "merge_request", got.Type)
	assert.Equal(t, "commented", got.Action)
	assert.Equal(t, 9, got.Resource.Number)
	assert.Equal(t, "acme/widgets", got.Resource.Repository)
}

func TestGitLab_HandleWebhook_MergeRequestOpenedFiltered(t *testing.T) {
	g := NewGitLab(GitLabConfig{}, nil)

	payload := map[string]any{
		"object_kind": "merge_request",
		"project":     map[string]any{"path_with_namespace": "acme/widgets"},
		"object_attributes": map[string]any{
			"id":     int64(1),
			"iid":    3,
			"action": "open",
		},
	}
	body, _ := json.Marshal(payload)

	emitted := false
	emit := func(ctx context.Context, e NormalizedEvent, r Reactor) { emitted = true }
	require.NoError(t, g.HandleWebhook(context.Background(), http.Header{}, body, emit))
	assert.False(t, emitted)
}

func TestGitLab_HandleWebhook_UnhandledObjectKind(t *testing.T) {
	g := NewGitLab(GitLabConfig{}, nil)
	payload := map[string]any{"object_kind": "pipeline"}
	body, _ := json.Marshal(payload)

	emit := func(ctx context.Context, e NormalizedEvent, r Reactor) { t.Fatal("should not emit") }
	require.NoError(t, g.HandleWebhook(context.Background(), http.Header{}, body, emit))
}

func TestGitLab_Poll_EmitsPolledMergeRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v4/projects/acme%2Fwidgets/merge_requests":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `[{"iid":4,"title":"fix","state":"opened"}]`)
		case r.URL.Path == "/api/v4/projects/acme%2Fwidgets/merge_requests/4/notes":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `[{"id":1,"body":"lgtm"}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewGitLab(GitLabConfig{BaseURL: srv.URL, Projects: []string{"acme/widgets"}}, nil)
	g.client = srv.Client()

	var events []NormalizedEvent
	emit := func(ctx context.Context, e NormalizedEvent, r Reactor) { events = append(events, e) }

	require.NoError(t, g.Poll(context.Background(), emit))
	require.Len(t, events, 1)
	assert.Equal(t, "poll", events[0].Action)
	assert.Equal(t, 4, events[0].Resource.Number)
}

func TestGitLab_HasRecentHumanActivity_FailsOpenOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewGitLab(GitLabConfig{BaseURL: srv.URL}, nil)
	g.client = srv.Client()

	assert.True(t, g.hasRecentHumanActivity(context.Background(), "acme/widgets", 1))
}

func TestGitLabReactor_PostCommentAndLastComment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			fmt.Fprint(w, `{"id":10,"body":"posted"}`)
		case http.MethodGet:
			fmt.Fprint(w, `[{"id":3,"body":"hello","author":{"username":"watcher-bot"}}]`)
		}
	}))
	defer srv.Close()

	g := NewGitLab(GitLabConfig{BaseURL: srv.URL, BotIdentities: BotIdentities{"watcher-bot"}}, nil)
	g.client = srv.Client()

	reactor := g.newReactor("acme/widgets", 1)

	handle, err := reactor.PostComment(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "10", handle)

	last := reactor.LastComment(context.Background())
	require.NotNil(t, last)
	assert.Equal(t, "watcher-bot", last.Author)
	assert.True(t, reactor.IsBotAuthor("watcher-bot"))
}
