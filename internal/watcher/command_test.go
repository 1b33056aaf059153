package watcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReactor struct {
	posts       []string
	postErr     error
	isBotAuthor bool
	lastComment *LastComment
}

func (f *fakeReactor) LastComment(ctx context.Context) *LastComment { return f.lastComment }

func (f *fakeReactor) PostComment(ctx context.Context, body string) (string, error) {
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posts = append(f.posts, body)
	return "handle", nil
}

func (f *fakeReactor) IsBotAuthor(name string) bool { return f.isBotAuthor }

func TestSafeID(t *testing.T) {
	assert.Equal(t, "github_issues_123_delivery-1", SafeID("github:issues/123:delivery-1"))
}

func TestShortID(t *testing.T) {
	got := ShortID("github", "acme/widgets", 42, "github:acme/widgets:commented:ABCDEF1234")
	assert.Equal(t, "github-acme-widgets-42-ef1234", got)
}

func TestShortID_TailShorterThanSix(t *testing.T) {
	got := ShortID("slack", "C012", 0, "ab")
	assert.Equal(t, "slack-C012-0-ab", got)
}

func TestDisplayString(t *testing.T) {
	assert.Equal(t, "acme/widgets#42", displayString(NormalizedEvent{Resource: Resource{Repository: "acme/widgets", Number: 42}}))
	assert.Equal(t, "C012", displayString(NormalizedEvent{Resource: Resource{Repository: "C012"}}))
}

func TestCommandExecutor_Disabled(t *testing.T) {
	reactor := &fakeReactor{}
	exec := NewCommandExecutor(CommandConfig{Enabled: false}, nil, nil)
	exec.Execute(context.Background(), NormalizedEvent{ID: "e1", Resource: Resource{Repository: "acme/widgets"}}, reactor)
	assert.Empty(t, reactor.posts)
}

func TestCommandExecutor_DryRun(t *testing.T) {
	reactor := &fakeReactor{}
	exec := NewCommandExecutor(CommandConfig{
		Enabled: true,
		Command: "exit 1",
		DryRun:  true,
	}, nil, nil)

	exec.Execute(context.Background(), NormalizedEvent{ID: "e1", Resource: Resource{Repository: "acme/widgets", Number: 1}}, reactor)
	require.Len(t, reactor.posts, 1)
	assert.Contains(t, reactor.posts[0], "acme/widgets#1")
}

func TestCommandExecutor_InitialPostFailureAborts(t *testing.T) {
	reactor := &fakeReactor{postErr: errors.New("boom")}
	exec := NewCommandExecutor(CommandConfig{Enabled: true, Command: "true"}, nil, nil)
	exec.Execute(context.Background(), NormalizedEvent{ID: "e1", Resource: Resource{Repository: "acme/widgets"}}, reactor)
	assert.Empty(t, reactor.posts)
}

func TestCommandExecutor_RunsCommandAndPostsFollowUp(t *testing.T) {
	reactor := &fakeReactor{}
	exec := NewCommandExecutor(CommandConfig{
		Enabled:  true,
		Command:  "printf hello-from-agent",
		FollowUp: true,
	}, nil, nil)

	event := NormalizedEvent{ID: "e1", Resource: Resource{Repository: "acme/widgets", Number: 1}}
	exec.Execute(context.Background(), event, reactor)

	require.Len(t, reactor.posts, 2)
	assert.Equal(t, "hello-from-agent", reactor.posts[1])
}

func TestCommandExecutor_NoFollowUpWhenDisabled(t *testing.T) {
	reactor := &fakeReactor{}
	exec := NewCommandExecutor(CommandConfig{
		Enabled:  true,
		Command:  "printf hello",
		FollowUp: false,
	}, nil, nil)

	exec.Execute(context.Background(), NormalizedEvent{ID: "e1", Resource: Resource{Repository: "acme/widgets"}}, reactor)
	require.Len(t, reactor.posts, 1)
}

func TestCommandExecutor_NoFollowUpOnSubprocessFailure(t *testing.T) {
	reactor := &fakeReactor{}
	exec := NewCommandExecutor(CommandConfig{
		Enabled:  true,
		Command:  "exit 3",
		FollowUp: true,
	}, nil, nil)

	exec.Execute(context.Background(), NormalizedEvent{ID: "e1", Resource: Resource{Repository: "acme/widgets"}}, reactor)
	require.Len(t, reactor.posts, 1)
}

func TestCommandExecutor_RendersTemplateAndUsesEnv(t *testing.T) {
	reactor := &fakeReactor{}
	render := func(tmpl string, e NormalizedEvent) (string, error) {
		return "rendered:" + tmpl + ":" + e.ID, nil
	}

	exec := NewCommandExecutor(CommandConfig{
		Enabled:               true,
		Command:               `printf "$PROMPT"`,
		DefaultPromptTemplate: "{{.ID}}",
		FollowUp:              true,
	}, render, nil)

	event := NormalizedEvent{ID: "e1", Provider: "github", Resource: Resource{Repository: "acme/widgets"}}
	exec.Execute(context.Background(), event, reactor)

	require.Len(t, reactor.posts, 2)
	assert.Equal(t, "rendered:{{.ID}}:e1", reactor.posts[1])
}

func TestCommandExecutor_PerProviderTemplateOverride(t *testing.T) {
	exec := NewCommandExecutor(CommandConfig{
		DefaultPromptTemplate: "default",
		PromptTemplates:       map[string]string{"github": "override"},
	}, nil, nil)

	assert.Equal(t, "override", exec.promptTemplateFor("github"))
	assert.Equal(t, "default", exec.promptTemplateFor("gitlab"))
}

func TestCommandExecutor_TemplateRenderFailureAborts(t *testing.T) {
	reactor := &fakeReactor{}
	render := func(tmpl string, e NormalizedEvent) (string, error) {
		return "", errors.New("bad template")
	}
	exec := NewCommandExecutor(CommandConfig{
		Enabled:               true,
		Command:               "true",
		DefaultPromptTemplate: "{{.Bogus}}",
		FollowUp:              true,
	}, render, nil)

	exec.Execute(context.Background(), NormalizedEvent{ID: "e1", Resource: Resource{Repository: "acme/widgets"}}, reactor)
	require.Len(t, reactor.posts, 1)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...(truncated)", truncate("abcdef", 3))
}
