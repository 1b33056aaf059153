package watcher

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleProvider struct {
	name      string
	initErr   error
	pollCount int
	shutdown  bool
}

func (p *lifecycleProvider) Metadata() Metadata { return Metadata{Name: p.name, Pollable: false} }
func (p *lifecycleProvider) Init(ctx context.Context) error { return p.initErr }
func (p *lifecycleProvider) ValidateWebhook(headers http.Header, body, rawBody []byte) error {
	return nil
}
func (p *lifecycleProvider) HandleWebhook(ctx context.Context, headers http.Header, body []byte, emit EmitFunc) error {
	return nil
}
func (p *lifecycleProvider) Poll(ctx context.Context, emit EmitFunc) error {
	p.pollCount++
	return nil
}
func (p *lifecycleProvider) Shutdown(ctx context.Context) error {
	p.shutdown = true
	return nil
}

func TestDispatcher_RegisterAfterStartRejected(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Logger: nil})
	require.NoError(t, d.RegisterProvider(RegisteredProvider{Provider: &lifecycleProvider{name: "p1"}}))

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	err := d.RegisterProvider(RegisteredProvider{Provider: &lifecycleProvider{name: "p2"}})
	assert.ErrorIs(t, err, ErrRegistrationAfterStart)
}

func TestDispatcher_DoubleStartRejected(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	err := d.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestDispatcher_InitFailureAbortsStart(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	p := &lifecycleProvider{name: "p1", initErr: errors.New("bad creds")}
	require.NoError(t, d.RegisterProvider(RegisteredProvider{Provider: p}))

	err := d.Start(context.Background())
	require.Error(t, err)
	var perr *ProviderError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, "p1", perr.Provider)
}

func TestDispatcher_StopIsIdempotentWithoutStart(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	assert.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_StopShutsDownProvidersAndPublishesLifecycleEvents(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	ch := d.Bus().Subscribe(8)
	defer d.Bus().Unsubscribe(ch)

	p := &lifecycleProvider{name: "p1"}
	require.NoError(t, d.RegisterProvider(RegisteredProvider{Provider: p}))
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, d.Stop(context.Background()))
	assert.True(t, p.shutdown)

	var kinds []string
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		default:
			goto done
		}
	}
done:
	assert.Contains(t, kinds, KindStarted)
	assert.Contains(t, kinds, KindStopped)
}

func TestDispatcher_EventHandlerSkipsAlreadyAcknowledgedEvent(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Command: CommandConfig{Enabled: false}})
	handler := d.eventHandler("github")

	reactor := &fakeReactor{isBotAuthor: true}
	reactor.lastComment = &LastComment{Author: "watcher-bot"}

	event := NormalizedEvent{ID: "e1", Provider: "github", Resource: Resource{Repository: "acme/widgets"}}
	handler(context.Background(), event, reactor)

	assert.Empty(t, reactor.posts)
}

func TestDispatcher_EventHandlerPostsDedupMarkerWhenCommandDisabled(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Command: CommandConfig{Enabled: false}})
	handler := d.eventHandler("github")

	reactor := &fakeReactor{}
	event := NormalizedEvent{ID: "e1", Provider: "github", Resource: Resource{Repository: "acme/widgets", Number: 7}}
	handler(context.Background(), event, reactor)

	require.Len(t, reactor.posts, 1)
	assert.Contains(t, reactor.posts[0], "acme/widgets#7")
}

func TestDispatcher_EventHandlerRunsCommandExecutor(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Command: CommandConfig{Enabled: true, Command: "true"}})
	handler := d.eventHandler("github")

	reactor := &fakeReactor{}
	event := NormalizedEvent{ID: "e1", Provider: "github", Resource: Resource{Repository: "acme/widgets"}}
	handler(context.Background(), event, reactor)

	require.Len(t, reactor.posts, 1)
	assert.Contains(t, reactor.posts[0], "Agent is working on")
}

func TestDispatcher_EventHandlerRejectsInvalidEvent(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	ch := d.Bus().Subscribe(4)
	defer d.Bus().Unsubscribe(ch)

	handler := d.eventHandler("github")
	reactor := &fakeReactor{}
	handler(context.Background(), NormalizedEvent{}, reactor)

	assert.Empty(t, reactor.posts)
	select {
	case e := <-ch:
		assert.Equal(t, KindError, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected an error bus event")
	}
}

func TestDispatcher_EventHandlerRecoversFromPanic(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Command: CommandConfig{Enabled: true, Command: "true"}})
	handler := d.eventHandler("github")

	reactor := &panickingReactor{}
	event := NormalizedEvent{ID: "e1", Provider: "github", Resource: Resource{Repository: "acme/widgets"}}

	assert.NotPanics(t, func() { handler(context.Background(), event, reactor) })
}

type panickingReactor struct{}

func (p *panickingReactor) LastComment(ctx context.Context) *LastComment { return nil }
func (p *panickingReactor) PostComment(ctx context.Context, body string) (string, error) {
	panic("reactor exploded")
}
func (p *panickingReactor) IsBotAuthor(name string) bool { return false }
