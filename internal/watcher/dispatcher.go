package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RegisteredProvider bundles a Provider with the configuration the
// Dispatcher's lifecycle supervisor needs to decide whether to start a
// Poller for it (spec.md §4.8 step 4).
type RegisteredProvider struct {
	Provider Provider

	// PollingInterval, when non-zero and the provider declares itself
	// Pollable, causes the Dispatcher to start a Poller for it.
	PollingInterval time.Duration
}

// CommentTemplateFunc renders the deduplication-marker comment posted
// when the CommandExecutor is disabled (spec.md §4.7 step 3).
type CommentTemplateFunc func(displayID string) string

// DispatcherConfig configures the Dispatcher's lifecycle and dedup
// behavior.
type DispatcherConfig struct {
	BasePath string
	Address  string
	Port     int

	Command         CommandConfig
	Render          TemplateRenderer
	CommentTemplate CommentTemplateFunc

	Logger *slog.Logger
}

// Dispatcher ("Watcher") owns lifecycle, subscribers, and the set of
// registered providers, and constructs the per-provider event-handler
// closure that runs the idempotency check, subscriber emission, and
// command invocation (spec.md §4.7, §4.8).
type Dispatcher struct {
	cfg    DispatcherConfig
	bus    *Bus
	cmd    *CommandExecutor
	logger *slog.Logger

	server *WebhookServer

	mu        sync.Mutex
	started   bool
	providers map[string]*RegisteredProvider
	pollers   map[string]*Poller
}

// NewDispatcher creates a Dispatcher. Providers are registered via
// RegisterProvider before Start.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommentTemplate == nil {
		cfg.CommentTemplate = func(displayID string) string {
			return fmt.Sprintf("Acknowledged %s", displayID)
		}
	}

	return &Dispatcher{
		cfg:       cfg,
		bus:       NewBus(),
		cmd:       NewCommandExecutor(cfg.Command, cfg.Render, logger),
		logger:    logger,
		providers: make(map[string]*RegisteredProvider),
		pollers:   make(map[string]*Poller),
	}
}

// Bus returns the dispatcher's event bus for subscriber registration.
func (d *Dispatcher) Bus() *Bus { return d.bus }

// RegisterProvider adds a provider to the dispatcher. Valid only while
// not started (spec.md §4.8 "Re-entrancy").
func (d *Dispatcher) RegisterProvider(rp RegisteredProvider) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrRegistrationAfterStart
	}
	d.providers[rp.Provider.Metadata().Name] = &rp
	return nil
}

// UnregisterProvider removes a provider. Valid only while not started.
func (d *Dispatcher) UnregisterProvider(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrRegistrationAfterStart
	}
	delete(d.providers, name)
	return nil
}

// eventHandler builds the per-provider (event, reactor) -> unit closure
// of spec.md §4.7.
func (d *Dispatcher) eventHandler(providerName string) EmitFunc {
	return func(ctx context.Context, event NormalizedEvent, reactor Reactor) {
		if err := event.Valid(); err != nil {
			d.bus.Publish(BusEvent{Kind: KindError, Data: map[string]any{"provider": providerName, "error": err.Error()}})
			d.logger.Error("dispatcher: invalid normalized event", "provider", providerName, "error", err)
			return
		}

		// Step 1: duplicate check — the sole idempotency mechanism.
		last := reactor.LastComment(ctx)
		if last != nil && reactor.IsBotAuthor(last.Author) {
			d.logger.Debug("dispatcher: skipping already-acknowledged event",
				"event_id", event.ID, "last_author", last.Author)
			return
		}

		// Step 2: emit to in-process subscribers.
		d.bus.Publish(BusEvent{Kind: KindEvent, Data: map[string]any{"provider": providerName, "event": event}})

		// Step 3: dispatch.
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("dispatcher: event handler panicked", "event_id", event.ID, "recover", r)
					d.bus.Publish(BusEvent{Kind: KindError, Data: map[string]any{"provider": providerName, "error": fmt.Sprintf("%v", r)}})
				}
			}()

			if d.cmd.Enabled() {
				d.cmd.Execute(ctx, event, reactor)
				return
			}

			marker := d.cfg.CommentTemplate(displayString(event))
			if _, err := reactor.PostComment(ctx, marker); err != nil {
				d.logger.Error("dispatcher: dedup marker post failed", "event_id", event.ID, "error", err)
			}
		}()
	}
}

// Start runs the lifecycle supervisor's start sequence (spec.md §4.8).
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	providers := make(map[string]*RegisteredProvider, len(d.providers))
	for k, v := range d.providers {
		providers[k] = v
	}
	d.mu.Unlock()

	initialized := make([]string, 0, len(providers))
	for name, rp := range providers {
		if err := rp.Provider.Init(ctx); err != nil {
			return &ProviderError{Provider: name, Err: err}
		}
		initialized = append(initialized, name)
	}

	if len(initialized) > 0 {
		handlers := make(map[string]http.HandlerFunc, len(initialized))
		for _, name := range initialized {
			rp := providers[name]
			handlers[name] = NewWebhookHandlerFunc(rp.Provider, d.eventHandler(name), d.logger)
		}
		d.server = NewWebhookServer(d.cfg.BasePath, d.cfg.Address, d.cfg.Port, d.logger)
		go func() {
			if err := d.server.Start(ctx, handlers); err != nil {
				d.bus.Publish(BusEvent{Kind: KindError, Data: map[string]any{"error": err.Error()}})
				d.logger.Error("webhook server stopped unexpectedly", "error", err)
			}
		}()
	}

	for _, name := range initialized {
		rp := providers[name]
		if !rp.Provider.Metadata().Pollable || rp.PollingInterval <= 0 {
			continue
		}
		poller := NewPoller(name, rp.PollingInterval, rp.Provider.Poll, d.eventHandler(name), d.logger)
		d.mu.Lock()
		d.pollers[name] = poller
		d.mu.Unlock()
		poller.Start(ctx)
	}

	d.bus.Publish(BusEvent{Kind: KindStarted})
	return nil
}

// Stop runs the lifecycle supervisor's stop sequence (spec.md §4.8):
// pollers, then the webhook server drain, then provider shutdown.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	pollers := d.pollers
	d.pollers = make(map[string]*Poller)
	providers := d.providers
	d.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}

	if d.server != nil {
		if err := d.server.Stop(ctx); err != nil {
			d.logger.Warn("dispatcher: webhook server stop returned error", "error", err)
		}
	}

	for name, rp := range providers {
		if err := rp.Provider.Shutdown(ctx); err != nil {
			d.logger.Error("dispatcher: provider shutdown failed", "provider", name, "error", err)
		}
	}

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()

	d.bus.Publish(BusEvent{Kind: KindStopped})
	return nil
}
