// Package main is the entry point for watcherd, the event-watcher
// dispatcher daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/thane-ai-agent/internal/buildinfo"
	"github.com/nugget/thane-ai-agent/internal/config"
	"github.com/nugget/thane-ai-agent/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to watcher config file")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := run(logger, *configPath); err != nil {
		logger.Error("watcherd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	path := configPath
	if path == "" {
		path = "watcher.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not found: %s", path)
	}

	cfg, err := watcher.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level in config: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting watcherd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	commandCfg, err := cfg.Command.CommandConfig()
	if err != nil {
		return fmt.Errorf("build command config: %w", err)
	}

	bots := watcher.BotIdentities(cfg.BotUsernames)

	dispatcher := watcher.NewDispatcher(watcher.DispatcherConfig{
		BasePath: cfg.BasePath,
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Command:  commandCfg,
		Render:   watcher.NewTextTemplateRenderer(),
		Logger:   logger,
	})

	providers, err := buildProviders(cfg, bots, logger)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	for _, rp := range providers {
		if err := dispatcher.RegisterProvider(rp); err != nil {
			return fmt.Errorf("register provider: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	logger.Info("watcherd started", "base_path", cfg.BasePath, "port", cfg.Listen.Port)

	go logBusEvents(ctx, dispatcher.Bus(), logger)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), drainShutdownTimeout)
	defer cancel()

	if err := dispatcher.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop dispatcher: %w", err)
	}

	logger.Info("watcherd stopped")
	return nil
}

func buildProviders(cfg *watcher.Config, bots watcher.BotIdentities, logger *slog.Logger) ([]watcher.RegisteredProvider, error) {
	var out []watcher.RegisteredProvider

	if cfg.Providers.GitHub.Enabled {
		interval, err := watcher.PollingInterval(cfg.Providers.GitHub.PollingInterval)
		if err != nil {
			return nil, fmt.Errorf("github polling_interval: %w", err)
		}
		gh := watcher.NewGitHub(watcher.GitHubConfig{
			Token:                cfg.Providers.GitHub.Auth.Token,
			WebhookSecret:        cfg.Providers.GitHub.WebhookSecret,
			BaseURL:              cfg.Providers.GitHub.BaseURL,
			Repositories:         cfg.Providers.GitHub.Repositories,
			PollingInterval:      interval,
			InitialLookbackHours: cfg.Providers.GitHub.InitialLookbackHours,
			BotIdentities:        bots,
		}, logger)
		out = append(out, watcher.RegisteredProvider{Provider: gh, PollingInterval: interval})
	}

	if cfg.Providers.GitLab.Enabled {
		interval, err := watcher.PollingInterval(cfg.Providers.GitLab.PollingInterval)
		if err != nil {
			return nil, fmt.Errorf("gitlab polling_interval: %w", err)
		}
		gl := watcher.NewGitLab(watcher.GitLabConfig{
			Token:                cfg.Providers.GitLab.Auth.Token,
			WebhookSecret:        cfg.Providers.GitLab.WebhookSecret,
			BaseURL:              cfg.Providers.GitLab.BaseURL,
			Projects:             cfg.Providers.GitLab.Projects,
			PollingInterval:      interval,
			InitialLookbackHours: cfg.Providers.GitLab.InitialLookbackHours,
			BotIdentities:        bots,
		}, logger)
		out = append(out, watcher.RegisteredProvider{Provider: gl, PollingInterval: interval})
	}

	if cfg.Providers.Linear.Enabled {
		interval, err := watcher.PollingInterval(cfg.Providers.Linear.PollingInterval)
		if err != nil {
			return nil, fmt.Errorf("linear polling_interval: %w", err)
		}
		ln := watcher.NewLinear(watcher.LinearConfig{
			APIKey:               cfg.Providers.Linear.Auth.Token,
			WebhookSecret:        cfg.Providers.Linear.WebhookSecret,
			TeamKeys:             cfg.Providers.Linear.TeamKeys,
			PollingInterval:      interval,
			InitialLookbackHours: cfg.Providers.Linear.InitialLookbackHours,
			BotIdentities:        bots,
		}, logger)
		out = append(out, watcher.RegisteredProvider{Provider: ln, PollingInterval: interval})
	}

	if cfg.Providers.Slack.Enabled {
		sl := watcher.NewSlack(watcher.SlackConfig{
			BotToken:      cfg.Providers.Slack.Auth.Token,
			SigningSecret: cfg.Providers.Slack.SigningSecret,
			BotIdentities: bots,
		}, logger)
		out = append(out, watcher.RegisteredProvider{Provider: sl})
	}

	return out, nil
}

func logBusEvents(ctx context.Context, bus *watcher.Bus, logger *slog.Logger) {
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case be, ok := <-ch:
			if !ok {
				return
			}
			switch be.Kind {
			case watcher.KindError:
				logger.Warn("watcher bus event", "kind", be.Kind, "data", be.Data)
			default:
				logger.Debug("watcher bus event", "kind", be.Kind, "data", be.Data)
			}
		}
	}
}

const drainShutdownTimeout = 35 * time.Second
