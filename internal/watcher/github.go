package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v69/github"
)

// githubRecentCommentLimit bounds how many comments are inspected when
// resolving hasRecentHumanActivity for polled pull requests (spec.md
// §4.3.2).
const githubRecentCommentLimit = 5

// GitHubConfig configures the GitHub provider.
type GitHubConfig struct {
	Token                Secret
	WebhookSecret        Secret
	BaseURL              string
	Repositories         []string
	PollingInterval      time.Duration
	InitialLookbackHours int
	BotIdentities        BotIdentities
}

// GitHub implements Provider for GitHub.com and GitHub Enterprise using
// the google/go-github SDK, grounded on the teacher's forge.GitHub
// client construction.
type GitHub struct {
	cfg    GitHubConfig
	logger *slog.Logger

	client *github.Client
	secret string

	mu      sync.Mutex
	cursors map[string]time.Time
}

// NewGitHub creates a GitHub provider.
func NewGitHub(cfg GitHubConfig, logger *slog.Logger) *GitHub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialLookbackHours <= 0 {
		cfg.InitialLookbackHours = 1
	}
	return &GitHub{
		cfg:     cfg,
		logger:  logger,
		cursors: make(map[string]time.Time),
	}
}

// Metadata implements Provider.
func (g *GitHub) Metadata() Metadata {
	return Metadata{Name: "github", Pollable: true}
}

// Init implements Provider: builds the API client and resolves the
// webhook secret.
func (g *GitHub) Init(ctx context.Context) error {
	token, err := g.cfg.Token.Resolve()
	if err != nil {
		return fmt.Errorf("github: resolve token: %w", err)
	}
	secret, err := g.cfg.WebhookSecret.Resolve()
	if err != nil {
		return fmt.Errorf("github: resolve webhook secret: %w", err)
	}
	g.secret = secret

	httpClient := NewAPIClient("watcher-github/1.0")
	client := github.NewClient(httpClient).WithAuthToken(token)

	if g.cfg.BaseURL != "" && g.cfg.BaseURL != "https://api.github.com" {
		client, err = client.WithEnterpriseURLs(g.cfg.BaseURL, g.cfg.BaseURL)
		if err != nil {
			return fmt.Errorf("github: configure enterprise URL: %w", err)
		}
	}
	g.client = client
	return nil
}

// ValidateWebhook implements Provider: HMAC-prefix envelope with
// required X-GitHub-Event and X-GitHub-Delivery headers (spec.md
// §6.2).
func (g *GitHub) ValidateWebhook(headers http.Header, body, rawBody []byte) error {
	return verifyHMACPrefix(
		g.secret,
		headers.Get("X-Hub-Signature-256"),
		headers.Get("X-GitHub-Event"),
		headers.Get("X-GitHub-Delivery"),
		rawBody,
	)
}

// githubPayload is a minimal structural view over the GitHub webhook
// payload shapes this provider acts on: issues, pull requests, and
// issue/PR comments.
type githubPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Issue *struct {
		Number      int    `json:"number"`
		Title       string `json:"title"`
		Body        string `json:"body"`
		State       string `json:"state"`
		HTMLURL     string `json:"html_url"`
		PullRequest *struct{} `json:"pull_request"`
		User        struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"issue"`
	PullRequest *struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		State   string `json:"state"`
		HTMLURL string `json:"html_url"`
		Head    struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Comment *struct {
		ID      int64  `json:"id"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
}

// HandleWebhook implements Provider.
func (g *GitHub) HandleWebhook(ctx context.Context, headers http.Header, body []byte, emit EmitFunc) error {
	eventType := headers.Get("X-GitHub-Event")
	deliveryID := headers.Get("X-GitHub-Delivery")

	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("github: unmarshal payload: %w", err)
	}

	event, number, err := g.normalize(eventType, deliveryID, payload)
	if err != nil {
		g.logger.Debug("github: webhook event not handled", "event_type", eventType, "error", err)
		return nil
	}

	if !shouldProcess(event, true) {
		g.logger.Debug("github: event filtered", "event_id", event.ID)
		return nil
	}

	reactor := g.newReactor(event.Resource.Repository, number)
	emit(ctx, event, reactor)
	return nil
}

// normalize maps a githubPayload into a NormalizedEvent, matching
// spec.md §3/§4.3.3. Returns an error for event types this provider
// does not act on (e.g. "ping").
func (g *GitHub) normalize(eventType, deliveryID string, p githubPayload) (NormalizedEvent, int, error) {
	repo := p.Repository.FullName
	actor := Actor{Username: p.Sender.Login}
	now := time.Now().UTC().Format(time.RFC3339)

	switch eventType {
	case "issue_comment":
		if p.Issue == nil || p.Comment == nil {
			return NormalizedEvent{}, 0, fmt.Errorf("issue_comment payload missing issue/comment")
		}
		typ := "issue"
		if p.Issue.PullRequest != nil {
			typ = "pull_request"
		}
		id := fmt.Sprintf("github:%s:%s:%d:%d", repo, "commented", p.Comment.ID, mustInt64(deliveryID))
		return NormalizedEvent{
			ID:       id,
			Provider: "github",
			Type:     typ,
			Action:   "commented",
			Resource: Resource{
				Number:      p.Issue.Number,
				Title:       p.Issue.Title,
				Description: p.Issue.Body,
				URL:         p.Issue.HTMLURL,
				State:       p.Issue.State,
				Repository:  repo,
				Author:      p.Issue.User.Login,
				Comment: &Comment{
					Body:   p.Comment.Body,
					Author: p.Comment.User.Login,
					URL:    p.Comment.HTMLURL,
				},
			},
			Actor:    actor,
			Metadata: map[string]any{"timestamp": now, "delivery_id": deliveryID},
			Raw:      p,
		}, p.Issue.Number, nil

	case "issues":
		if p.Issue == nil {
			return NormalizedEvent{}, 0, fmt.Errorf("issues payload missing issue")
		}
		id := fmt.Sprintf("github:%s:%s:%d:%s", repo, p.Action, p.Issue.Number, deliveryID)
		return NormalizedEvent{
			ID:       id,
			Provider: "github",
			Type:     "issue",
			Action:   p.Action,
			Resource: Resource{
				Number:      p.Issue.Number,
				Title:       p.Issue.Title,
				Description: p.Issue.Body,
				URL:         p.Issue.HTMLURL,
				State:       p.Issue.State,
				Repository:  repo,
				Author:      p.Issue.User.Login,
			},
			Actor:    actor,
			Metadata: map[string]any{"timestamp": now, "delivery_id": deliveryID},
			Raw:      p,
		}, p.Issue.Number, nil

	case "pull_request":
		if p.PullRequest == nil {
			return NormalizedEvent{}, 0, fmt.Errorf("pull_request payload missing pull_request")
		}
		id := fmt.Sprintf("github:%s:%s:%d:%s", repo, p.Action, p.PullRequest.Number, deliveryID)
		return NormalizedEvent{
			ID:       id,
			Provider: "github",
			Type:     "pull_request",
			Action:   p.Action,
			Resource: Resource{
				Number:      p.PullRequest.Number,
				Title:       p.PullRequest.Title,
				Description: p.PullRequest.Body,
				URL:         p.PullRequest.HTMLURL,
				State:       p.PullRequest.State,
				Repository:  repo,
				Author:      p.PullRequest.User.Login,
				Branch:      p.PullRequest.Head.Ref,
				MergeTo:     p.PullRequest.Base.Ref,
			},
			Actor:    actor,
			Metadata: map[string]any{"timestamp": now, "delivery_id": deliveryID},
			Raw:      p,
		}, p.PullRequest.Number, nil

	default:
		return NormalizedEvent{}, 0, fmt.Errorf("unhandled event type %q", eventType)
	}
}

// mustInt64 returns 0 when s does not parse, used only to fold a
// delivery id into the numeric id-disambiguation slot when present.
func mustInt64(s string) int64 {
	n, err := strconv.ParseInt(strings.ReplaceAll(s, "-", ""), 16, 64)
	if err != nil {
		return 0
	}
	return n
}

// Poll implements Provider: fetches issues and PRs updated since this
// provider's cursor for each configured repository.
func (g *GitHub) Poll(ctx context.Context, emit EmitFunc) error {
	for _, repo := range g.cfg.Repositories {
		if err := g.pollRepo(ctx, repo, emit); err != nil {
			return fmt.Errorf("github: poll %s: %w", repo, err)
		}
	}
	return nil
}

func (g *GitHub) pollRepo(ctx context.Context, repo string, emit EmitFunc) error {
	owner, name, err := splitRepository(repo)
	if err != nil {
		return err
	}

	since := g.cursorFor(repo)
	now := time.Now().UTC()

	issues, _, err := g.client.Issues.ListByRepo(ctx, owner, name, &github.IssueListByRepoOptions{
		State: "all",
		Since: since,
		ListOptions: github.ListOptions{
			PerPage: 100,
		},
	})
	if err != nil {
		return fmt.Errorf("list issues: %w", err)
	}

	for _, issue := range issues {
		isPR := issue.GetPullRequestLinks() != nil
		typ := "issue"
		if isPR {
			typ = "pull_request"
		}

		hasActivity := true
		if isPR {
			hasActivity = g.hasRecentHumanActivity(ctx, owner, name, issue.GetNumber())
		}

		event := NormalizedEvent{
			ID:       fmt.Sprintf("github:%s:poll:%d:%d", repo, issue.GetNumber(), now.Unix()),
			Provider: "github",
			Type:     typ,
			Action:   "poll",
			Resource: Resource{
				Number:      issue.GetNumber(),
				Title:       issue.GetTitle(),
				Description: issue.GetBody(),
				URL:         issue.GetHTMLURL(),
				State:       issue.GetState(),
				Repository:  repo,
				Author:      issue.GetUser().GetLogin(),
			},
			Actor:    Actor{Username: issue.GetUser().GetLogin()},
			Metadata: map[string]any{"timestamp": now.Format(time.RFC3339), "polled": true},
			Raw:      issue,
		}

		if !shouldProcess(event, hasActivity) {
			continue
		}

		reactor := g.newReactor(repo, issue.GetNumber())
		emit(ctx, event, reactor)
	}

	g.setCursor(repo, now)
	return nil
}

// hasRecentHumanActivity resolves spec.md §4.3.2's heuristic: one page
// of up to N=5 comments is fetched (no sort order is requested); any
// comment present means activity. Fails open (returns true) on retrieval error, per spec.md
// §4.3.4: "If the provider cannot check comment activity due to an
// error, it assumes true."
func (g *GitHub) hasRecentHumanActivity(ctx context.Context, owner, name string, number int) bool {
	comments, _, err := g.client.Issues.ListComments(ctx, owner, name, number, &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: githubRecentCommentLimit},
	})
	if err != nil {
		g.logger.Warn("github: failed to check recent activity, assuming active",
			"repo", owner+"/"+name, "number", number, "error", err)
		return true
	}
	return len(comments) > 0
}

func (g *GitHub) cursorFor(repo string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.cursors[repo]; ok {
		return t
	}
	return time.Now().Add(-time.Duration(g.cfg.InitialLookbackHours) * time.Hour)
}

func (g *GitHub) setCursor(repo string, t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cursors[repo] = t
}

// Shutdown implements Provider; GitHub holds no resources to release.
func (g *GitHub) Shutdown(ctx context.Context) error { return nil }

// newReactor builds a Reactor scoped to one resource.
func (g *GitHub) newReactor(repo string, number int) Reactor {
	return &githubReactor{client: g.client, repo: repo, number: number, bots: g.cfg.BotIdentities, logger: g.logger}
}

type githubReactor struct {
	client *github.Client
	repo   string
	number int
	bots   BotIdentities
	logger *slog.Logger
}

func (r *githubReactor) LastComment(ctx context.Context) *LastComment {
	owner, name, err := splitRepository(r.repo)
	if err != nil {
		return nil
	}
	comments, _, err := r.client.Issues.ListComments(ctx, owner, name, r.number, &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 1},
		Sort:        github.Ptr("created"),
		Direction:   github.Ptr("desc"),
	})
	if err != nil {
		r.logger.Warn("github reactor: last comment lookup failed", "repo", r.repo, "number", r.number, "error", err)
		return nil
	}
	if len(comments) == 0 {
		return nil
	}
	c := comments[0]
	return &LastComment{Author: c.GetUser().GetLogin(), Body: c.GetBody()}
}

func (r *githubReactor) PostComment(ctx context.Context, body string) (string, error) {
	owner, name, err := splitRepository(r.repo)
	if err != nil {
		return "", err
	}
	comment, _, err := r.client.Issues.CreateComment(ctx, owner, name, r.number, &github.IssueComment{Body: &body})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPostFailed, err)
	}
	return strconv.FormatInt(comment.GetID(), 10), nil
}

func (r *githubReactor) IsBotAuthor(name string) bool {
	return r.bots.Is(name)
}

// splitRepository splits "owner/repo" into its components.
func splitRepository(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}
